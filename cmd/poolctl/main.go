// Command poolctl is a small CLI that exercises the sqlitepool core end
// to end: opening a database, importing a seed file, and attaching a
// sibling database, grounded on cmd/qui's cobra-based subcommand layout.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logFile string

func main() {
	root := &cobra.Command{
		Use:           "poolctl",
		Short:         "Exercise the sqlitepool core from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(logFile)
		},
	}
	root.PersistentFlags().StringVar(&logFile, "log-file", "", "write rotating logs to this file instead of stderr")

	root.AddCommand(runImportCommand())
	root.AddCommand(runAttachCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging wires zerolog to stderr by default, or to a rotating file
// via lumberjack when --log-file is set, grounded on the teacher's
// go.mod dependency on gopkg.in/natefinch/lumberjack.v2.
func setupLogging(path string) {
	if path == "" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		return
	}

	writer := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
	}
	log.Logger = zerolog.New(writer).With().Timestamp().Logger()
}
