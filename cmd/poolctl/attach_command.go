package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sqlitepool/internal/registry"
)

func runAttachCommand() *cobra.Command {
	var (
		dbPath string
		file   string
		alias  string
		base   string
		detach bool
	)

	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach (or detach) a sibling database file by alias",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dbPath == "" {
				return fmt.Errorf("--db is required")
			}
			if alias == "" {
				return fmt.Errorf("--alias is required")
			}

			r := registry.New()
			defer r.CloseAll()

			if err := r.Open(registry.OpenOptions{
				Name:        dbPath,
				BasePath:    base,
				NumReaders:  2,
				OnAvailable: func(string, string) {},
			}); err != nil {
				return err
			}

			if detach {
				if err := r.Detach(dbPath, alias); err != nil {
					return err
				}
				cmd.Printf("detached %s\n", alias)
				return nil
			}

			if file == "" {
				return fmt.Errorf("--file is required unless --detach is set")
			}
			if err := r.Attach(dbPath, file, alias); err != nil {
				return err
			}
			cmd.Printf("attached %s as %s\n", file, alias)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "database name/path to open")
	cmd.Flags().StringVar(&file, "file", "", "sibling database file to attach")
	cmd.Flags().StringVar(&alias, "alias", "", "alias to attach/detach under")
	cmd.Flags().StringVar(&base, "base-path", "", "base directory the database name is resolved against")
	cmd.Flags().BoolVar(&detach, "detach", false, "detach alias instead of attaching")

	return cmd
}
