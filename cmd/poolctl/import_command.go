package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"sqlitepool/internal/importer"
	"sqlitepool/internal/pool"
	"sqlitepool/internal/registry"
)

func runImportCommand() *cobra.Command {
	var (
		dbPath string
		file   string
		base   string
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Run a SQL seed file against a database's write connection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dbPath == "" {
				return fmt.Errorf("--db is required")
			}
			if file == "" {
				return fmt.Errorf("--file is required")
			}

			r := registry.New()
			defer r.CloseAll()

			w := newWaiter()
			if err := r.Open(registry.OpenOptions{
				Name:        dbPath,
				BasePath:    base,
				NumReaders:  0,
				OnAvailable: w.callback(),
			}); err != nil {
				return err
			}

			ctxID := uuid.NewString()
			granted := w.register(ctxID)
			if err := r.RequestLock(dbPath, ctxID, pool.Write); err != nil {
				return err
			}
			<-granted
			defer r.ReleaseLock(dbPath, ctxID)

			p, err := openedPool(r, dbPath)
			if err != nil {
				return err
			}

			result, err := importer.Import(cmd.Context(), p, ctxID, file)
			if err != nil {
				cmd.Printf("import failed after %d statements (failing line %d): %v\n",
					result.Executed, result.FailedLine, err)
				return err
			}

			cmd.Printf("imported %d statements from %s\n", result.Executed, file)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "database name/path to open")
	cmd.Flags().StringVar(&file, "file", "", "SQL file to import")
	cmd.Flags().StringVar(&base, "base-path", "", "base directory the database name is resolved against")

	return cmd
}

// openedPool is a small seam so commands can reach the *pool.Pool a
// Registry holds for name; the core's upward contract (spec.md §6) is
// name+context-ID based, but importer.Import needs the *pool.Pool itself
// to route statements without re-exporting a lower-level API on Registry.
func openedPool(r *registry.Registry, name string) (*pool.Pool, error) {
	return r.PoolFor(name)
}
