// Package importer implements the file-import driver: a sequential SQL
// statement executor over a text file, run inside one transaction on the
// write connection (spec.md §4.5).
//
// spec.md §9 notes a latent bug in the original implementation, where
// importSQLFile closed the database before importing and then referenced
// the just-closed pool. Import here never closes or reopens anything: it
// takes the already-open *pool.Pool and a context ID that must already
// hold the write lock, and routes every statement through the normal
// QueueInContext path.
package importer

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"sqlitepool/internal/conn"
	"sqlitepool/internal/pool"
	"sqlitepool/internal/sqlexec"
)

// Result reports how an import run finished.
type Result struct {
	// Executed is the number of statements successfully executed before
	// either the file ended or a statement failed.
	Executed int
	// FailedLine is the 1-based source line of the statement that
	// failed, or 0 if every statement succeeded.
	FailedLine int
}

// Import reads path, splits it into statements, and executes each inside
// a single BEGIN/COMMIT on the Connection bound to ctxID. ctxID must
// already hold the write lock; the caller (the binding layer) is
// responsible for enforcing that precondition, per spec.md §4.2.
func Import(ctx context.Context, p *pool.Pool, ctxID, path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("importer: read %s: %w", path, err)
	}

	statements := Split(string(data))

	if err := runLiteral(ctx, p, ctxID, "BEGIN"); err != nil {
		return Result{}, fmt.Errorf("importer: begin transaction: %w", err)
	}

	for i, stmt := range statements {
		if err := runLiteral(ctx, p, ctxID, stmt.Text); err != nil {
			_ = runLiteral(ctx, p, ctxID, "ROLLBACK")
			return Result{Executed: i, FailedLine: stmt.Line},
				fmt.Errorf("importer: statement at line %d: %w", stmt.Line, err)
		}
	}

	if err := runLiteral(ctx, p, ctxID, "COMMIT"); err != nil {
		_ = runLiteral(ctx, p, ctxID, "ROLLBACK")
		return Result{Executed: len(statements)}, fmt.Errorf("importer: commit: %w", err)
	}

	return Result{Executed: len(statements)}, nil
}

func runLiteral(ctx context.Context, p *pool.Pool, ctxID, query string) error {
	done := make(chan sqlexec.Result, 1)
	if err := p.QueueInContext(ctxID, func(db *sql.DB, _ sqlexec.StmtCache, closing bool) {
		if closing {
			done <- sqlexec.Result{Err: conn.ErrClosing}
			return
		}
		done <- sqlexec.ExecuteLiteral(ctx, db, query)
	}); err != nil {
		return err
	}

	res := <-done
	return res.Err
}
