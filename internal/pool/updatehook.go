package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"sqlitepool/internal/conn"
	"sqlitepool/internal/sqlexec"
)

// updateHooker is implemented by modernc.org/sqlite's driver connection
// type for drivers built with the update-hook capability compiled in.
// Detecting it via an interface, rather than importing a concrete
// unexported driver type, keeps this package buildable against driver
// versions that do not carry the capability — RegisterUpdateHook reports
// a clear error instead of panicking on a failed type assertion.
type updateHooker interface {
	RegisterUpdateHook(fn func(op int, dbName, table string, rowID int64))
}

// ErrUpdateHookUnsupported is returned when the underlying driver
// connection does not implement the update-hook capability.
var ErrUpdateHookUnsupported = errors.New("pool: driver connection does not support update hooks")

// RegisterUpdateHook installs cb on the writer Connection only, since only
// the writer mutates rows (spec.md §4.2). Only one hook may be registered
// per Pool; re-registration replaces the previous one.
func (p *Pool) RegisterUpdateHook(cb UpdateHook) error {
	p.updateHookMu.Lock()
	p.updateHook = cb
	p.updateHookMu.Unlock()

	done := make(chan error, 1)
	p.write.QueueWork(func(db *sql.DB, _ sqlexec.StmtCache, closing bool) {
		if closing {
			done <- conn.ErrClosing
			return
		}
		done <- installUpdateHook(db, p.dispatchUpdateHook)
	})
	return <-done
}

func (p *Pool) dispatchUpdateHook(op int, dbName, table string, rowID int64) {
	p.updateHookMu.Lock()
	cb := p.updateHook
	p.updateHookMu.Unlock()
	if cb != nil {
		cb(op, dbName, table, rowID)
	}
}

func installUpdateHook(db *sql.DB, fn func(op int, dbName, table string, rowID int64)) error {
	sqlConn, err := db.Conn(context.Background())
	if err != nil {
		return fmt.Errorf("pool: acquire driver connection for update hook: %w", err)
	}
	defer sqlConn.Close()

	return sqlConn.Raw(func(driverConn any) error {
		h, ok := driverConn.(updateHooker)
		if !ok {
			return ErrUpdateHookUnsupported
		}
		h.RegisterUpdateHook(fn)
		return nil
	})
}
