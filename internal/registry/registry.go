// Package registry implements the process-wide (but explicitly owned, per
// spec.md §9) mapping from database name to pool.Pool, and is the entry
// point every caller operation (open/close/lock/execute/attach/remove)
// goes through (spec.md §4.3).
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"sqlitepool/internal/conn"
	"sqlitepool/internal/pool"
	"sqlitepool/internal/sqlexec"
	"sqlitepool/internal/value"
)

var (
	// ErrNotOpen is returned when an operation targets a database name
	// not currently in the Registry.
	ErrNotOpen = errors.New("registry: database is not open")
	// ErrAlreadyOpen is returned by Open when name is already mapped.
	ErrAlreadyOpen = errors.New("registry: database is already open")
)

// OpenOptions configures Registry.Open, mirrored after the teacher's
// OpenOptions struct-based constructor in internal/database/open.go.
type OpenOptions struct {
	Name        string
	BasePath    string
	NumReaders  int
	OnAvailable pool.OnContextAvailable
	UpdateHook  pool.UpdateHook
}

// Registry owns every open Pool, keyed by database name. It is an
// explicit object rather than package-level state, per spec.md §9, so
// that tests and multiple embedders can each hold their own instance.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*pool.Pool
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{pools: make(map[string]*pool.Pool)}
}

// DBPath resolves a database name against a base directory. SQLite's
// ":memory:" and "file:" URI forms pass through unchanged.
func DBPath(name, basePath string) string {
	if name == ":memory:" || strings.HasPrefix(name, "file:") {
		return name
	}
	return filepath.Join(basePath, name)
}

// Open constructs a Pool for opts.Name and inserts it into the Registry.
// Fails with ErrAlreadyOpen if the name is already mapped.
func (r *Registry) Open(opts OpenOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pools[opts.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, opts.Name)
	}

	path := DBPath(opts.Name, opts.BasePath)
	p, err := pool.Open(pool.Options{
		Name:        opts.Name,
		Path:        path,
		NumReaders:  opts.NumReaders,
		OnAvailable: opts.OnAvailable,
	})
	if err != nil {
		return err
	}

	if opts.UpdateHook != nil {
		if err := p.RegisterUpdateHook(opts.UpdateHook); err != nil {
			p.CloseAll()
			return fmt.Errorf("registry: register update hook for %s: %w", opts.Name, err)
		}
	}

	r.pools[opts.Name] = p
	log.Info().Str("db", opts.Name).Msg("registry: opened")
	return nil
}

// Close closes every Connection for name and removes it from the
// Registry. Fails with ErrNotOpen if name is absent.
func (r *Registry) Close(name string) error {
	r.mu.Lock()
	p, ok := r.pools[name]
	if ok {
		delete(r.pools, name)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, name)
	}
	p.CloseAll()
	log.Info().Str("db", name).Msg("registry: closed")
	return nil
}

// CloseAll closes every open Pool and clears the Registry. Intended as a
// process-shutdown hook.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]*pool.Pool)
	r.mu.Unlock()

	for name, p := range pools {
		p.CloseAll()
		log.Info().Str("db", name).Msg("registry: closed during shutdown")
	}
}

// PoolFor returns the *pool.Pool backing name. It exists for callers
// above the name+context-ID contract (spec.md §6) that need lower-level
// access, such as the importer package's file-import driver.
func (r *Registry) PoolFor(name string) (*pool.Pool, error) {
	return r.lookup(name)
}

func (r *Registry) lookup(name string) (*pool.Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotOpen, name)
	}
	return p, nil
}

// RequestLock enqueues or grants ctxID a lock of the given kind on name.
func (r *Registry) RequestLock(name, ctxID string, kind pool.LockKind) error {
	p, err := r.lookup(name)
	if err != nil {
		return err
	}
	return p.RequestLock(ctxID, kind)
}

// ReleaseLock releases ctxID's lock on name and drains the next waiter.
// A lookup miss is a silent no-op, matching spec.md §4.3.
func (r *Registry) ReleaseLock(name, ctxID string) {
	p, err := r.lookup(name)
	if err != nil {
		return
	}
	p.ReleaseLock(ctxID)
}

// ExecuteInContext runs a parameterized statement against the Connection
// bound to ctxID on name, returning materialized rows and metadata.
func (r *Registry) ExecuteInContext(ctx context.Context, name, ctxID, query string, params []value.Value) (sqlexec.Result, error) {
	p, err := r.lookup(name)
	if err != nil {
		return sqlexec.Result{}, err
	}

	done := make(chan sqlexec.Result, 1)
	routeErr := p.QueueInContext(ctxID, func(db *sql.DB, stmts sqlexec.StmtCache, closing bool) {
		if closing {
			done <- sqlexec.Result{Err: conn.ErrClosing}
			return
		}
		done <- sqlexec.Execute(ctx, db, stmts, query, params)
	})
	if routeErr != nil {
		return sqlexec.Result{}, routeErr
	}

	res := <-done
	return res, res.Err
}

// ExecuteLiteralInContext runs an unparameterized statement against the
// Connection bound to ctxID on name.
func (r *Registry) ExecuteLiteralInContext(ctx context.Context, name, ctxID, query string) (sqlexec.Result, error) {
	p, err := r.lookup(name)
	if err != nil {
		return sqlexec.Result{}, err
	}

	done := make(chan sqlexec.Result, 1)
	routeErr := p.QueueInContext(ctxID, func(db *sql.DB, _ sqlexec.StmtCache, closing bool) {
		if closing {
			done <- sqlexec.Result{Err: conn.ErrClosing}
			return
		}
		done <- sqlexec.ExecuteLiteral(ctx, db, query)
	})
	if routeErr != nil {
		return sqlexec.Result{}, routeErr
	}

	res := <-done
	return res, res.Err
}

// Attach delegates to the named Pool's Attach.
func (r *Registry) Attach(name, path, alias string) error {
	p, err := r.lookup(name)
	if err != nil {
		return err
	}
	return p.Attach(path, alias)
}

// Detach delegates to the named Pool's Detach.
func (r *Registry) Detach(name, alias string) error {
	p, err := r.lookup(name)
	if err != nil {
		return err
	}
	return p.Detach(alias)
}

// Remove closes name if open, then unlinks its database file. A missing
// file is reported as success with an informational message, not an
// error (spec.md §4.3).
func (r *Registry) Remove(name, basePath string) (message string, err error) {
	if closeErr := r.Close(name); closeErr != nil && !errors.Is(closeErr, ErrNotOpen) {
		return "", closeErr
	}

	path := DBPath(name, basePath)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("database file %s did not exist", path), nil
		}
		return "", fmt.Errorf("registry: remove %s: %w", path, err)
	}

	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}

	return fmt.Sprintf("database file %s removed", path), nil
}
