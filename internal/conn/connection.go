// Package conn implements the single physical SQLite connection that
// backs one lock slot in a pool.Pool. A Connection serializes all work
// sent to it onto one dedicated worker goroutine; its *sql.DB is touched
// only from that goroutine after open, matching spec.md §4.1.
package conn

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"
)

// Kind distinguishes the writer connection from a reader connection; it
// decides both the SQLite open mode and the PRAGMAs applied at startup.
type Kind int

const (
	Writer Kind = iota
	Reader
)

func (k Kind) String() string {
	if k == Writer {
		return "writer"
	}
	return "reader"
}

const (
	stmtCacheTTL   = 5 * time.Minute
	pragmaTimeout  = 5 * time.Second
	journalSizeMax = 6291456
)

// Task is queued work run on a Connection's worker goroutine. stmts is
// this Connection's prepared-statement cache, passed through so sqlexec's
// Execute can memoize and later evict-close statements per Connection
// rather than preparing (and leaking) one on every call, matching the
// teacher's db.getStmt pattern. Closing is true when the Connection is
// draining its queue during Close and db/stmts are nil; a Task must not
// touch either in that case and should instead deliver ErrClosing through
// whatever result channel it closes over.
type Task func(db *sql.DB, stmts *ttlcache.Cache[string, *sql.Stmt], closing bool)

// ErrClosing is delivered to queued tasks that were still pending when the
// Connection began shutting down, per spec.md §9's drain-and-reject choice.
var ErrClosing = fmt.Errorf("conn: closing")

// Connection owns one SQLite handle, a FIFO work queue, and the single
// lock slot bound to whichever context ID currently holds it.
type Connection struct {
	dbName string
	kind   Kind
	db     *sql.DB
	stmts  *ttlcache.Cache[string, *sql.Stmt]

	queueMu sync.Mutex
	queue   []Task
	notify  chan struct{}

	lockMu  sync.Mutex
	lockCtx string // "" means empty

	closing   atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// Open opens the SQLite handle at path for the given Kind and starts the
// worker goroutine. Writer connections open READWRITE|CREATE; readers
// open READONLY. Each Connection keeps exactly one underlying driver
// connection (SetMaxOpenConns(1)) so that the handle is never touched
// from more than one goroutine — the pool, not database/sql, supplies
// concurrency.
//
// PRAGMA setup happens twice, matching the teacher's db.go: once through
// registerConnectionHook, a process-wide sqlite.RegisterConnectionHook
// that fires on every physical connection modernc.org/sqlite opens
// (covering reconnects after idle eviction), and once explicitly here
// right after open, so a broken PRAGMA fails Open synchronously instead
// of surfacing on whatever query happens to trigger the first connect.
func Open(dbName, path string, kind Kind) (*Connection, error) {
	registerConnectionHook()

	dsn := dsnFor(path, kind)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("conn: open %s (%s): %w", dbName, kind, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), pragmaTimeout)
	defer cancel()
	if err := applyStartupPragmas(ctx, db, kind); err != nil {
		db.Close()
		return nil, err
	}

	stmtOpts := ttlcache.Options[string, *sql.Stmt]{}.SetDefaultTTL(stmtCacheTTL).
		SetDeallocationFunc(func(_ string, s *sql.Stmt, _ ttlcache.DeallocationReason) {
			if s != nil {
				_ = s.Close()
			}
		})

	c := &Connection{
		dbName: dbName,
		kind:   kind,
		db:     db,
		stmts:  ttlcache.New(stmtOpts),
		notify: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	go c.workerLoop()

	log.Debug().Str("db", dbName).Str("kind", kind.String()).Msg("connection opened")
	return c, nil
}

func dsnFor(path string, kind Kind) string {
	mode := "rwc"
	if kind == Reader {
		mode = "ro"
	}
	// file: URI form lets modernc.org/sqlite pass mode through to SQLite's
	// open flags (READWRITE|CREATE for the writer, READONLY for readers)
	// without needing the C-level open-flags API directly.
	return fmt.Sprintf("file:%s?mode=%s&_pragma=busy_timeout(5000)", path, mode)
}

// startupPragmas returns the PRAGMAs applied to a connection of the given
// kind. Writers establish WAL journaling and cap its growth; readers only
// need the shared synchronous mode.
func startupPragmas(kind Kind) []string {
	if kind == Writer {
		return []string{
			"PRAGMA journal_mode = WAL",
			fmt.Sprintf("PRAGMA journal_size_limit = %d", journalSizeMax),
			"PRAGMA synchronous = NORMAL",
		}
	}
	return []string{"PRAGMA synchronous = NORMAL"}
}

var registerHookOnce sync.Once

// registerConnectionHook installs a process-wide sqlite.RegisterConnectionHook,
// exactly once, that applies startupPragmas to every physical connection
// the driver opens. The DSN (built by dsnFor) carries mode=rwc for the
// writer and mode=ro for readers, which is how the hook tells them apart
// without any connection-local state to close over.
func registerConnectionHook() {
	registerHookOnce.Do(func() {
		sqlite.RegisterConnectionHook(func(c sqlite.ExecQuerierContext, dsn string) error {
			ctx, cancel := context.WithTimeout(context.Background(), pragmaTimeout)
			defer cancel()

			kind := Reader
			if strings.Contains(dsn, "mode=rwc") {
				kind = Writer
			}

			for _, p := range startupPragmas(kind) {
				if _, err := c.ExecContext(ctx, p, nil); err != nil {
					return fmt.Errorf("conn: connection hook pragma %q: %w", p, err)
				}
			}
			return nil
		})
	})
}

func applyStartupPragmas(ctx context.Context, db *sql.DB, kind Kind) error {
	for _, p := range startupPragmas(kind) {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("conn: apply pragma %q: %w", p, err)
		}
	}
	return nil
}

// QueueWork appends task to the FIFO work queue and returns immediately.
func (c *Connection) QueueWork(task Task) {
	c.queueMu.Lock()
	c.queue = append(c.queue, task)
	c.queueMu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Connection) workerLoop() {
	defer close(c.doneCh)

	for {
		task, ok := c.pop()
		if ok {
			if c.closing.Load() {
				task(nil, nil, true)
			} else {
				task(c.db, c.stmts, false)
			}
			continue
		}

		select {
		case <-c.notify:
			continue
		case <-c.stopCh:
			// closing was set before stopCh was closed; one more pass
			// rejects anything enqueued in the race between the two.
			c.drain()
			return
		}
	}
}

func (c *Connection) pop() (Task, bool) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	if len(c.queue) == 0 {
		return nil, false
	}
	t := c.queue[0]
	c.queue = c.queue[1:]
	return t, true
}

// drain rejects every task still queued at shutdown with ErrClosing
// instead of running it against the about-to-close handle.
func (c *Connection) drain() {
	for {
		task, ok := c.pop()
		if !ok {
			return
		}
		task(nil, nil, true)
	}
}

// ActivateLock binds ctxID to this Connection's lock slot. The caller
// (pool.Pool) guarantees the slot is currently empty; it is the only
// caller of ActivateLock.
func (c *Connection) ActivateLock(ctxID string) {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	c.lockCtx = ctxID
}

// MatchesLock reports whether ctxID currently holds this Connection's
// lock slot.
func (c *Connection) MatchesLock(ctxID string) bool {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	return c.lockCtx != "" && c.lockCtx == ctxID
}

// IsEmptyLock reports whether no context currently holds this
// Connection's lock slot.
func (c *Connection) IsEmptyLock() bool {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	return c.lockCtx == ""
}

// ClearLock empties the lock slot.
func (c *Connection) ClearLock() {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	c.lockCtx = ""
}

// Close instructs the worker to finish the task it is running, drain and
// reject anything still queued, finalize prepared statements, close the
// SQLite handle, and join. Safe to call more than once.
func (c *Connection) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		close(c.stopCh)
		select {
		case c.notify <- struct{}{}:
		default:
		}
		<-c.doneCh

		c.stmts.Close()
		closeErr = c.db.Close()
		log.Debug().Str("db", c.dbName).Str("kind", c.kind.String()).Msg("connection closed")
	})
	return closeErr
}

// Kind returns whether this is the writer or a reader connection.
func (c *Connection) Kind() Kind { return c.kind }
