// Package pool implements the concurrent lock-granting multiplexer that
// sits on top of one writer conn.Connection and N reader conn.Connections,
// per spec.md §4.2.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"sqlitepool/internal/conn"
)

// LockKind is the kind of lock a context requests.
type LockKind int

const (
	Read LockKind = iota
	Write
)

func (k LockKind) String() string {
	if k == Write {
		return "write"
	}
	return "read"
}

var (
	// ErrContextInvalid is returned when work is routed to a context ID
	// that is not currently bound to any Connection in this Pool.
	ErrContextInvalid = errors.New("pool: context is no longer available")
	// ErrConnectionsLocked is returned by Attach/Detach when any
	// Connection in the Pool currently has a non-empty lock slot.
	ErrConnectionsLocked = errors.New("pool: some DB connections were locked")
	// ErrClosed is returned by RequestLock and QueueInContext once
	// CloseAll has been called.
	ErrClosed = errors.New("pool: closed")
)

// OnContextAvailable is invoked exactly once per successful RequestLock,
// from the thread that performed the grant, with the pool mutex released
// so the callback may not reenter the same Pool synchronously
// (spec.md §5).
type OnContextAvailable func(dbName, ctxID string)

// UpdateHook receives SQLite's update_hook callback arguments, fired only
// for mutations on the writer Connection.
type UpdateHook func(opType int, dbName, table string, rowID int64)

// Options configures a new Pool.
type Options struct {
	Name        string
	Path        string
	NumReaders  int
	OnAvailable OnContextAvailable
}

// Pool owns one writer Connection and N reader Connections for a single
// database name, and arbitrates read/write lock requests against them.
type Pool struct {
	name               string
	write              *conn.Connection
	readers            []*conn.Connection
	concurrencyEnabled bool

	onAvailable OnContextAvailable

	mu         sync.Mutex
	readQueue  ctxQueue
	writeQueue ctxQueue
	closed     bool

	updateHookMu sync.Mutex
	updateHook   UpdateHook

	metrics *metricsState
}

// Open constructs a Pool: the writer Connection first, then all N reader
// Connections concurrently via errgroup. If any reader fails to open, the
// writer and any readers already opened are closed and the first error is
// returned.
func Open(opts Options) (*Pool, error) {
	if opts.OnAvailable == nil {
		return nil, errors.New("pool: OnAvailable callback is required")
	}

	write, err := conn.Open(opts.Name, opts.Path, conn.Writer)
	if err != nil {
		return nil, fmt.Errorf("pool: open writer: %w", err)
	}

	readers := make([]*conn.Connection, opts.NumReaders)
	if opts.NumReaders > 0 {
		g, _ := errgroup.WithContext(context.Background())
		for i := 0; i < opts.NumReaders; i++ {
			i := i
			g.Go(func() error {
				r, err := conn.Open(opts.Name, opts.Path, conn.Reader)
				if err != nil {
					return fmt.Errorf("pool: open reader %d: %w", i, err)
				}
				readers[i] = r
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			write.Close()
			for _, r := range readers {
				if r != nil {
					r.Close()
				}
			}
			return nil, err
		}
	}

	p := &Pool{
		name:               opts.Name,
		write:              write,
		readers:            readers,
		concurrencyEnabled: opts.NumReaders > 0,
		onAvailable:        opts.OnAvailable,
		metrics:            newMetricsState(opts.Name),
	}

	log.Info().Str("db", opts.Name).Int("readers", opts.NumReaders).Msg("pool opened")
	return p, nil
}

// RequestLock enqueues or immediately grants a lock of the given kind to
// ctxID, per spec.md §4.2's read/write granting algorithm.
func (p *Pool) RequestLock(ctxID string, kind LockKind) error {
	if kind == Read && !p.concurrencyEnabled {
		kind = Write
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}

	var granted bool
	if kind == Write {
		granted = p.tryGrantWriteLocked(ctxID)
	} else {
		granted = p.tryGrantReadLocked(ctxID)
	}
	p.metrics.setQueueDepth(Read, p.readQueue.len())
	p.metrics.setQueueDepth(Write, p.writeQueue.len())
	p.mu.Unlock()

	if granted {
		p.metrics.incGrants(kind)
		p.onAvailable(p.name, ctxID)
	}
	return nil
}

// tryGrantWriteLocked implements spec.md §4.2's write grant algorithm.
// Caller holds p.mu.
func (p *Pool) tryGrantWriteLocked(ctxID string) bool {
	if p.write.IsEmptyLock() {
		p.write.ActivateLock(ctxID)
		return true
	}
	p.writeQueue.pushBack(ctxID)
	return false
}

// tryGrantReadLocked implements spec.md §4.2's read grant algorithm.
// Caller holds p.mu.
func (p *Pool) tryGrantReadLocked(ctxID string) bool {
	if p.readQueue.len() > 0 {
		p.readQueue.pushBack(ctxID)
		return false
	}

	for _, r := range p.readers {
		if r.IsEmptyLock() {
			r.ActivateLock(ctxID)
			return true
		}
	}

	p.readQueue.pushBack(ctxID)
	return false
}

// ReleaseLock releases ctxID's lock (if it holds one) and grants the next
// waiter of the same kind, if any. Releasing an unknown or already
// released context ID is a silent no-op (spec.md §4.2).
func (p *Pool) ReleaseLock(ctxID string) {
	p.mu.Lock()

	var (
		grantKind LockKind
		grantCtx  string
		granted   bool
	)

	if p.write.MatchesLock(ctxID) {
		p.write.ClearLock()
		if next, ok := p.writeQueue.popFront(); ok {
			p.write.ActivateLock(next)
			grantKind, grantCtx, granted = Write, next, true
		}
	} else {
		for _, r := range p.readers {
			if !r.MatchesLock(ctxID) {
				continue
			}
			r.ClearLock()
			if next, ok := p.readQueue.popFront(); ok {
				r.ActivateLock(next)
				grantKind, grantCtx, granted = Read, next, true
			}
			break
		}
	}

	p.metrics.setQueueDepth(Read, p.readQueue.len())
	p.metrics.setQueueDepth(Write, p.writeQueue.len())
	p.mu.Unlock()

	if granted {
		p.metrics.incGrants(grantKind)
		p.onAvailable(p.name, grantCtx)
	}
}

// connectionFor returns the Connection currently bound to ctxID, if any.
func (p *Pool) connectionFor(ctxID string) *conn.Connection {
	if p.write.MatchesLock(ctxID) {
		return p.write
	}
	for _, r := range p.readers {
		if r.MatchesLock(ctxID) {
			return r
		}
	}
	return nil
}

// QueueInContext routes task to the Connection currently bound to ctxID.
// This is the only way user SQL reaches SQLite once a lock has been
// granted (spec.md §4.2).
func (p *Pool) QueueInContext(ctxID string, task conn.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	c := p.connectionFor(ctxID)
	if c == nil {
		return ErrContextInvalid
	}
	c.QueueWork(task)
	return nil
}

// allConnections returns the writer followed by every reader.
func (p *Pool) allConnections() []*conn.Connection {
	all := make([]*conn.Connection, 0, len(p.readers)+1)
	all = append(all, p.write)
	all = append(all, p.readers...)
	return all
}

// CloseAll closes every Connection. Any contexts currently held or queued
// become unreachable; pending work items still queued on a Connection are
// drained and rejected with conn.ErrClosing rather than silently dropped
// (spec.md §9's resolved open question).
func (p *Pool) CloseAll() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	for _, c := range p.allConnections() {
		c.Close()
	}
	log.Info().Str("db", p.name).Msg("pool closed")
}
