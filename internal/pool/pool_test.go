package pool

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlitepool/internal/sqlexec"
	"sqlitepool/internal/value"
)

type grantRecorder struct {
	mu    sync.Mutex
	items []string
}

func (g *grantRecorder) callback() OnContextAvailable {
	return func(dbName, ctxID string) {
		g.mu.Lock()
		g.items = append(g.items, ctxID)
		g.mu.Unlock()
	}
}

func (g *grantRecorder) snapshot() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.items))
	copy(out, g.items)
	return out
}

func openTestPool(t *testing.T, name string, numReaders int, g *grantRecorder) *Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".db")
	p, err := Open(Options{Name: name, Path: path, NumReaders: numReaders, OnAvailable: g.callback()})
	require.NoError(t, err)
	t.Cleanup(p.CloseAll)
	return p
}

func execLiteral(t *testing.T, p *Pool, ctxID, query string) sqlexec.Result {
	t.Helper()
	done := make(chan sqlexec.Result, 1)
	err := p.QueueInContext(ctxID, func(db *sql.DB, _ sqlexec.StmtCache, closing bool) {
		done <- sqlexec.ExecuteLiteral(context.Background(), db, query)
	})
	require.NoError(t, err)
	res := <-done
	require.NoError(t, res.Err)
	return res
}

func exec(t *testing.T, p *Pool, ctxID, query string, params ...value.Value) sqlexec.Result {
	t.Helper()
	done := make(chan sqlexec.Result, 1)
	err := p.QueueInContext(ctxID, func(db *sql.DB, stmts sqlexec.StmtCache, closing bool) {
		done <- sqlexec.Execute(context.Background(), db, stmts, query, params)
	})
	require.NoError(t, err)
	res := <-done
	require.NoError(t, res.Err)
	return res
}

// S1: Open-insert-read.
func TestScenarioOpenInsertRead(t *testing.T) {
	g := &grantRecorder{}
	p := openTestPool(t, "db1", 1, g)

	require.NoError(t, p.RequestLock("ctx-w", Write))
	execLiteral(t, p, "ctx-w", "CREATE TABLE t (x INTEGER)")
	execLiteral(t, p, "ctx-w", "INSERT INTO t VALUES (7)")
	p.ReleaseLock("ctx-w")

	require.NoError(t, p.RequestLock("ctx-r", Read))
	res := exec(t, p, "ctx-r", "SELECT x FROM t")
	require.Len(t, res.Rows, 1)
	assert.Equal(t, value.Integer(7), res.Rows[0]["x"])
}

// S2: Concurrent readers, third reader queues until release.
func TestScenarioConcurrentReaders(t *testing.T) {
	g := &grantRecorder{}
	p := openTestPool(t, "db2", 2, g)

	require.NoError(t, p.RequestLock("r1", Read))
	require.NoError(t, p.RequestLock("r2", Read))
	require.NoError(t, p.RequestLock("r3", Read))

	assert.ElementsMatch(t, []string{"r1", "r2"}, g.snapshot())

	p.ReleaseLock("r1")
	assert.Eventually(t, func() bool {
		for _, id := range g.snapshot() {
			if id == "r3" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

// S3: Writer queueing.
func TestScenarioWriterQueueing(t *testing.T) {
	g := &grantRecorder{}
	p := openTestPool(t, "db3", 0, g)

	require.NoError(t, p.RequestLock("w1", Write))
	require.NoError(t, p.RequestLock("w2", Write))
	assert.Equal(t, []string{"w1"}, g.snapshot())

	p.ReleaseLock("w1")
	assert.Eventually(t, func() bool {
		s := g.snapshot()
		return len(s) == 2 && s[1] == "w2"
	}, time.Second, 5*time.Millisecond)
}

// FIFO fairness among same-kind waiters.
func TestFIFOFairnessAmongWriters(t *testing.T) {
	g := &grantRecorder{}
	p := openTestPool(t, "db4", 0, g)

	require.NoError(t, p.RequestLock("w1", Write))
	for _, id := range []string{"w2", "w3", "w4"} {
		require.NoError(t, p.RequestLock(id, Write))
	}

	p.ReleaseLock("w1")
	p.ReleaseLock("w2")
	p.ReleaseLock("w3")

	assert.Eventually(t, func() bool {
		return len(g.snapshot()) == 4
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"w1", "w2", "w3", "w4"}, g.snapshot())
}

// Disabled concurrency: all requests go to the writer.
func TestConcurrencyDisabledRoutesReadsToWriter(t *testing.T) {
	g := &grantRecorder{}
	p := openTestPool(t, "db5", 0, g)
	assert.False(t, p.concurrencyEnabled)

	require.NoError(t, p.RequestLock("ctx", Read))
	assert.True(t, p.write.MatchesLock("ctx"))
}

// Release idempotence: releasing unknown or already-released context is
// a silent no-op.
func TestReleaseUnknownContextIsNoop(t *testing.T) {
	g := &grantRecorder{}
	p := openTestPool(t, "db6", 1, g)

	assert.NotPanics(t, func() { p.ReleaseLock("never-requested") })

	require.NoError(t, p.RequestLock("ctx", Write))
	p.ReleaseLock("ctx")
	assert.NotPanics(t, func() { p.ReleaseLock("ctx") })
}

// Attach blocked while any context holds a lock; succeeds once idle.
func TestAttachBlockedThenSucceeds(t *testing.T) {
	g := &grantRecorder{}
	p := openTestPool(t, "db7", 1, g)

	otherPath := filepath.Join(t.TempDir(), "other.db")
	require.NoError(t, p.RequestLock("ctx-w", Write))
	execLiteral(t, p, "ctx-w", "CREATE TABLE t (x INTEGER)")

	err := p.Attach(otherPath, "other")
	assert.ErrorIs(t, err, ErrConnectionsLocked)

	p.ReleaseLock("ctx-w")
	require.NoError(t, p.Attach(otherPath, "other"))
	require.NoError(t, p.Detach("other"))
}

// Routing a task to a context with no bound connection fails.
func TestQueueInContextUnknownFails(t *testing.T) {
	g := &grantRecorder{}
	p := openTestPool(t, "db8", 1, g)

	err := p.QueueInContext("no-such-ctx", func(db *sql.DB, _ sqlexec.StmtCache, closing bool) {})
	assert.ErrorIs(t, err, ErrContextInvalid)
}

// Writer exclusivity: a second write request remains queued while the
// first still holds the lock.
func TestWriterExclusivity(t *testing.T) {
	g := &grantRecorder{}
	p := openTestPool(t, "db9", 0, g)

	require.NoError(t, p.RequestLock("w1", Write))
	require.NoError(t, p.RequestLock("w2", Write))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"w1"}, g.snapshot())
}

// S4: a registered update hook delivers one callback per mutating
// statement on the writer connection, carrying the SQLite op code,
// table name, and rowid. The driver connection may not implement the
// update-hook capability (see updatehook.go's updateHooker interface);
// when it doesn't, RegisterUpdateHook reports ErrUpdateHookUnsupported
// up front and this test documents that as a skip rather than silently
// passing without ever exercising the callback.
func TestUpdateHookDeliversWriteNotification(t *testing.T) {
	g := &grantRecorder{}
	p := openTestPool(t, "db10", 0, g)

	type event struct {
		op    int
		table string
		rowID int64
	}
	events := make(chan event, 4)

	err := p.RegisterUpdateHook(func(op int, dbName, table string, rowID int64) {
		events <- event{op: op, table: table, rowID: rowID}
	})
	if errors.Is(err, ErrUpdateHookUnsupported) {
		t.Skip("driver connection does not implement the update-hook capability")
	}
	require.NoError(t, err)

	require.NoError(t, p.RequestLock("ctx-w", Write))
	execLiteral(t, p, "ctx-w", "CREATE TABLE t (x INTEGER)")
	execLiteral(t, p, "ctx-w", "INSERT INTO t VALUES (7)")
	p.ReleaseLock("ctx-w")

	select {
	case ev := <-events:
		const sqliteInsert = 18
		assert.Equal(t, sqliteInsert, ev.op)
		assert.Equal(t, "t", ev.table)
		assert.Equal(t, int64(1), ev.rowID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update hook callback")
	}
}
