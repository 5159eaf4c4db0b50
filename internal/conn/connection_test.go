package conn

import (
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestConnection(t *testing.T, kind Kind) *Connection {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	c, err := Open("testdb", path, kind)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLockSlotLifecycle(t *testing.T) {
	c := openTestConnection(t, Writer)

	assert.True(t, c.IsEmptyLock())
	assert.False(t, c.MatchesLock("ctx-1"))

	c.ActivateLock("ctx-1")
	assert.False(t, c.IsEmptyLock())
	assert.True(t, c.MatchesLock("ctx-1"))
	assert.False(t, c.MatchesLock("ctx-2"))

	c.ClearLock()
	assert.True(t, c.IsEmptyLock())
	assert.False(t, c.MatchesLock("ctx-1"))
}

func TestQueueWorkRunsInFIFOOrder(t *testing.T) {
	c := openTestConnection(t, Writer)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		c.QueueWork(func(db *sql.DB, stmts *ttlcache.Cache[string, *sql.Stmt], closing bool) {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	for i := range order {
		assert.Equal(t, i, order[i])
	}
}

func TestQueueWorkExecutesAgainstHandle(t *testing.T) {
	c := openTestConnection(t, Writer)

	done := make(chan error, 1)
	c.QueueWork(func(db *sql.DB, stmts *ttlcache.Cache[string, *sql.Stmt], closing bool) {
		if closing {
			done <- errors.New("unexpected closing")
			return
		}
		_, err := db.Exec("CREATE TABLE t (x INTEGER)")
		done <- err
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for queued task")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c := openTestConnection(t, Writer)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestCloseRejectsQueuedWork(t *testing.T) {
	c := openTestConnection(t, Writer)

	// Block the worker on a long task so the next one is still queued
	// when Close is called.
	block := make(chan struct{})
	c.QueueWork(func(db *sql.DB, stmts *ttlcache.Cache[string, *sql.Stmt], closing bool) {
		<-block
	})

	result := make(chan bool, 1)
	c.QueueWork(func(db *sql.DB, stmts *ttlcache.Cache[string, *sql.Stmt], closing bool) {
		result <- closing
	})

	// Start Close while the worker is still blocked, and unblock it only
	// once Close has flagged the Connection as closing.
	go func() {
		time.Sleep(20 * time.Millisecond)
		go func() { _ = c.Close() }()
		for !c.closing.Load() {
			time.Sleep(time.Millisecond)
		}
		close(block)
	}()

	select {
	case closing := <-result:
		assert.True(t, closing, "task queued before Close should be rejected, not run")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for queued task to be rejected")
	}
}

func TestReaderOpensReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.db")

	writer, err := Open("testdb", path, Writer)
	require.NoError(t, err)
	defer writer.Close()

	done := make(chan error, 1)
	writer.QueueWork(func(db *sql.DB, stmts *ttlcache.Cache[string, *sql.Stmt], closing bool) {
		_, err := db.Exec("CREATE TABLE t (x INTEGER)")
		done <- err
	})
	require.NoError(t, <-done)

	reader, err := Open("testdb", path, Reader)
	require.NoError(t, err)
	defer reader.Close()

	writeDone := make(chan error, 1)
	reader.QueueWork(func(db *sql.DB, stmts *ttlcache.Cache[string, *sql.Stmt], closing bool) {
		_, err := db.Exec("INSERT INTO t VALUES (1)")
		writeDone <- err
	})
	assert.Error(t, <-writeDone, "reader connection must reject writes")
}
