// Package testpool provides test helpers for constructing pool.Pool and
// registry.Registry instances against disposable temp-file databases,
// adapted from the teacher's internal/testdb template-cloning helper:
// a package-level, sync.Once-memoized template database is opened (and
// its WAL journal established) exactly once per key, then cloned per test
// via a plain file copy rather than re-paying the open+pragma cost.
package testpool

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"sqlitepool/internal/conn"
	"sqlitepool/internal/pool"
	"sqlitepool/internal/registry"
)

type templateState struct {
	once sync.Once
	path string
	err  error
}

var (
	templatesMu sync.Mutex
	templates   = make(map[string]*templateState)
)

// PathFromTemplate returns a fresh database file path for a test by
// cloning a package-level template database keyed by key, creating that
// template the first time key is seen. Grounded on the teacher's
// PathFromTemplate/createTemplateDB/cloneDatabaseFiles in
// internal/testdb/testdb.go.
func PathFromTemplate(t *testing.T, key, filename string) string {
	t.Helper()

	state := getTemplateState(key)
	state.once.Do(func() {
		state.path, state.err = createTemplateDB(key)
	})
	require.NoError(t, state.err, "prepare test DB template %q", key)

	dbPath := filepath.Join(t.TempDir(), filename)
	require.NoError(t, cloneDatabaseFiles(state.path, dbPath),
		"clone test DB template %q to %s", key, dbPath)

	return dbPath
}

func getTemplateState(key string) *templateState {
	templatesMu.Lock()
	defer templatesMu.Unlock()

	state, ok := templates[key]
	if ok {
		return state
	}
	state = &templateState{}
	templates[key] = state
	return state
}

// createTemplateDB opens a writer Connection against a fresh file, which
// establishes the WAL journal and applies the startup PRAGMAs exactly
// once, then closes it so the on-disk file can be cloned cheaply by every
// test that shares this key.
func createTemplateDB(key string) (string, error) {
	templateDir, err := os.MkdirTemp("", fmt.Sprintf("sqlitepool-%s-template-", sanitizeKey(key)))
	if err != nil {
		return "", err
	}

	templatePath := filepath.Join(templateDir, "template.db")
	c, err := conn.Open(key, templatePath, conn.Writer)
	if err != nil {
		return "", err
	}
	if err := c.Close(); err != nil {
		return "", err
	}

	return templatePath, nil
}

func sanitizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "testpool"
	}

	var b strings.Builder
	b.Grow(len(key))
	for _, ch := range key {
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') {
			b.WriteRune(ch)
			continue
		}
		b.WriteByte('-')
	}
	return b.String()
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		_ = dstFile.Close()
		return err
	}
	return dstFile.Close()
}

func cloneDatabaseFiles(srcMain, dstMain string) error {
	if err := copyFile(srcMain, dstMain); err != nil {
		return err
	}

	for _, suffix := range []string{"-wal", "-shm"} {
		if err := copyOptionalFile(srcMain+suffix, dstMain+suffix); err != nil {
			return err
		}
	}
	return nil
}

func copyOptionalFile(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return copyFile(src, dst)
}

// Grants records every (dbName, ctxID) pair delivered to an
// OnContextAvailable callback, in delivery order, for assertions on
// fairness and ordering.
type Grants struct {
	mu    chan struct{} // binary semaphore used as a lightweight mutex
	items []Grant
}

// Grant is one recorded OnContextAvailable invocation.
type Grant struct {
	DBName string
	CtxID  string
}

func NewGrants() *Grants {
	g := &Grants{mu: make(chan struct{}, 1)}
	g.mu <- struct{}{}
	return g
}

func (g *Grants) Callback() pool.OnContextAvailable {
	return func(dbName, ctxID string) {
		<-g.mu
		g.items = append(g.items, Grant{DBName: dbName, CtxID: ctxID})
		g.mu <- struct{}{}
	}
}

func (g *Grants) Snapshot() []Grant {
	<-g.mu
	defer func() { g.mu <- struct{}{} }()
	out := make([]Grant, len(g.items))
	copy(out, g.items)
	return out
}

// OpenPool opens a pool.Pool against a database file cloned from the
// shared "pool" template (see PathFromTemplate) with numReaders reader
// connections, recording every grant in the returned *Grants.
func OpenPool(t *testing.T, name string, numReaders int) (*pool.Pool, *Grants) {
	t.Helper()

	path := PathFromTemplate(t, "pool", name+".db")
	grants := NewGrants()

	p, err := pool.Open(pool.Options{
		Name:        name,
		Path:        path,
		NumReaders:  numReaders,
		OnAvailable: grants.Callback(),
	})
	require.NoError(t, err)
	t.Cleanup(p.CloseAll)

	return p, grants
}

// OpenRegistry returns an empty *registry.Registry together with a fresh
// temp directory for callers to pass as OpenOptions.BasePath.
func OpenRegistry(t *testing.T) (*registry.Registry, string) {
	t.Helper()
	r := registry.New()
	t.Cleanup(r.CloseAll)
	return r, t.TempDir()
}
