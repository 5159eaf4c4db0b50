package importer

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlitepool/internal/pool"
	"sqlitepool/internal/sqlexec"
)

func openTestPool(t *testing.T, name string) *pool.Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".db")
	p, err := pool.Open(pool.Options{
		Name:        name,
		Path:        path,
		NumReaders:  1,
		OnAvailable: func(string, string) {},
	})
	require.NoError(t, err)
	t.Cleanup(p.CloseAll)
	return p
}

func TestSplitRespectsQuotesAndComments(t *testing.T) {
	src := `
-- a leading comment
CREATE TABLE t (name TEXT);
INSERT INTO t VALUES ('it''s; quoted'); -- trailing comment
INSERT INTO t VALUES ('second');
`
	stmts := Split(src)
	require.Len(t, stmts, 3)
	assert.Equal(t, "CREATE TABLE t (name TEXT)", stmts[0].Text)
	assert.Contains(t, stmts[1].Text, "it''s; quoted")
	assert.Equal(t, "INSERT INTO t VALUES ('second')", stmts[2].Text)
}

func TestImportRunsEachStatementInOneTransaction(t *testing.T) {
	p := openTestPool(t, "import1")
	require.NoError(t, p.RequestLock("w", pool.Write))

	dir := t.TempDir()
	file := filepath.Join(dir, "seed.sql")
	require.NoError(t, os.WriteFile(file, []byte(
		"CREATE TABLE t (x INTEGER);\nINSERT INTO t VALUES (1);\nINSERT INTO t VALUES (2);\n"), 0o644))

	result, err := Import(context.Background(), p, "w", file)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Executed)
	assert.Equal(t, 0, result.FailedLine)

	done := make(chan sqlexec.Result, 1)
	require.NoError(t, p.QueueInContext("w", func(db *sql.DB, stmts sqlexec.StmtCache, closing bool) {
		done <- sqlexec.Execute(context.Background(), db, stmts, "SELECT COUNT(*) AS c FROM t", nil)
	}))
	res := <-done
	require.NoError(t, res.Err)
	require.Len(t, res.Rows, 1)
}

func TestImportRollsBackOnFailure(t *testing.T) {
	p := openTestPool(t, "import2")
	require.NoError(t, p.RequestLock("w", pool.Write))

	// t is created outside the import so that it survives the rollback;
	// the import's own CREATE TABLE u is undone along with the INSERT.
	created := make(chan sqlexec.Result, 1)
	require.NoError(t, p.QueueInContext("w", func(db *sql.DB, _ sqlexec.StmtCache, closing bool) {
		created <- sqlexec.ExecuteLiteral(context.Background(), db, "CREATE TABLE t (x INTEGER)")
	}))
	require.NoError(t, (<-created).Err)

	dir := t.TempDir()
	file := filepath.Join(dir, "seed.sql")
	require.NoError(t, os.WriteFile(file, []byte(
		"CREATE TABLE u (x INTEGER);\nINSERT INTO t VALUES (1);\nINSERT INTO nosuchtable VALUES (2);\n"), 0o644))

	result, err := Import(context.Background(), p, "w", file)
	require.Error(t, err)
	assert.Equal(t, 2, result.Executed)
	assert.Equal(t, 3, result.FailedLine)

	done := make(chan sqlexec.Result, 1)
	require.NoError(t, p.QueueInContext("w", func(db *sql.DB, stmts sqlexec.StmtCache, closing bool) {
		done <- sqlexec.Execute(context.Background(), db, stmts, "SELECT COUNT(*) AS c FROM t", nil)
	}))
	res := <-done
	require.NoError(t, res.Err)
	require.Len(t, res.Rows, 1)
	assert.EqualValues(t, 0, res.Rows[0]["c"].Integer, "rollback should undo the successful INSERT too")
}
