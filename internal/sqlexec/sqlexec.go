// Package sqlexec holds the SQL execution primitives run by conn.Task
// closures on a Connection's worker goroutine: binding parameters,
// stepping a prepared statement, and materializing rows, column metadata,
// and result counters (spec.md §4.4).
package sqlexec

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/autobrr/autobrr/pkg/ttlcache"

	"sqlitepool/internal/value"
)

// Column describes one result-set column, collected once per statement.
type Column struct {
	Name  string
	Index int
	// DeclaredType is SQLite's declared column type string, or "UNKNOWN"
	// when the driver cannot report one.
	DeclaredType string
}

// Result is the outcome of a single statement execution.
type Result struct {
	Rows         []map[string]value.Value
	Columns      []Column
	RowsAffected int64
	InsertRowID  int64
	Err          error
}

// Execute binds params by position (1-based, spec.md §4.4) and steps
// query, materializing any result rows. It is used for parameterized
// statements that may return rows (SELECT) or mutate (INSERT/UPDATE/
// DELETE with bound parameters).
func Execute(ctx context.Context, db *sql.DB, stmts StmtCache, query string, params []value.Value) Result {
	stmt, err := getOrPrepare(ctx, db, stmts, query)
	if err != nil {
		return Result{Err: err}
	}

	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p.Bound()
	}

	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return execWithoutRows(ctx, stmt, args, err)
	}
	defer rows.Close()

	cols, err := collectColumns(rows)
	if err != nil {
		return Result{Err: fmt.Errorf("sqlexec: column metadata: %w", err)}
	}

	materialized, err := materializeRows(rows, cols)
	if err != nil {
		return Result{Err: fmt.Errorf("sqlexec: materialize rows: %w", err)}
	}

	res := Result{Rows: materialized, Columns: cols}
	if len(cols) == 0 {
		// A statement without result columns (INSERT/UPDATE/DELETE) has
		// already run through QueryContext; read its counters from the
		// same connection, which needs rows released first.
		rows.Close()
		if err := db.QueryRowContext(ctx, "SELECT changes(), last_insert_rowid()").
			Scan(&res.RowsAffected, &res.InsertRowID); err != nil {
			return Result{Err: fmt.Errorf("sqlexec: read change counters: %w", err)}
		}
	}
	return res
}

// execWithoutRows runs stmt through Exec when QueryContext returned an
// error, and reports Exec's error if that fails too, or the statement's
// counters if it succeeds.
func execWithoutRows(ctx context.Context, stmt *sql.Stmt, args []any, queryErr error) Result {
	res, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		// Prefer the Exec error: it is almost always the more specific
		// SQLite error message; the Query attempt's error is usually just
		// "statement does not return rows" noise from the driver.
		return Result{Err: fmt.Errorf("sqlexec: %w", err)}
	}

	rowsAffected, _ := res.RowsAffected()
	insertID, _ := res.LastInsertId()
	_ = queryErr
	return Result{RowsAffected: rowsAffected, InsertRowID: insertID}
}

// ExecuteLiteral runs an unparameterized statement (PRAGMAs, ATTACH/
// DETACH, transaction control) and reports only rows_affected.
func ExecuteLiteral(ctx context.Context, db *sql.DB, query string) Result {
	res, err := db.ExecContext(ctx, query)
	if err != nil {
		return Result{Err: fmt.Errorf("sqlexec: literal %q: %w", query, err)}
	}

	rowsAffected, _ := res.RowsAffected()
	return Result{RowsAffected: rowsAffected}
}

// StmtCache is the ttlcache.Cache type used to memoize prepared
// statements per Connection, grounded on the teacher's db.stmts field.
type StmtCache = *ttlcache.Cache[string, *sql.Stmt]

func getOrPrepare(ctx context.Context, db *sql.DB, stmts StmtCache, query string) (*sql.Stmt, error) {
	if stmts != nil {
		if s, found := stmts.Get(query); found && s != nil {
			return s, nil
		}
	}

	s, err := db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlexec: prepare %q: %w", query, err)
	}

	if stmts != nil {
		stmts.Set(query, s, ttlcache.DefaultTTL)
	}
	return s, nil
}

func collectColumns(rows *sql.Rows) ([]Column, error) {
	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	cols := make([]Column, len(names))
	for i, name := range names {
		declared := "UNKNOWN"
		if i < len(types) {
			if dbt := types[i].DatabaseTypeName(); dbt != "" {
				declared = dbt
			}
		}
		cols[i] = Column{Name: name, Index: i, DeclaredType: declared}
	}
	return cols, nil
}

func materializeRows(rows *sql.Rows, cols []Column) ([]map[string]value.Value, error) {
	var out []map[string]value.Value

	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]value.Value, len(cols))
		for i, col := range cols {
			v, err := value.FromColumn(raw[i])
			if err != nil {
				return nil, err
			}
			row[col.Name] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
