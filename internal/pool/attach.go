package pool

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"

	"sqlitepool/internal/conn"
	"sqlitepool/internal/sqlexec"
)

// allIdleLocked reports whether every Connection's lock slot is empty.
// Caller holds p.mu.
func (p *Pool) allIdleLocked() bool {
	for _, c := range p.allConnections() {
		if !c.IsEmptyLock() {
			return false
		}
	}
	return true
}

// Attach executes ATTACH DATABASE '<path>' AS <alias> on every Connection
// in the Pool so the alias is visible to subsequent queries on any reader
// (spec.md §4.2). All Connections must be idle; on failure partway
// through, already-attached Connections are detached best-effort before
// the error is returned.
func (p *Pool) Attach(path, alias string) error {
	p.mu.Lock()
	if !p.allIdleLocked() {
		p.mu.Unlock()
		return ErrConnectionsLocked
	}
	p.mu.Unlock()

	query := fmt.Sprintf("ATTACH DATABASE %s AS %s", quoteLiteral(path), quoteIdent(alias))

	attached := make([]*conn.Connection, 0, len(p.readers)+1)
	for _, c := range p.allConnections() {
		if err := runLiteralSync(context.Background(), c, query); err != nil {
			p.revertAttach(attached, alias)
			return fmt.Errorf("pool: attach %s as %s: %w", path, alias, err)
		}
		attached = append(attached, c)
	}
	return nil
}

// revertAttach best-effort detaches alias from every Connection it was
// successfully attached to. A detach failure during revert is logged, not
// re-raised (spec.md §7 partial-failure semantics).
func (p *Pool) revertAttach(attached []*conn.Connection, alias string) {
	query := fmt.Sprintf("DETACH DATABASE %s", quoteIdent(alias))
	for _, c := range attached {
		if err := runLiteralSync(context.Background(), c, query); err != nil {
			log.Warn().Err(err).Str("db", p.name).Str("alias", alias).
				Msg("attach revert: detach failed, alias may remain attached on this connection")
		}
	}
}

// Detach executes DETACH DATABASE <alias> on every Connection. All
// Connections must be idle.
func (p *Pool) Detach(alias string) error {
	p.mu.Lock()
	if !p.allIdleLocked() {
		p.mu.Unlock()
		return ErrConnectionsLocked
	}
	p.mu.Unlock()

	query := fmt.Sprintf("DETACH DATABASE %s", quoteIdent(alias))
	for _, c := range p.allConnections() {
		if err := runLiteralSync(context.Background(), c, query); err != nil {
			return fmt.Errorf("pool: detach %s: %w", alias, err)
		}
	}
	return nil
}

// runLiteralSync queues query on c and blocks until it has executed,
// returning its error if any. Used for Pool-level cross-connection
// operations that must complete before the next step proceeds.
func runLiteralSync(ctx context.Context, c *conn.Connection, query string) error {
	done := make(chan error, 1)
	c.QueueWork(func(db *sql.DB, _ sqlexec.StmtCache, closing bool) {
		if closing {
			done <- conn.ErrClosing
			return
		}
		res := sqlexec.ExecuteLiteral(ctx, db, query)
		done <- res.Err
	})
	return <-done
}

// quoteLiteral single-quotes a file path for use inside ATTACH DATABASE,
// doubling embedded single quotes per SQLite string-literal rules.
func quoteLiteral(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	out = append(out, '\'')
	return string(out)
}

// quoteIdent double-quotes an identifier (alias) per SQLite quoting rules.
func quoteIdent(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			out = append(out, '"', '"')
			continue
		}
		out = append(out, s[i])
	}
	out = append(out, '"')
	return string(out)
}
