package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Dialect selects placeholder and DDL flavour.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLSink appends events to a process_history table.
// The schema is created if missing.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL opens driver/dsn and prepares the schema.
func OpenSQL(driver string, dialect Dialect, dsn string) (*SQLSink, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLSink{db: db, dialect: dialect}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	ts, id := "TIMESTAMP", "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		ts, id = "TIMESTAMPTZ", "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS process_history(
			id %s,
			occurred_at %s NOT NULL,
			event TEXT NOT NULL,
			pid INTEGER NOT NULL,
			thread_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			creator TEXT NOT NULL,
			command_line TEXT NOT NULL,
			created_at %s NOT NULL,
			exit_err TEXT NULL,
			uniq TEXT NOT NULL
		);`, id, ts, ts),
		`CREATE INDEX IF NOT EXISTS idx_process_history_thread ON process_history(thread_id);`,
		`CREATE INDEX IF NOT EXISTS idx_process_history_uniq ON process_history(uniq);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// bind rewrites ? placeholders for the dialect.
func (s *SQLSink) bind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, c := range q {
		if c == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	rec := e.Record
	var exitErr any
	if rec.ExitErr != "" {
		exitErr = rec.ExitErr
	}
	_, err := s.db.ExecContext(ctx, s.bind(`
		INSERT INTO process_history(occurred_at, event, pid, thread_id, channel, creator, command_line, created_at, exit_err, uniq)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`),
		e.OccurredAt.UTC(), string(e.Type), rec.PID, rec.ThreadID, rec.Channel, rec.Creator,
		rec.CommandLine, rec.CreatedAt.UTC(), exitErr, rec.Key())
	return err
}

// Recent returns up to limit events, newest first.
func (s *SQLSink) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.bind(`
		SELECT occurred_at, event, pid, thread_id, channel, creator, command_line, created_at, exit_err
		FROM process_history ORDER BY id DESC LIMIT ?;`), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Event
	for rows.Next() {
		var (
			e       Event
			typ     string
			exitErr sql.NullString
		)
		if err := rows.Scan(&e.OccurredAt, &typ, &e.Record.PID, &e.Record.ThreadID, &e.Record.Channel,
			&e.Record.Creator, &e.Record.CommandLine, &e.Record.CreatedAt, &exitErr); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.Record.ExitErr = exitErr.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLSink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
