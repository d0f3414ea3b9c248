package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/hackmanhattan/hmbot/internal/history"
)

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// Options locate the server and table.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

func New(opts Options) (*Sink, error) {
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	if opts.Table == "" {
		opts.Table = "process_history"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	s := &Sink{conn: conn, table: opts.Table}
	if err := s.ensureTable(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureTable(ctx context.Context) error {
	err := s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			type String,
			occurred_at DateTime64(6),
			pid UInt32,
			thread_id String,
			channel String,
			creator String,
			command_line String,
			created_at DateTime64(6),
			exit_err Nullable(String),
			uniq String
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, uniq)`)
	if err != nil {
		return fmt.Errorf("create ClickHouse table %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, pid, thread_id, channel, creator, command_line, created_at, exit_err, uniq) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	var exitErr *string
	if e.Record.ExitErr != "" {
		v := e.Record.ExitErr
		exitErr = &v
	}
	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt,
		uint32(e.Record.PID),
		e.Record.ThreadID,
		e.Record.Channel,
		e.Record.Creator,
		e.Record.CommandLine,
		e.Record.CreatedAt,
		exitErr,
		e.Record.Key(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

// Count returns how many events were stored for a process incarnation.
func (s *Sink) Count(ctx context.Context, uniq string) (uint64, error) {
	var n uint64
	row := s.conn.QueryRow(ctx, "SELECT COUNT(*) FROM "+s.table+" WHERE uniq = ?", uniq)
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
