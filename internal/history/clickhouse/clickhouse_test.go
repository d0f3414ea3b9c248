package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcclickhouse "github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hackmanhattan/hmbot/internal/history"
)

func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	c, err := tcclickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		tcclickhouse.WithUsername("default"),
		tcclickhouse.WithPassword(""),
		tcclickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start ClickHouse container: %v", err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}
	return c, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	container, addr := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate ClickHouse container: %v", err)
		}
	}()

	sink, err := New(Options{Addr: addr, Table: "process_history"})
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	rec := history.Record{
		PID:         12345,
		ThreadID:    "1700000000.000100",
		Channel:     "C1",
		Creator:     "U1",
		CommandLine: "python3 -i",
		CreatedAt:   time.Now().Add(-time.Minute).UTC(),
	}
	if err := sink.Send(ctx, history.Event{Type: history.EventCreate, OccurredAt: time.Now().UTC(), Record: rec}); err != nil {
		t.Fatalf("send create: %v", err)
	}
	rec.ExitErr = "exit status 1"
	if err := sink.Send(ctx, history.Event{Type: history.EventExit, OccurredAt: time.Now().UTC(), Record: rec}); err != nil {
		t.Fatalf("send exit: %v", err)
	}

	n, err := sink.Count(ctx, rec.Key())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 events, got %d", n)
	}
}

func TestClickHouseSink_ConnectionError(t *testing.T) {
	if _, err := New(Options{Addr: "127.0.0.1:1", Table: "t"}); err == nil {
		t.Error("expected error with invalid connection")
	}
}
