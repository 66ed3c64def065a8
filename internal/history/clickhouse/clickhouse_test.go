package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/bugexd/internal/history"
)

func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	c, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
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
	c, addr := setupClickHouseContainer(ctx, t)
	defer func() { _ = c.Terminate(ctx) }()

	sink, err := New(Options{Addr: addr, Table: "bugex_history"})
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()
	if err := sink.EnsureTable(ctx); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	e := history.Event{
		Type:       history.EventStatus,
		OccurredAt: time.Now().UTC(),
		Record:     history.Record{Token: "tok-ch", From: "processing", To: "failed", Reason: "maximum job lifetime exceeded"},
	}
	if err := sink.Send(ctx, e); err != nil {
		t.Fatalf("Failed to send event: %v", err)
	}

	var (
		n      uint64
		reason string
	)
	row := sink.conn.QueryRow(ctx, "SELECT count(), any(reason) FROM bugex_history WHERE token = ?", "tok-ch")
	if err := row.Scan(&n, &reason); err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if n != 1 || reason != e.Record.Reason {
		t.Errorf("unexpected row: count=%d reason=%q", n, reason)
	}
}

func TestClickHouseSink_Unreachable(t *testing.T) {
	if testing.Short() {
		t.Skip("dials the network")
	}
	if _, err := New(Options{Addr: "127.0.0.1:1"}); err == nil {
		t.Fatal("expected error for unreachable server")
	}
}
