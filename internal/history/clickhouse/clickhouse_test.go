package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/notebookd/internal/history"
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
	require.NoError(t, err)
	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return c, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	c, addr := setupClickHouseContainer(ctx, t)
	defer func() { _ = c.Terminate(ctx) }()

	sink, err := New(Options{Addr: addr})
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	require.NoError(t, sink.Send(ctx, history.Event{ID: uuid.New(), Type: history.EventStarted, OccurredAt: time.Now(), PID: 7, Port: 8888, State: "running"}))
	require.NoError(t, sink.Send(ctx, history.Event{ID: uuid.New(), Type: history.EventFailed, OccurredAt: time.Now(), State: "failed", ExitCode: 2, Error: "fatal exit"}))

	n, err := sink.Count(ctx, history.EventFailed)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestNewRejectsBadTable(t *testing.T) {
	_, err := New(Options{Addr: "127.0.0.1:1", Table: "x; DROP TABLE y"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid ClickHouse table name")
}
