package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chaintrader/internal/domain"
	"github.com/alanyoungcy/chaintrader/internal/tradetask"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/trader?sslmode=disable",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Database: "trader"}))
	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
	assert.Equal(t, "postgres://trader:p%40ss%2Fw@db:6432/trader?sslmode=require",
		DSN(ClientConfig{User: "trader", Password: "p@ss/w", Host: "db", Port: 6432, Database: "trader", SSLMode: "require"}))
}

func TestBuildAuditQuery(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q, args := buildAuditQuery("t1", domain.ListOpts{Since: &since, Limit: 10, Offset: 5})
	assert.Equal(t,
		"SELECT id, task_id, event, detail, created_at FROM audit_log WHERE 1=1"+
			" AND task_id = $1 AND created_at >= $2 ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4", q)
	assert.Equal(t, []any{"t1", since, 10, 5}, args)

	q, args = buildAuditQuery("", domain.ListOpts{})
	assert.NotContains(t, q, "task_id =")
	assert.Empty(t, args)
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"001_trade_tasks.sql", "002_audit_log.sql"}, names)
}

// testClient connects to CHAINTRADER_TEST_POSTGRES_DSN or skips.
func testClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("CHAINTRADER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHAINTRADER_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{DSN: dsn, ConnectTimeout: 5 * time.Second})
	require.NoError(t, err)
	require.NoError(t, c.RunMigrations(ctx))
	require.NoError(t, c.RunMigrations(ctx), "applied migrations are skipped")
	t.Cleanup(c.Close)
	return c
}

func TestTaskStoreIntegration(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	s := NewTaskStore(c.Pool())

	task, err := tradetask.New("ETHUSDT", "paper", []*tradetask.OrderTask{
		{Kind: tradetask.KindBuy, Type: domain.OrderTypeMarket, Quantity: decimal.NewFromInt(2)},
	}, time.Now())
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, task))
	task.Status = tradetask.StatusStopped
	require.NoError(t, s.Save(ctx, task))

	got, err := s.Load(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, tradetask.StatusStopped, got.Status)

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, task.ID)

	require.NoError(t, s.Delete(ctx, task.ID))
	_, err = s.Load(ctx, task.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, task.ID), domain.ErrNotFound)
}

func TestAuditStoreIntegration(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	s := NewAuditStore(c.Pool())
	id := uuid.NewString()

	require.NoError(t, s.Log(ctx, id, "order_placed", map[string]any{"order_id": "o1"}))
	require.NoError(t, s.Log(ctx, id, "task_finished", nil))

	entries, err := s.List(ctx, id, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "task_finished", entries[0].Event)
	assert.Equal(t, "o1", entries[1].Detail["order_id"])
}
