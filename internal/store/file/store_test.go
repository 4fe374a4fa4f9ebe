package file

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chaintrader/internal/domain"
	"github.com/alanyoungcy/chaintrader/internal/tradetask"
)

func newTask(t *testing.T) *tradetask.TradeTask {
	t.Helper()
	task, err := tradetask.New("BTCUSDT", "paper", []*tradetask.OrderTask{
		{Kind: tradetask.KindBuy, Type: domain.OrderTypeMarket, Quantity: decimal.NewFromInt(1)},
		{Kind: tradetask.KindStopLoss, Type: domain.OrderTypeMarket, Price: decimal.NewFromInt(90), QuantityPercent: decimal.NewFromInt(100)},
	}, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return task
}

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "tasks")
	s, err := New(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s, dir
}

func TestSaveLoadDelete(t *testing.T) {
	s, dir := newStore(t)
	ctx := context.Background()
	task := newTask(t)

	require.NoError(t, s.Save(ctx, task))
	_, err := os.Stat(filepath.Join(dir, task.ID+".json"))
	require.NoError(t, err)

	got, err := s.Load(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Len(t, got.Jobs, 2)

	// Overwrite in place.
	task.Status = tradetask.StatusStopped
	require.NoError(t, s.Save(ctx, task))
	got, err = s.Load(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, tradetask.StatusStopped, got.Status)

	require.NoError(t, s.Delete(ctx, task.ID))
	_, err = s.Load(ctx, task.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, task.ID), domain.ErrNotFound)
}

func TestListIgnoresTempFiles(t *testing.T) {
	s, dir := newStore(t)
	ctx := context.Background()
	a, b := newTask(t), newTask(t)
	require.NoError(t, s.Save(ctx, a))
	require.NoError(t, s.Save(ctx, b))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".x-123.tmp"), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644))

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)
	assert.IsIncreasing(t, ids)
}

func TestRejectsPathTraversal(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Load(context.Background(), "../etc/passwd")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}

func TestLoadRejectsCorruptDocument(t *testing.T) {
	s, dir := newStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{"id":"bad","jobs":[]}`), 0o644))
	_, err := s.Load(context.Background(), "bad")
	require.Error(t, err)
}
