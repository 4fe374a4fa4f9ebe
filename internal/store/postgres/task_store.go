package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/chaintrader/internal/domain"
	"github.com/alanyoungcy/chaintrader/internal/tradetask"
)

// TaskStore keeps trade task documents as JSONB rows in trade_tasks. The
// symbol, venue and status columns are denormalised for querying; the
// document column is the source of truth.
type TaskStore struct {
	pool *pgxpool.Pool
}

// NewTaskStore creates a new TaskStore backed by the given connection pool.
func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

// Save upserts the task document.
func (s *TaskStore) Save(ctx context.Context, t *tradetask.TradeTask) error {
	doc, err := tradetask.Marshal(t)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO trade_tasks (id, symbol, venue, status, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			document = EXCLUDED.document,
			updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, t.ID, t.Symbol, t.Venue, string(t.Status), doc, t.CreatedAt); err != nil {
		return fmt.Errorf("postgres: save task %s: %w", t.ID, err)
	}
	return nil
}

// Load returns the task document or domain.ErrNotFound.
func (s *TaskStore) Load(ctx context.Context, id string) (*tradetask.TradeTask, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT document FROM trade_tasks WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: load task %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load task %s: %w", id, err)
	}
	t, err := tradetask.Unmarshal(doc)
	if err != nil {
		return nil, fmt.Errorf("postgres: load task %s: %w", id, err)
	}
	return t, nil
}

// Delete removes the row or returns domain.ErrNotFound.
func (s *TaskStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trade_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: delete task %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// List returns every task id, oldest first.
func (s *TaskStore) List(ctx context.Context) ([]string, error) {
	return s.listIDs(ctx, `SELECT id FROM trade_tasks ORDER BY created_at, id`)
}

func (s *TaskStore) listIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list tasks rows: %w", err)
	}
	return ids, nil
}

var _ tradetask.Store = (*TaskStore)(nil)
