package tradetask

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/chaintrader/internal/domain"
)

// Store persists task documents by task id.
type Store interface {
	Save(ctx context.Context, t *TradeTask) error
	Load(ctx context.Context, id string) (*TradeTask, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
}

// Archiver keeps a copy of a document before the task is deleted.
type Archiver interface {
	Archive(ctx context.Context, id string, doc []byte) error
}

// Marshal encodes the task document. The caller must hold the lock.
func Marshal(t *TradeTask) ([]byte, error) {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("tradetask: marshal %s: %w", t.ID, err)
	}
	return data, nil
}

// Unmarshal decodes and validates a task document.
func Unmarshal(data []byte) (*TradeTask, error) {
	t := &TradeTask{}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("tradetask: unmarshal: %w", err)
	}
	if t.Trades == nil {
		t.Trades = make(map[string]domain.Fill)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}
