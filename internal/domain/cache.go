package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest ticker per symbol.
type PriceCache interface {
	SetTicker(ctx context.Context, t Ticker) error
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
}

// BookView is a serialisable top-of-book ladder.
type BookView struct {
	Symbol       string      `json:"symbol"`
	Bids         []LevelView `json:"bids"`
	Asks         []LevelView `json:"asks"`
	LastUpdateID int64       `json:"last_update_id"`
	Timestamp    time.Time   `json:"timestamp"`
}

// BookCache mirrors live order books for out-of-process readers.
type BookCache interface {
	SetBook(ctx context.Context, view BookView) error
	GetBook(ctx context.Context, symbol string) (BookView, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
