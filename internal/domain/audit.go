package domain

import (
	"context"
	"fmt"
	"time"
)

// ListOpts pages a listing. Since and Until bound audit queries by time and
// are ignored elsewhere.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// Clamp fills in a default limit, caps it at maxLimit and floors the offset
// at 0.
func (o ListOpts) Clamp(defLimit, maxLimit int) ListOpts {
	if o.Limit <= 0 {
		o.Limit = defLimit
	}
	o.Limit = min(o.Limit, maxLimit)
	o.Offset = max(o.Offset, 0)
	return o
}

// Validate rejects an empty time window.
func (o ListOpts) Validate() error {
	if o.Since != nil && o.Until != nil && o.Since.After(*o.Until) {
		return fmt.Errorf("since %s is after until %s: %w",
			o.Since.Format(time.RFC3339), o.Until.Format(time.RFC3339), ErrInvalidQuery)
	}
	return nil
}

// AuditEntry is one recorded task transition or command.
type AuditEntry struct {
	ID        int64
	TaskID    string
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore is the append-only trail of task transitions, newest first on
// read.
type AuditStore interface {
	Log(ctx context.Context, taskID, event string, detail map[string]any) error
	List(ctx context.Context, taskID string, opts ListOpts) ([]AuditEntry, error)
}
