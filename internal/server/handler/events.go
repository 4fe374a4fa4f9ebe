package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/chaintrader/internal/domain"
)

// EventReader reads a durable event stream forward from a cursor.
type EventReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// EventHandler replays the task event stream.
type EventHandler struct {
	reader EventReader
	stream string
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler over stream.
func NewEventHandler(reader EventReader, stream string, logger *slog.Logger) *EventHandler {
	return &EventHandler{reader: reader, stream: stream, logger: logHandler(logger, "events")}
}

type streamEvent struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// ListEvents returns up to limit events recorded after the cursor. Clients
// page by passing the returned next cursor as after.
// GET /api/events?after=0&limit=50
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	opts := parseListOpts(r)
	msgs, err := h.reader.StreamRead(r.Context(), h.stream, after, opts.Limit)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	out := make([]streamEvent, 0, len(msgs))
	next := after
	for _, m := range msgs {
		next = m.ID
		if !json.Valid(m.Payload) {
			h.logger.Warn("skipping malformed event", slog.String("id", m.ID))
			continue
		}
		out = append(out, streamEvent{ID: m.ID, Data: m.Payload})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": out,
		"next":   next,
	})
}
