package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chaintrader/internal/domain"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// depthFrame is the diff-depth message shape shared by most spot venues:
//
//	{"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT","U":157,"u":160,
//	 "b":[["0.0024","10"]],"a":[["0.0026","100"]]}
//
// Combined-stream wrappers of the form {"stream":"...","data":{...}} are
// unwrapped first.
type depthFrame struct {
	Event     string      `json:"e"`
	EventTime int64       `json:"E"`
	Symbol    string      `json:"s"`
	FirstID   int64       `json:"U"`
	FinalID   int64       `json:"u"`
	Bids      [][2]string `json:"b"`
	Asks      [][2]string `json:"a"`
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// ParseDepthFrame decodes one websocket message. ok is false for frames that
// are not depth updates (subscription acks, heartbeats).
func ParseDepthFrame(raw []byte) (delta domain.DepthDelta, ok bool, err error) {
	var env streamEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		raw = env.Data
	}
	var f depthFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return domain.DepthDelta{}, false, fmt.Errorf("feed: decode frame: %w", err)
	}
	if f.Event != "depthUpdate" {
		return domain.DepthDelta{}, false, nil
	}

	delta = domain.DepthDelta{
		Symbol:        f.Symbol,
		FirstUpdateID: f.FirstID,
		FinalUpdateID: f.FinalID,
		Levels:        make([]domain.PriceLevel, 0, len(f.Bids)+len(f.Asks)),
	}
	if f.EventTime > 0 {
		delta.Time = time.UnixMilli(f.EventTime).UTC()
	}
	for _, side := range []struct {
		rows [][2]string
		side domain.Side
	}{{f.Bids, domain.SideBuy}, {f.Asks, domain.SideSell}} {
		for _, row := range side.rows {
			price, err := decimal.NewFromString(row[0])
			if err != nil {
				return domain.DepthDelta{}, false, fmt.Errorf("feed: price %q: %w", row[0], err)
			}
			qty, err := decimal.NewFromString(row[1])
			if err != nil {
				return domain.DepthDelta{}, false, fmt.Errorf("feed: quantity %q: %w", row[1], err)
			}
			delta.Levels = append(delta.Levels, domain.PriceLevel{Price: price, Quantity: qty, Side: side.side})
		}
	}
	return delta, true, nil
}

// DepthStream implements domain.DepthStreamer over a websocket diff-depth
// feed. The URL may contain "{symbol}", replaced by the lower-case symbol.
// On disconnect it redials with exponential backoff; the resulting sequence
// gap is left for the order-book synchronizer to detect.
type DepthStream struct {
	urlTemplate string
	dialer      websocket.Dialer
	logger      *slog.Logger
}

// NewDepthStream creates a stream factory for urlTemplate.
func NewDepthStream(urlTemplate string, logger *slog.Logger) *DepthStream {
	return &DepthStream{
		urlTemplate: urlTemplate,
		dialer:      websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		logger:      logger.With(slog.String("component", "depth_stream")),
	}
}

func (s *DepthStream) url(symbol string) string {
	return strings.ReplaceAll(s.urlTemplate, "{symbol}", strings.ToLower(symbol))
}

// StreamDepthDeltas implements domain.DepthStreamer. The channel closes when
// ctx is done.
func (s *DepthStream) StreamDepthDeltas(ctx context.Context, symbol string) (<-chan domain.DepthDelta, error) {
	if s.urlTemplate == "" {
		return nil, errors.New("feed: depth stream url is empty")
	}
	out := make(chan domain.DepthDelta, 512)
	go s.run(ctx, symbol, out)
	return out, nil
}

func (s *DepthStream) run(ctx context.Context, symbol string, out chan<- domain.DepthDelta) {
	defer close(out)
	log := s.logger.With(slog.String("symbol", symbol))
	delay := reconnectDelay
	for {
		err := s.session(ctx, symbol, out)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			delay = reconnectDelay
		}
		log.Warn("depth stream disconnected, reconnecting",
			slog.String("error", fmt.Sprint(err)), slog.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

// session holds one websocket connection until it fails or ctx ends. A nil
// error means at least one delta was delivered before the drop.
func (s *DepthStream) session(ctx context.Context, symbol string, out chan<- domain.DepthDelta) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url(symbol), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	delivered := false
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if delivered {
				s.logger.Debug("read failed after deliveries", slog.String("error", err.Error()))
				return nil
			}
			return fmt.Errorf("read: %w: %w", domain.ErrWSDisconnect, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		delta, ok, err := ParseDepthFrame(raw)
		if err != nil {
			s.logger.Debug("dropping undecodable frame", slog.String("error", err.Error()))
			continue
		}
		if !ok {
			continue
		}
		if delta.Symbol == "" {
			delta.Symbol = symbol
		}
		select {
		case out <- delta:
			delivered = true
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var _ domain.DepthStreamer = (*DepthStream)(nil)
