package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/chaintrader/internal/domain"
	"github.com/alanyoungcy/chaintrader/internal/orderbook"
)

// SymbolConfig describes one book to maintain.
type SymbolConfig struct {
	Symbol        string
	Precision     int32
	MergeDecimals int32
}

// BookFeederConfig tunes the feeder.
type BookFeederConfig struct {
	Symbols    []SymbolConfig
	DepthLimit int

	// MirrorDepth is the number of rows per side written to the book cache.
	MirrorDepth int

	// RetryDelay is how long to wait before reopening a closed stream.
	RetryDelay time.Duration
}

// TopOfBookHandler receives the best bid and ask after every book change.
type TopOfBookHandler func(ctx context.Context, t domain.Ticker)

// BookFeeder keeps one synchronised order book per symbol. Each symbol runs
// its own goroutine reading the delta stream into an orderbook.Synchronizer.
// After every applied update the top-N ladder is mirrored to the book cache
// and the touch is handed to the top-of-book handlers.
type BookFeeder struct {
	cfg      BookFeederConfig
	source   orderbook.SnapshotSource
	streamer domain.DepthStreamer
	mirror   domain.BookCache
	onTop    []TopOfBookHandler
	logger   *slog.Logger

	mu    sync.RWMutex
	syncs map[string]*orderbook.Synchronizer
}

// NewBookFeeder builds a synchronizer per configured symbol.
func NewBookFeeder(cfg BookFeederConfig, source orderbook.SnapshotSource, streamer domain.DepthStreamer, logger *slog.Logger) *BookFeeder {
	if cfg.DepthLimit <= 0 {
		cfg.DepthLimit = 1000
	}
	if cfg.MirrorDepth <= 0 {
		cfg.MirrorDepth = 20
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	f := &BookFeeder{
		cfg:      cfg,
		source:   source,
		streamer: streamer,
		logger:   logger.With(slog.String("component", "book_feeder")),
		syncs:    make(map[string]*orderbook.Synchronizer, len(cfg.Symbols)),
	}
	for _, sc := range cfg.Symbols {
		book := orderbook.New(sc.Symbol, sc.Precision, sc.MergeDecimals)
		f.syncs[sc.Symbol] = orderbook.NewSynchronizer(book, source, cfg.DepthLimit, logger)
	}
	return f
}

// SetMirror enables writing top-N ladders to a shared cache.
func (f *BookFeeder) SetMirror(c domain.BookCache) { f.mirror = c }

// SetObserver installs a delta outcome observer on every synchronizer.
func (f *BookFeeder) SetObserver(o orderbook.Observer) {
	for _, s := range f.syncs {
		s.SetObserver(o)
	}
}

// OnTopOfBook registers a handler. Must be called before Run.
func (f *BookFeeder) OnTopOfBook(h TopOfBookHandler) { f.onTop = append(f.onTop, h) }

// Symbols returns the maintained symbols in order.
func (f *BookFeeder) Symbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.syncs))
	for s := range f.syncs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Synced reports, per symbol, whether the book is in step with its stream.
func (f *BookFeeder) Synced() map[string]bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]bool, len(f.syncs))
	for symbol, s := range f.syncs {
		out[symbol] = s.Synced()
	}
	return out
}

// Book returns the live book for symbol.
func (f *BookFeeder) Book(symbol string) (*orderbook.Book, error) {
	f.mu.RLock()
	s, ok := f.syncs[symbol]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("feed: book %s: %w", symbol, domain.ErrNotFound)
	}
	return s.Book(), nil
}

// View returns the top n rows of symbol's book.
func (f *BookFeeder) View(symbol string, n int) (domain.BookView, error) {
	b, err := f.Book(symbol)
	if err != nil {
		return domain.BookView{}, err
	}
	return b.View(n), nil
}

// SetMergeDecimals regroups symbol's book at d decimals. d must lie between
// zero and the symbol's native precision.
func (f *BookFeeder) SetMergeDecimals(symbol string, d int32) error {
	b, err := f.Book(symbol)
	if err != nil {
		return err
	}
	if d < 0 || d > b.Precision() {
		return fmt.Errorf("feed: merge decimals %d for %s outside [0, %d]", d, symbol, b.Precision())
	}
	b.SetMergeDecimals(d)
	f.logger.Info("book regrouped", slog.String("symbol", symbol), slog.Int("merge_decimals", int(d)))
	return nil
}

// Run drives every symbol until ctx is done.
func (f *BookFeeder) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for symbol, s := range f.syncs {
		g.Go(func() error { return f.runSymbol(ctx, symbol, s) })
	}
	f.logger.Info("book feeder started", slog.Int("symbols", len(f.syncs)))
	err := g.Wait()
	f.logger.Info("book feeder stopped")
	return err
}

func (f *BookFeeder) runSymbol(ctx context.Context, symbol string, s *orderbook.Synchronizer) error {
	log := f.logger.With(slog.String("symbol", symbol))
	for {
		stream, err := f.streamer.StreamDepthDeltas(ctx, symbol)
		if err != nil {
			log.Error("open depth stream", slog.String("error", err.Error()))
		} else {
			f.consume(ctx, s, stream)
		}
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(f.cfg.RetryDelay):
		}
	}
}

// consume applies deltas until the stream closes.
func (f *BookFeeder) consume(ctx context.Context, s *orderbook.Synchronizer, stream <-chan domain.DepthDelta) {
	for delta := range stream {
		outcome, err := f.Apply(ctx, s, delta)
		if err != nil {
			f.logger.Warn("delta not applied",
				slog.String("symbol", delta.Symbol),
				slog.String("outcome", outcome.String()),
				slog.String("error", err.Error()))
		}
	}
}

// Apply runs one delta through s and publishes the result when the book
// changed.
func (f *BookFeeder) Apply(ctx context.Context, s *orderbook.Synchronizer, delta domain.DepthDelta) (orderbook.Outcome, error) {
	outcome, err := s.Apply(ctx, delta)
	if err != nil {
		return outcome, err
	}
	if outcome == orderbook.OutcomeApplied || outcome == orderbook.OutcomeResynced {
		f.publish(ctx, s.Book())
	}
	return outcome, nil
}

func (f *BookFeeder) publish(ctx context.Context, b *orderbook.Book) {
	if f.mirror != nil {
		if err := f.mirror.SetBook(ctx, b.View(f.cfg.MirrorDepth)); err != nil {
			f.logger.Warn("book mirror failed", slog.String("symbol", b.Symbol()), slog.String("error", err.Error()))
		}
	}
	if len(f.onTop) == 0 {
		return
	}
	bid, ask, okBid, okAsk := b.Touch()
	if !okBid && !okAsk {
		return
	}
	t := domain.Ticker{Symbol: b.Symbol(), Bid: bid, Ask: ask, Time: time.Now().UTC()}
	switch {
	case okBid && okAsk:
		t.Last = bid.Add(ask).Div(decimalTwo)
	case okBid:
		t.Last = bid
	default:
		t.Last = ask
	}
	for _, h := range f.onTop {
		h(ctx, t)
	}
}

// Synchronizer returns the synchronizer for symbol, for tests and tooling.
func (f *BookFeeder) Synchronizer(symbol string) (*orderbook.Synchronizer, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.syncs[symbol]
	return s, ok
}
