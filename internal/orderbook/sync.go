package orderbook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/chaintrader/internal/domain"
)

// Outcome describes what the synchroniser did with one delta.
type Outcome int

const (
	// OutcomeApplied means the delta continued the sequence and was applied.
	OutcomeApplied Outcome = iota
	// OutcomeStale means the delta was already covered by the book and was dropped.
	OutcomeStale
	// OutcomeResynced means a gap or a malformed delta forced a fresh snapshot.
	OutcomeResynced
	// OutcomePending means the book is waiting for a delta that bridges the
	// last snapshot; the delta was not applied.
	OutcomePending
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeStale:
		return "stale"
	case OutcomeResynced:
		return "resynced"
	case OutcomePending:
		return "pending"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// SnapshotSource fetches a full depth image.
type SnapshotSource interface {
	GetDepthSnapshot(ctx context.Context, symbol string, limit int) (domain.DepthSnapshot, error)
}

// Observer is notified of every delta outcome. It is optional.
type Observer interface {
	BookOutcome(symbol string, outcome Outcome)
}

// Synchronizer applies a sequenced diff stream to one Book. Deltas are expected
// to arrive one at a time from a single feed; Apply serialises them anyway.
type Synchronizer struct {
	mu       sync.Mutex
	book     *Book
	source   SnapshotSource
	limit    int
	synced   bool
	observer Observer
	logger   *slog.Logger
}

// NewSynchronizer binds a book to the snapshot source used for resyncs.
func NewSynchronizer(book *Book, source SnapshotSource, limit int, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		book:   book,
		source: source,
		limit:  limit,
		logger: logger.With(slog.String("component", "book_sync"), slog.String("symbol", book.Symbol())),
	}
}

// SetObserver installs an outcome observer. Must be called before Apply.
func (s *Synchronizer) SetObserver(o Observer) {
	s.observer = o
}

// Book returns the synchronised book.
func (s *Synchronizer) Book() *Book {
	return s.book
}

// Synced reports whether the book currently reflects a snapshot plus a
// contiguous run of deltas.
func (s *Synchronizer) Synced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced
}

// Resync replaces the book with a fresh snapshot.
func (s *Synchronizer) Resync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resyncLocked(ctx)
}

func (s *Synchronizer) resyncLocked(ctx context.Context) error {
	snap, err := s.source.GetDepthSnapshot(ctx, s.book.Symbol(), s.limit)
	if err != nil {
		s.synced = false
		return fmt.Errorf("orderbook: snapshot %s: %w", s.book.Symbol(), err)
	}
	if prev := s.book.LastUpdateID(); snap.LastUpdateID < prev {
		// The image replaces the book wholesale, so its id is adopted even when
		// older; deltas after it are then applied again.
		s.logger.Warn("snapshot older than book",
			slog.Int64("last_update_id", prev),
			slog.Int64("snapshot_update_id", snap.LastUpdateID),
		)
	}
	s.book.AssignSnapshot(snap)
	s.synced = true
	s.logger.Info("book resynced", slog.Int64("last_update_id", snap.LastUpdateID))
	return nil
}

// Apply feeds one delta through the gap policy:
//
//   - finalUpdateID <= lastUpdateID: stale, dropped without touching the book.
//   - firstUpdateID <= lastUpdateID+1 <= finalUpdateID: applied.
//   - anything else is a gap: the book is resynced from a fresh snapshot and
//     the delta is re-evaluated once against the new sequence id.
//
// The returned error is non-nil only when a required snapshot could not be
// fetched; the book is then marked unsynced and the next delta retries.
func (s *Synchronizer) Apply(ctx context.Context, d domain.DepthDelta) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcome, err := s.applyLocked(ctx, d)
	if s.observer != nil {
		s.observer.BookOutcome(s.book.Symbol(), outcome)
	}
	return outcome, err
}

func (s *Synchronizer) applyLocked(ctx context.Context, d domain.DepthDelta) (Outcome, error) {
	resynced := false
	if !s.synced {
		if err := s.resyncLocked(ctx); err != nil {
			return OutcomePending, err
		}
		resynced = true
	}

	switch s.classify(d) {
	case OutcomeStale:
		s.logger.Debug("stale delta dropped",
			slog.Int64("final_update_id", d.FinalUpdateID),
			slog.Int64("last_update_id", s.book.LastUpdateID()),
		)
		if resynced {
			return OutcomeResynced, nil
		}
		return OutcomeStale, nil
	case OutcomeApplied:
		if err := validate(d.Levels); err != nil {
			s.logger.Warn("malformed delta, resyncing", slog.String("error", err.Error()))
			if err := s.resyncLocked(ctx); err != nil {
				return OutcomePending, err
			}
			return OutcomeResynced, nil
		}
		s.book.ApplyDelta(d.Levels, d.FinalUpdateID)
		if resynced {
			return OutcomeResynced, nil
		}
		return OutcomeApplied, nil
	}

	if resynced {
		// A snapshot taken just now still does not bridge this delta; wait for
		// the stream to catch up and resync again on the next one.
		s.synced = false
		return OutcomePending, nil
	}

	s.logger.Warn("sequence gap, resyncing",
		slog.Int64("first_update_id", d.FirstUpdateID),
		slog.Int64("final_update_id", d.FinalUpdateID),
		slog.Int64("last_update_id", s.book.LastUpdateID()),
	)
	if err := s.resyncLocked(ctx); err != nil {
		return OutcomePending, err
	}
	switch s.classify(d) {
	case OutcomeApplied:
		if validate(d.Levels) == nil {
			s.book.ApplyDelta(d.Levels, d.FinalUpdateID)
		}
	case OutcomePending:
		s.synced = false
	}
	return OutcomeResynced, nil
}

// classify returns OutcomeStale, OutcomeApplied or OutcomePending (gap).
func (s *Synchronizer) classify(d domain.DepthDelta) Outcome {
	last := s.book.LastUpdateID()
	if d.FinalUpdateID <= last {
		return OutcomeStale
	}
	if d.FirstUpdateID <= last+1 && d.FinalUpdateID >= last+1 {
		return OutcomeApplied
	}
	return OutcomePending
}

func validate(levels []domain.PriceLevel) error {
	for _, l := range levels {
		if l.Side != domain.SideBuy && l.Side != domain.SideSell {
			return fmt.Errorf("level %s: unknown side %q", l.Price, l.Side)
		}
		if l.Price.Sign() <= 0 {
			return fmt.Errorf("level %s: non-positive price", l.Price)
		}
		if l.Quantity.Sign() < 0 {
			return fmt.Errorf("level %s: negative quantity %s", l.Price, l.Quantity)
		}
	}
	return nil
}
