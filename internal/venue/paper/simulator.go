package paper

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chaintrader/internal/domain"
)

// SimConfig drives a Simulator.
type SimConfig struct {
	// Seeds maps each simulated symbol to its starting mid price.
	Seeds map[string]decimal.Decimal
	// Precision maps symbols to price decimals; missing symbols use 2.
	Precision map[string]int32
	// Levels is the ladder depth per side.
	Levels int
	// Volatility bounds the relative mid move per step.
	Volatility float64
	Interval   time.Duration
}

type simBook struct {
	mid    decimal.Decimal
	levels map[string]domain.PriceLevel
	seq    int64
}

// Simulator random-walks a mid price per symbol and feeds the venue a
// one-tick-wide ladder around it. The first step stores a snapshot; every
// later step pushes one delta carrying the changed and removed levels, then
// publishes the matching ticker so resting limits can fill.
type Simulator struct {
	venue   *Venue
	cfg     SimConfig
	rng     *rand.Rand
	symbols []string
	books   map[string]*simBook
	logger  *slog.Logger
}

// NewSimulator creates a simulator over v. seed makes runs reproducible.
func NewSimulator(v *Venue, cfg SimConfig, seed uint64, logger *slog.Logger) *Simulator {
	if cfg.Levels <= 0 {
		cfg.Levels = 20
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	s := &Simulator{
		venue:  v,
		cfg:    cfg,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		books:  make(map[string]*simBook, len(cfg.Seeds)),
		logger: logger.With(slog.String("component", "paper_simulator")),
	}
	for symbol, mid := range cfg.Seeds {
		s.symbols = append(s.symbols, symbol)
		s.books[symbol] = &simBook{mid: mid}
	}
	sort.Strings(s.symbols)
	return s
}

// Symbols returns the simulated symbols in order.
func (s *Simulator) Symbols() []string { return append([]string(nil), s.symbols...) }

// Step advances every symbol once. It must not run concurrently with Run.
func (s *Simulator) Step(now time.Time) {
	for _, symbol := range s.symbols {
		s.step(symbol, now)
	}
}

// Run steps every interval until ctx is done.
func (s *Simulator) Run(ctx context.Context) error {
	if len(s.symbols) == 0 {
		<-ctx.Done()
		return nil
	}
	s.logger.Info("simulated market running",
		slog.Any("symbols", s.symbols),
		slog.Duration("interval", s.cfg.Interval),
	)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Step(now.UTC())
		}
	}
}

func (s *Simulator) precision(symbol string) int32 {
	if p, ok := s.cfg.Precision[symbol]; ok {
		return p
	}
	return 2
}

func (s *Simulator) step(symbol string, now time.Time) {
	b := s.books[symbol]
	p := s.precision(symbol)
	tick := decimal.New(1, -p)

	if b.seq > 0 && s.cfg.Volatility > 0 {
		move := decimal.NewFromFloat((s.rng.Float64()*2 - 1) * s.cfg.Volatility)
		b.mid = b.mid.Mul(decimal.NewFromInt(1).Add(move))
	}
	bid := b.mid.RoundFloor(p)
	if !bid.IsPositive() {
		bid = tick
		b.mid = tick
	}
	ask := bid.Add(tick)

	next := make(map[string]domain.PriceLevel, 2*s.cfg.Levels)
	for i := range s.cfg.Levels {
		off := tick.Mul(decimal.NewFromInt(int64(i)))
		if bp := bid.Sub(off); bp.IsPositive() {
			l := domain.PriceLevel{Price: bp, Quantity: s.quantity(), Side: domain.SideBuy}
			next[levelKey(l)] = l
		}
		l := domain.PriceLevel{Price: ask.Add(off), Quantity: s.quantity(), Side: domain.SideSell}
		next[levelKey(l)] = l
	}

	if b.seq == 0 {
		b.seq = 1
		s.venue.SetDepth(domain.DepthSnapshot{
			Symbol:       symbol,
			Levels:       sortLevels(mapValues(next)),
			LastUpdateID: b.seq,
		})
	} else {
		var changes []domain.PriceLevel
		for k, l := range b.levels {
			if _, ok := next[k]; !ok {
				changes = append(changes, domain.PriceLevel{Price: l.Price, Quantity: decimal.Zero, Side: l.Side})
			}
		}
		changes = append(changes, mapValues(next)...)
		b.seq++
		s.venue.PushDelta(domain.DepthDelta{
			Symbol:        symbol,
			Levels:        sortLevels(changes),
			FirstUpdateID: b.seq,
			FinalUpdateID: b.seq,
			Time:          now,
		})
	}
	b.levels = next

	s.venue.SetTicker(domain.Ticker{
		Symbol: symbol,
		Bid:    bid,
		Ask:    ask,
		Last:   b.mid.Round(p),
		Time:   now,
	})
}

func (s *Simulator) quantity() decimal.Decimal {
	return decimal.NewFromFloat(0.1 + s.rng.Float64()*4.9).Round(3)
}

func levelKey(l domain.PriceLevel) string {
	return string(l.Side) + "|" + l.Price.String()
}

func mapValues(m map[string]domain.PriceLevel) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(m))
	for _, l := range m {
		out = append(out, l)
	}
	return out
}

// sortLevels orders bids best first, then asks best first.
func sortLevels(levels []domain.PriceLevel) []domain.PriceLevel {
	sort.Slice(levels, func(i, j int) bool {
		a, b := levels[i], levels[j]
		if a.Side != b.Side {
			return a.Side == domain.SideBuy
		}
		if a.Side == domain.SideBuy {
			return a.Price.GreaterThan(b.Price)
		}
		return a.Price.LessThan(b.Price)
	})
	return levels
}
