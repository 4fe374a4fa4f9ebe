package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/chaintrader/internal/domain"
	"github.com/alanyoungcy/chaintrader/internal/executor"
	"github.com/alanyoungcy/chaintrader/internal/feed"
	"github.com/alanyoungcy/chaintrader/internal/orderbook"
	"github.com/alanyoungcy/chaintrader/internal/rule"
	"github.com/alanyoungcy/chaintrader/internal/server"
	"github.com/alanyoungcy/chaintrader/internal/server/handler"
	"github.com/alanyoungcy/chaintrader/internal/server/middleware"
	"github.com/alanyoungcy/chaintrader/internal/server/ws"
	"github.com/alanyoungcy/chaintrader/internal/venue/paper"
)

// tickerBuffer is the subscription buffer for ticker consumers.
const tickerBuffer = 256

// feeds are the market-data components every mode runs. sim is nil when a
// live depth stream drives the books.
type feeds struct {
	tickers *feed.TickerHub
	books   *feed.BookFeeder
	sim     *paper.Simulator
}

// TradeMode runs the market feeds, the lifecycle executor, the rule
// dispatcher and, when enabled, the HTTP server.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	g, ctx := errgroup.WithContext(ctx)
	f, err := a.buildFeeds(deps)
	if err != nil {
		return fmt.Errorf("trade mode: %w", err)
	}

	exec := a.buildExecutor(deps, f.tickers)
	n, err := exec.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("trade mode: load tasks: %w", err)
	}
	a.logger.InfoContext(ctx, "trade tasks restored", slog.Int("tasks", n))

	dispatcher := rule.NewDispatcher(exec, a.cfg.Executor.RuleParallel, deps.Metrics, a.logger)
	ticks := f.tickers.Subscribe(ctx, tickerBuffer)

	a.startFeeds(ctx, g, f)
	g.Go(func() error {
		return exec.Run(ctx)
	})
	g.Go(func() error {
		return dispatcher.Run(ctx, ticks)
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, f, exec, dispatcher)
	}

	return g.Wait()
}

// MonitorMode maintains the books and tickers and serves them, without
// executing tasks or rules.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	f, err := a.buildFeeds(deps)
	if err != nil {
		return fmt.Errorf("monitor mode: %w", err)
	}
	a.startFeeds(ctx, g, f)

	// HTTP server is always started in monitor mode.
	a.startHTTPServer(ctx, g, deps, f, nil, nil)

	return g.Wait()
}

// buildFeeds wires the book feeder and the ticker hub. With a websocket URL
// the books follow the live venue and their touch prices drive the paper
// venue; without one they follow the paper venue's simulated depth.
func (a *App) buildFeeds(deps *Dependencies) (feeds, error) {
	var (
		source   orderbook.SnapshotSource = deps.Gateway
		streamer domain.DepthStreamer     = deps.Paper
		poll     domain.MarketFeed        = deps.Gateway
	)
	live := a.cfg.OrderBook.WSURL != ""
	var sim *paper.Simulator
	if live {
		source = feed.NewSnapshotClient(a.cfg.OrderBook.SnapshotURL)
		streamer = feed.NewDepthStream(a.cfg.OrderBook.WSURL, a.logger)
		poll = nil
	} else {
		var err error
		if sim, err = a.buildSimulator(deps.Paper); err != nil {
			return feeds{}, err
		}
	}

	tickers := feed.NewTickerHub(poll, a.cfg.Symbols(), a.cfg.Venue.TickerInterval.Duration, a.logger)
	if deps.PriceCache != nil {
		tickers.SetPriceCache(deps.PriceCache)
	}

	symbols := make([]feed.SymbolConfig, 0, len(a.cfg.OrderBook.Symbols))
	for _, s := range a.cfg.OrderBook.Symbols {
		symbols = append(symbols, feed.SymbolConfig{
			Symbol:        s.Symbol,
			Precision:     s.Precision,
			MergeDecimals: s.Merge(),
		})
	}
	books := feed.NewBookFeeder(feed.BookFeederConfig{
		Symbols:     symbols,
		DepthLimit:  a.cfg.OrderBook.DepthLimit,
		MirrorDepth: a.cfg.OrderBook.MirrorDepth,
	}, source, streamer, a.logger)
	books.SetObserver(deps.Metrics)
	if deps.BookCache != nil {
		books.SetMirror(deps.BookCache)
	}
	if live {
		books.OnTopOfBook(func(_ context.Context, t domain.Ticker) {
			deps.Paper.SetTicker(t)
		})
	}
	books.OnTopOfBook(tickers.Publish)

	a.logger.Info("market feeds configured",
		slog.Bool("live", live),
		slog.Any("symbols", a.cfg.Symbols()),
	)
	return feeds{tickers: tickers, books: books, sim: sim}, nil
}

// buildSimulator seeds the paper venue's market. The first step runs here so
// snapshots and tickers exist before the feeds start.
func (a *App) buildSimulator(venue *paper.Venue) (*paper.Simulator, error) {
	seeds, err := a.cfg.SeedPrices()
	if err != nil {
		return nil, err
	}
	precision := make(map[string]int32, len(a.cfg.OrderBook.Symbols))
	for _, s := range a.cfg.OrderBook.Symbols {
		precision[s.Symbol] = s.Precision
		if _, ok := seeds[s.Symbol]; !ok {
			a.logger.Warn("no seed price, symbol has no simulated market", slog.String("symbol", s.Symbol))
		}
	}
	sc := a.cfg.Venue.Simulation
	seed := sc.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	sim := paper.NewSimulator(venue, paper.SimConfig{
		Seeds:      seeds,
		Precision:  precision,
		Levels:     sc.Levels,
		Volatility: sc.Volatility,
		Interval:   a.cfg.Venue.TickerInterval.Duration,
	}, seed, a.logger)
	sim.Step(time.Now().UTC())
	return sim, nil
}

func (a *App) startFeeds(ctx context.Context, g *errgroup.Group, f feeds) {
	if f.sim != nil {
		g.Go(func() error {
			return f.sim.Run(ctx)
		})
	}
	g.Go(func() error {
		return f.books.Run(ctx)
	})
	g.Go(func() error {
		return f.tickers.Run(ctx)
	})
}

// buildExecutor creates the lifecycle executor with every optional
// collaborator the configuration enables.
func (a *App) buildExecutor(deps *Dependencies, tickers executor.TickerSource) *executor.Executor {
	exec := executor.New(executor.Config{
		TickInterval: a.cfg.Executor.TickInterval.Duration,
		PollInterval: a.cfg.Executor.PollInterval.Duration,
		MaxParallel:  a.cfg.Executor.MaxParallel,
		LeaseTTL:     a.cfg.Executor.LeaseTTL.Duration,
		RuleDedupTTL: a.cfg.Executor.RuleDedupTTL.Duration,
	}, deps.Gateway, tickers, deps.TaskStore, deps.Metrics, a.logger)

	if deps.Archive != nil {
		exec.SetArchiver(deps.Archive)
	}
	if deps.AuditStore != nil {
		exec.SetAuditStore(deps.AuditStore)
	}
	if deps.SignalBus != nil {
		exec.SetSignalBus(deps.SignalBus)
	}
	if deps.LockManager != nil {
		exec.SetLeaseManager(deps.LockManager)
	}
	if deps.Notifier != nil {
		exec.SetNotifier(deps.Notifier)
	}
	return exec
}

// startHTTPServer registers the operator API and the event websocket. exec
// and dispatcher are nil in monitor mode, which leaves their routes out.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	f feeds,
	exec *executor.Executor,
	dispatcher *rule.Dispatcher,
) {
	var taskCount func() int
	if exec != nil {
		taskCount = exec.Len
	}

	hub := ws.NewHub(ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
		TaskCount: taskCount,
	}, a.logger)
	hubTicks := f.tickers.Subscribe(ctx, tickerBuffer)
	g.Go(func() error {
		return hub.Run(ctx)
	})
	g.Go(func() error {
		return hub.ForwardTickers(ctx, hubTicks)
	})
	if deps.SignalBus != nil {
		g.Go(func() error {
			return hub.ForwardBus(ctx, deps.SignalBus, executor.TaskEventsStream)
		})
	}

	health := handler.NewHealthHandler(a.cfg.Mode, taskCount, a.logger)
	for name, check := range deps.HealthChecks {
		health.AddCheck(name, check)
	}
	handlers := server.Handlers{
		Health:  health,
		Books:   handler.NewBookHandler(f.books, a.logger),
		Metrics: deps.Metrics.Handler(),
		WS:      hub,
	}
	if exec != nil {
		handlers.Tasks = handler.NewTaskHandler(exec, deps.AuditStore, a.cfg.Venue.Name, a.logger)
		if deps.Archive != nil {
			handlers.Tasks.SetArchive(deps.Archive)
		}
	}
	if dispatcher != nil {
		handlers.Rules = handler.NewRuleHandler(dispatcher, a.logger)
	}
	if deps.SignalBus != nil {
		handlers.Events = handler.NewEventHandler(deps.SignalBus, executor.TaskEventsStream, a.logger)
	}

	var limiter middleware.Limiter = middleware.NewLocalLimiter()
	if deps.RateLimiter != nil {
		limiter = deps.RateLimiter
	}

	srv := server.NewServer(server.Config{
		Port:           a.cfg.Server.Port,
		CORSOrigins:    a.cfg.Server.CORSOrigins,
		APIKey:         a.cfg.Server.APIKey,
		RatePerMin:     a.cfg.Server.RatePerMin,
		ObserveRequest: deps.Metrics.HTTPRequest,
	}, handlers, limiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
