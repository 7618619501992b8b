package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/Rugved7/StockSimX/pkg/market"
	"github.com/Rugved7/StockSimX/pkg/marketdata"
	"github.com/Rugved7/StockSimX/pkg/metrics"
	"github.com/Rugved7/StockSimX/pkg/trader"
	"github.com/Rugved7/StockSimX/pkg/ws"
)

const (
	defaultTraders     = 6
	defaultWSPort      = 8081
	defaultMetricsPort = 9090

	driftInterval  = 500 * time.Millisecond
	reportInterval = 5 * time.Second
)

type Config struct {
	Traders     int
	Duration    time.Duration
	Symbols     string
	LogLevel    string
	NATSURL     string
	WSPort      int
	MetricsPort int

	Market market.Config
}

// Simulation owns every moving part of one run: the exchange, the
// matching engine, the trader cohort, and the observability surfaces.
type Simulation struct {
	config *Config
	logger log.Logger
	nc     *nats.Conn

	exchange *market.Exchange
	engine   *market.MatchingEngine
	feed     *marketdata.Feed
	wsServer *ws.Server
	metrics  *metrics.SimMetrics

	barrier *trader.CycleBarrier
	traders []*trader.Trader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSimulation(config *Config) (*Simulation, error) {
	level, _ := log.ToLevel(config.LogLevel)
	logger := log.NewTestLogger(level)

	exchange, err := market.NewExchange(config.Market, logger.New("module", "exchange"))
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange: %w", err)
	}

	engine := market.NewMatchingEngine(exchange, config.Market, logger.New("module", "engine"))

	var nc *nats.Conn
	if config.NATSURL != "" {
		nc, err = nats.Connect(config.NATSURL)
		if err != nil {
			logger.Warn("NATS unavailable, continuing without it", "url", config.NATSURL, "error", err)
			nc = nil
		} else {
			logger.Info("connected to NATS", "url", config.NATSURL)
		}
	}

	feed := marketdata.NewFeed(logger.New("module", "marketdata"), nc)
	simMetrics := metrics.NewSimMetrics("stocksimx", logger.New("module", "metrics"))
	simMetrics.Expose(engine.Metrics())
	wsServer := ws.NewServer(exchange, logger.New("module", "ws"))

	ctx, cancel := context.WithCancel(context.Background())

	sim := &Simulation{
		config:   config,
		logger:   logger,
		nc:       nc,
		exchange: exchange,
		engine:   engine,
		feed:     feed,
		wsServer: wsServer,
		metrics:  simMetrics,
		ctx:      ctx,
		cancel:   cancel,
	}

	// The barrier lines the cohort up at the top of each trading round.
	// Tripping it hints the engine that fresh orders just landed.
	sim.barrier = trader.NewCycleBarrier(config.Traders, engine.RequestMatching)

	exchange.OnOrder = func(o market.Order) {
		simMetrics.RecordOrder()
		feed.PublishOrder(o)
	}
	exchange.OnReject = func(o market.Order, err error) {
		simMetrics.RecordRejection()
	}
	engine.OnTrade = func(t market.Trade) {
		simMetrics.RecordTrade(t.Quantity)
		simMetrics.UpdatePrice(t.Symbol, t.Price.InexactFloat64())
		feed.PublishTrade(t)
	}
	engine.OnCycle = simMetrics.RecordCycle
	engine.OnCycleTimeout = func(abandoned int) {
		simMetrics.RecordCycleTimeout()
		feed.PublishCycleTimeout(abandoned)
	}

	for i := 1; i <= config.Traders; i++ {
		id := fmt.Sprintf("Trader-%d", i)
		sim.traders = append(sim.traders,
			trader.New(id, exchange, sim.barrier, trader.DefaultPolicy(), logger.New("trader", id)))
	}

	return sim, nil
}

func (s *Simulation) Start() error {
	s.logger.Info("starting simulation",
		"traders", s.config.Traders,
		"symbols", strings.Join(s.exchange.Symbols(), ","),
		"matchInterval", s.config.Market.MatchInterval,
		"cycleDeadline", s.config.Market.CycleDeadline,
		"workers", s.config.Market.Workers)

	if err := s.feed.Start(); err != nil {
		return err
	}
	s.wsServer.AttachFeed(s.feed)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.wsServer.Start(s.config.WSPort); err != nil {
			s.logger.Error("websocket server exited", "error", err)
		}
	}()

	s.metrics.StartServer(fmt.Sprintf("%d", s.config.MetricsPort))
	go s.metrics.CollectSystemMetrics(s.ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.engine.Run(s.ctx)
	}()
	s.engine.Start()
	s.feed.PublishEngineState(true)

	s.wg.Add(1)
	go s.runDrift()

	s.wg.Add(1)
	go s.reportStatus()

	s.metrics.SetActiveTraders(len(s.traders))
	for _, t := range s.traders {
		s.wg.Add(1)
		go func(t *trader.Trader) {
			defer s.wg.Done()
			t.Run(s.ctx)
			s.metrics.SetActiveTraders(s.activeTraders())
		}(t)
	}

	s.logger.Info("simulation started")
	return nil
}

// runDrift applies a random walk to every stock so prices move even
// when the books are quiet.
func (s *Simulation) runDrift() {
	defer s.wg.Done()

	ticker := time.NewTicker(driftInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.exchange.ApplyDrift()
		}
	}
}

func (s *Simulation) reportStatus() {
	defer s.wg.Done()

	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.printStatus(time.Since(startTime))
		}
	}
}

func (s *Simulation) printStatus(uptime time.Duration) {
	stats := s.engine.Stats()

	s.logger.Info("simulation status",
		"uptime", uptime.Round(time.Second),
		"cycles", stats.Cycles,
		"cycleTimeouts", stats.CycleTimeouts,
		"trades", stats.TotalMatches,
		"volume", stats.TotalVolume,
		"activeTraders", s.activeTraders())

	for _, sym := range s.exchange.Symbols() {
		stock, _ := s.exchange.Stock(sym)
		s.logger.Info("stock", "status", stock.StatusLine())

		book, _ := s.exchange.Book(sym)
		bids, asks := book.Depth()
		s.metrics.UpdateDepth(sym, bids, asks)
		s.metrics.UpdatePrice(sym, stock.Price().InexactFloat64())
	}
}

func (s *Simulation) activeTraders() int {
	n := 0
	for _, t := range s.traders {
		if t.IsActive() {
			n++
		}
	}
	return n
}

// WaitForTraders blocks until every trader has spent its order budget
// or the context is cancelled.
func (s *Simulation) WaitForTraders() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.activeTraders() == 0 {
				return
			}
		}
	}
}

func (s *Simulation) Shutdown() {
	s.logger.Info("shutting down simulation")

	// One last sweep so resting orders get a final chance to cross.
	s.engine.RequestMatching()
	time.Sleep(s.config.Market.MatchInterval)

	s.engine.Stop()
	s.feed.PublishEngineState(false)
	s.cancel()

	s.wsServer.Stop()
	s.feed.Stop()
	s.wg.Wait()

	if s.nc != nil {
		s.nc.Close()
	}

	s.printResults()
}

func (s *Simulation) printResults() {
	stats := s.engine.Stats()

	s.logger.Info("simulation complete",
		"trades", stats.TotalMatches,
		"sharesTraded", stats.TotalVolume)

	for _, sym := range s.exchange.Symbols() {
		stock, _ := s.exchange.Stock(sym)
		s.logger.Info("final", "status", stock.StatusLine())
	}
	for _, t := range s.traders {
		s.logger.Info("trader", "status", t.StatusLine())
	}
}

// parseSymbols accepts "AAPL=150,GOOGL=2800" or a bare "AAPL,GOOGL"
// list, which falls back to the default price for known symbols.
func parseSymbols(list string, defaults market.Config) (market.Config, error) {
	if list == "" {
		return defaults, nil
	}

	cfg := defaults
	cfg.Symbols = nil
	cfg.InitialPrices = make(map[string]decimal.Decimal)

	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		sym, priceStr, hasPrice := strings.Cut(part, "=")
		sym = strings.ToUpper(strings.TrimSpace(sym))

		var price decimal.Decimal
		if hasPrice {
			p, err := decimal.NewFromString(priceStr)
			if err != nil {
				return cfg, fmt.Errorf("invalid price for %s: %w", sym, err)
			}
			price = p
		} else if p, ok := defaults.InitialPrices[sym]; ok {
			price = p
		} else {
			price = decimal.NewFromInt(100)
		}

		cfg.Symbols = append(cfg.Symbols, sym)
		cfg.InitialPrices[sym] = price
	}

	return cfg, nil
}

func main() {
	config := &Config{}

	flag.IntVar(&config.Traders, "traders", defaultTraders, "Number of concurrent traders")
	flag.DurationVar(&config.Duration, "duration", 0, "Maximum run time (0 = until traders finish)")
	flag.StringVar(&config.Symbols, "symbols", "", "Symbols to list, e.g. AAPL=150,GOOGL=2800")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&config.NATSURL, "nats", "", "NATS server URL (empty = disabled)")
	flag.IntVar(&config.WSPort, "ws-port", defaultWSPort, "WebSocket port")
	flag.IntVar(&config.MetricsPort, "metrics-port", defaultMetricsPort, "Prometheus metrics port")

	matchInterval := flag.Duration("match-interval", 0, "Matching cycle cadence (default 200ms)")
	cycleDeadline := flag.Duration("cycle-deadline", 0, "Per-cycle wall clock deadline (default 1s)")
	bookWait := flag.Duration("book-wait", 0, "Per-book wait for fresh orders (default 100ms)")
	workers := flag.Int("workers", 0, "Matching worker pool size (default 4)")

	flag.Parse()

	marketCfg, err := parseSymbols(config.Symbols, market.DefaultConfig())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *matchInterval > 0 {
		marketCfg.MatchInterval = *matchInterval
	}
	if *cycleDeadline > 0 {
		marketCfg.CycleDeadline = *cycleDeadline
	}
	if *bookWait > 0 {
		marketCfg.PerBookWait = *bookWait
	}
	if *workers > 0 {
		marketCfg.Workers = *workers
	}
	config.Market = marketCfg

	if config.Traders < 1 {
		fmt.Fprintln(os.Stderr, "need at least one trader")
		os.Exit(1)
	}

	rootLogger := log.Root()
	rootLogger.Info(`
╔══════════════════════════════════════════╗
║                StockSimX                 ║
║                                          ║
║     Concurrent Stock Market Simulator    ║
║      Price-Time Priority Matching        ║
╚══════════════════════════════════════════╝`)

	rootLogger.Info("system information",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"traders", config.Traders,
		"symbols", len(config.Market.Symbols))

	sim, err := NewSimulation(config)
	if err != nil {
		rootLogger.Crit("failed to create simulation", "error", err)
		os.Exit(1)
	}

	if err := sim.Start(); err != nil {
		rootLogger.Crit("failed to start simulation", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		sim.WaitForTraders()
		close(done)
	}()

	var timeout <-chan time.Time
	if config.Duration > 0 {
		timeout = time.After(config.Duration)
	}

	select {
	case sig := <-sigChan:
		rootLogger.Info("received shutdown signal", "signal", sig.String())
	case <-timeout:
		rootLogger.Info("run duration elapsed")
	case <-done:
		rootLogger.Info("all traders finished")
	}

	sim.Shutdown()
}
