package market

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"
	metrics "github.com/luxfi/metric"
)

// EngineStats is the engine's aggregate view, read far more often than it is
// written; the counters are plain atomics with no compound invariant.
type EngineStats struct {
	TotalMatches  int64
	TotalVolume   int64
	Cycles        int64
	CycleTimeouts int64
}

// MatchingEngine drives matching across every symbol's book on a fixed
// cadence. Each cycle fans the per-symbol work out to a bounded worker pool
// and collects results under a hard wall-clock deadline, so one pathologically
// busy book can delay but never starve the others: anything still outstanding
// at the deadline is dropped for the cycle and picked up naturally on the
// next one, since unmatched orders stay resting in their book.
type MatchingEngine struct {
	cfg      Config
	exchange *Exchange
	books    []*OrderBook
	logger   log.Logger
	registry metrics.Registry

	running      atomic.Bool
	totalMatches atomic.Int64
	totalVolume  atomic.Int64
	cycleCount   atomic.Int64
	timeoutCount atomic.Int64

	// Prometheus-backed instruments, registered once at construction. They
	// are export-only; the atomics above stay the readable source of truth.
	cycles        metrics.Counter
	cycleTimeouts metrics.Counter
	tradesMatched metrics.Counter
	sharesTraded  metrics.Counter
	cycleMicros   metrics.Histogram

	mu  sync.Mutex
	run *engineRun

	startCh chan struct{} // releases the control loop parked in awaitStart
	wake    chan struct{} // single-notify early-cycle hint

	// Observability hooks, set before Start. Not part of the matching
	// contract; failures to consume never affect crossing.
	OnTrade        func(Trade)
	OnCycle        func(elapsed time.Duration)
	OnCycleTimeout func(abandoned int)
}

// engineRun is the per-Start state: one worker pool plus its lifecycle.
// Stop retires the whole run; a later Start builds a fresh one.
type engineRun struct {
	ctx     context.Context
	cancel  context.CancelFunc
	tasks   chan matchTask
	workers sync.WaitGroup
	adopted bool          // guarded by MatchingEngine.mu; set once a control loop picks the run up
	stopped chan struct{} // closed by whoever tears the pool down
}

type matchTask struct {
	book    *OrderBook
	results chan<- symbolResult
}

type symbolResult struct {
	symbol string
	trades []Trade
}

// NewMatchingEngine wires an engine to the exchange's books.
func NewMatchingEngine(exchange *Exchange, cfg Config, logger log.Logger) *MatchingEngine {
	cfg = cfg.withDefaults()
	e := &MatchingEngine{
		cfg:      cfg,
		exchange: exchange,
		logger:   logger,
		registry: metrics.NewPrometheusRegistry(),
		startCh:  make(chan struct{}, 1),
		wake:     make(chan struct{}, 1),
	}
	// A dedicated registry per engine: the factory registers collectors with
	// MustRegister, so sharing the default registry across instances panics.
	m := metrics.NewWithRegistry("stocksimx_engine", e.registry)
	e.cycles = m.NewCounter("cycles_total", "Matching cycles completed")
	e.cycleTimeouts = m.NewCounter("cycle_timeouts_total", "Matching cycles that overran their deadline")
	e.tradesMatched = m.NewCounter("trades_matched_total", "Trades produced by matching")
	e.sharesTraded = m.NewCounter("shares_traded_total", "Shares crossed by matching")
	e.cycleMicros = m.NewHistogram("cycle_duration_micros", "Matching cycle wall time in microseconds",
		[]float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 25000, 50000, 100000})
	for _, sym := range exchange.Symbols() {
		book, _ := exchange.Book(sym)
		e.books = append(e.books, book)
	}
	logger.Info("matching engine initialized", "symbols", len(e.books), "workers", cfg.Workers)
	return e
}

// Metrics exposes the engine's Prometheus registry (cycle latency histogram,
// trade counters) so a caller can mount it on a scrape endpoint.
func (e *MatchingEngine) Metrics() metrics.Registry { return e.registry }

// Start flips the engine to Running, spawns the worker pool, and releases a
// control loop parked in Run. Idempotent while already running.
func (e *MatchingEngine) Start() {
	e.mu.Lock()
	if !e.running.CompareAndSwap(false, true) {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	run := &engineRun{
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(chan matchTask, len(e.books)),
		stopped: make(chan struct{}),
	}
	for i := 0; i < e.cfg.Workers; i++ {
		run.workers.Add(1)
		go e.worker(run)
	}
	e.run = run
	e.mu.Unlock()

	select {
	case e.startCh <- struct{}{}:
	default:
	}
	e.logger.Info("matching engine started")
}

// Stop flips the engine to Stopped, wakes the control loop, and blocks until
// the worker pool has drained, bounded by the shutdown grace period. If the
// pool does not drain in time the run is cancelled outright: queued work is
// abandoned and in-flight matches finish on their own with results discarded.
func (e *MatchingEngine) Stop() {
	e.mu.Lock()
	if !e.running.CompareAndSwap(true, false) {
		e.mu.Unlock()
		return
	}
	run := e.run
	e.run = nil
	adopted := run != nil && run.adopted
	e.mu.Unlock()
	if run == nil {
		return
	}

	e.logger.Info("matching engine stopping")
	if !adopted {
		// No control loop ever picked this run up, so there is nobody to
		// acknowledge the stop. With e.run cleared under the lock none ever
		// will; tear the idle pool down directly instead of waiting out the
		// grace window.
		e.shutdownPool(run)
		e.logger.Info("matching engine stopped", "matches", e.totalMatches.Load(), "volume", e.totalVolume.Load())
		return
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}

	select {
	case <-run.stopped:
	case <-time.After(e.cfg.ShutdownGrace + e.cfg.CycleDeadline + e.cfg.MatchInterval):
		e.logger.Warn("engine loop did not acknowledge stop, forcing worker shutdown")
		run.cancel()
	}
	e.logger.Info("matching engine stopped", "matches", e.totalMatches.Load(), "volume", e.totalVolume.Load())
}

// RequestMatching hints the control loop to begin the next cycle early.
// Single-notify: at most one sleeping iteration wakes; the fixed interval
// remains the source of truth, so this is for responsiveness only.
func (e *MatchingEngine) RequestMatching() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// IsRunning reports whether the engine is in the Running state.
func (e *MatchingEngine) IsRunning() bool { return e.running.Load() }

// Stats returns the engine's aggregate counters. Eventually consistent
// across books: no cross-book atomicity is promised or needed.
func (e *MatchingEngine) Stats() EngineStats {
	return EngineStats{
		TotalMatches:  e.totalMatches.Load(),
		TotalVolume:   e.totalVolume.Load(),
		Cycles:        e.cycleCount.Load(),
		CycleTimeouts: e.timeoutCount.Load(),
	}
}

// Run is the control loop. It parks until Start is signaled, then cycles at
// MatchInterval until Stop or ctx cancellation, and can park and run again
// after a restart. Call it on a dedicated goroutine.
func (e *MatchingEngine) Run(ctx context.Context) {
	e.logger.Info("engine control loop started")
	defer e.logger.Info("engine control loop exited")

	for {
		run := e.awaitStart(ctx)
		if run == nil {
			return
		}
		// The run installed by Start stays ours until Stop retires it; a
		// replacement run means a restart raced ahead and this one must be
		// torn down before the loop parks again.
		for e.running.Load() && ctx.Err() == nil && e.currentRun() == run {
			e.runCycle(run)
			e.sleep(ctx)
		}
		e.shutdownPool(run)
		if ctx.Err() != nil {
			return
		}
	}
}

func (e *MatchingEngine) currentRun() *engineRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run
}

// awaitStart parks until a run is installed by Start, or until ctx ends.
func (e *MatchingEngine) awaitStart(ctx context.Context) *engineRun {
	e.logger.Info("engine waiting for start signal")
	for {
		e.mu.Lock()
		run := e.run
		if run != nil && e.running.Load() {
			run.adopted = true
			e.mu.Unlock()
			return run
		}
		e.mu.Unlock()
		select {
		case <-e.startCh:
		case <-ctx.Done():
			return nil
		}
	}
}

// sleep waits out the inter-cycle interval, interruptible by a matching
// request, Stop, or ctx cancellation.
func (e *MatchingEngine) sleep(ctx context.Context) {
	timer := time.NewTimer(e.cfg.MatchInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-e.wake:
	case <-ctx.Done():
	}
}

// runCycle launches one matching task per symbol into the pool and collects
// results until everything reports in or the cycle deadline expires. The
// deadline covers launching too: if the pool is saturated long enough, the
// whole remainder of the cycle is abandoned with a warning.
func (e *MatchingEngine) runCycle(run *engineRun) {
	start := time.Now()
	deadline := time.NewTimer(e.cfg.CycleDeadline)
	defer deadline.Stop()

	results := make(chan symbolResult, len(e.books))
	launched := 0
	expired := false

enqueue:
	for _, book := range e.books {
		select {
		case run.tasks <- matchTask{book: book, results: results}:
			launched++
		case <-deadline.C:
			expired = true
			break enqueue
		case <-run.ctx.Done():
			return
		}
	}

	collected := 0
	for !expired && collected < launched {
		select {
		case res := <-results:
			collected++
			e.applyTrades(res)
		case <-deadline.C:
			expired = true
		case <-run.ctx.Done():
			return
		}
	}

	if expired {
		abandoned := len(e.books) - collected
		e.logger.Warn("matching cycle exceeded deadline",
			"deadline", e.cfg.CycleDeadline,
			"collected", collected,
			"abandoned", abandoned)
		e.timeoutCount.Add(1)
		e.cycleTimeouts.Inc()
		if e.OnCycleTimeout != nil {
			e.OnCycleTimeout(abandoned)
		}
	}
	elapsed := time.Since(start)
	e.cycleCount.Add(1)
	e.cycles.Inc()
	e.cycleMicros.Observe(float64(elapsed.Microseconds()))
	if e.OnCycle != nil {
		e.OnCycle(elapsed)
	}
}

// applyTrades credits one symbol's cycle output: engine counters, stock
// volume, trade price discovery, and the trade-completed hook.
func (e *MatchingEngine) applyTrades(res symbolResult) {
	if len(res.trades) == 0 {
		return
	}
	stock, _ := e.exchange.Stock(res.symbol)
	for _, t := range res.trades {
		e.totalMatches.Add(1)
		e.totalVolume.Add(t.Quantity)
		e.tradesMatched.Inc()
		e.sharesTraded.Add(float64(t.Quantity))
		if stock != nil {
			stock.AddVolume(t.Quantity)
			// Last trade marks the market. Applied here, after the match,
			// never inside the book.
			stock.SetPrice(t.Price)
		}
		if e.OnTrade != nil {
			e.OnTrade(t)
		}
	}
	e.logger.Debug("cycle matches", "symbol", res.symbol, "trades", len(res.trades))
}

// worker consumes matching tasks until the task channel closes or the run is
// cancelled. Closing drains queued tasks first, which is what gives Stop its
// orderly phase.
func (e *MatchingEngine) worker(run *engineRun) {
	defer run.workers.Done()
	for {
		select {
		case task, ok := <-run.tasks:
			if !ok {
				return
			}
			e.execute(run, task)
		case <-run.ctx.Done():
			return
		}
	}
}

// execute runs one symbol's matching task. A panic is isolated to this
// symbol and this cycle: it is logged and reported as zero trades.
func (e *MatchingEngine) execute(run *engineRun, task matchTask) {
	symbol := task.book.Symbol()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("matching failed", "symbol", symbol, "panic", r)
			task.results <- symbolResult{symbol: symbol}
		}
	}()

	if run.ctx.Err() != nil {
		task.results <- symbolResult{symbol: symbol}
		return
	}
	if !task.book.WaitForOrders(e.cfg.PerBookWait) {
		task.results <- symbolResult{symbol: symbol}
		return
	}
	task.results <- symbolResult{symbol: symbol, trades: task.book.Match()}
}

// shutdownPool closes the task channel (the control loop is the only sender
// and has stopped cycling), lets workers drain what is queued, and escalates
// to cancellation if the grace period runs out. The running flag is cleared
// only if this run is still the installed one; after a restart the new run
// owns the flag.
func (e *MatchingEngine) shutdownPool(run *engineRun) {
	e.mu.Lock()
	if e.run == run {
		e.run = nil
		e.running.Store(false)
	}
	e.mu.Unlock()
	close(run.tasks)

	done := make(chan struct{})
	go func() {
		run.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.ShutdownGrace):
		e.logger.Warn("worker pool exceeded shutdown grace, cancelling in-flight work",
			"grace", e.cfg.ShutdownGrace)
	}
	run.cancel()
	close(run.stopped)
}
