// Package marketdata turns raw exchange activity into an event stream
// and OHLCV candles that downstream consumers can subscribe to.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/Rugved7/StockSimX/pkg/market"
)

// EventType tags the kind of simulation event carried by an Event.
type EventType string

const (
	EventOrderSubmitted EventType = "order_submitted"
	EventTradeExecuted  EventType = "trade_executed"
	EventCycleTimeout   EventType = "cycle_timeout"
	EventEngineStarted  EventType = "engine_started"
	EventEngineStopped  EventType = "engine_stopped"
)

// Event is a single simulation occurrence. Order and Trade are set only
// for the corresponding event types.
type Event struct {
	Type      EventType     `json:"type"`
	Symbol    string        `json:"symbol,omitempty"`
	Order     *market.Order `json:"order,omitempty"`
	Trade     *market.Trade `json:"trade,omitempty"`
	Abandoned int           `json:"abandoned,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Candle represents OHLCV data for one symbol and interval.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Interval  Interval  `json:"interval"`
	OpenTime  time.Time `json:"openTime"`
	CloseTime time.Time `json:"closeTime"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Trades    int       `json:"trades"`
	Complete  bool      `json:"complete"`
}

// Interval represents a candle time interval.
type Interval string

const (
	Interval1s  Interval = "1s"
	Interval5s  Interval = "5s"
	Interval15s Interval = "15s"
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
)

// Duration returns the time.Duration for an interval.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1s:
		return 1 * time.Second
	case Interval5s:
		return 5 * time.Second
	case Interval15s:
		return 15 * time.Second
	case Interval1m:
		return 1 * time.Minute
	case Interval5m:
		return 5 * time.Minute
	default:
		return 1 * time.Minute
	}
}

// AllIntervals returns all supported intervals.
func AllIntervals() []Interval {
	return []Interval{Interval1s, Interval5s, Interval15s, Interval1m, Interval5m}
}

// Feed collects orders and trades from the exchange, aggregates candles,
// and fans events out to in-process subscribers and, optionally, NATS.
type Feed struct {
	logger log.Logger
	nc     *nats.Conn

	// Candle storage by symbol and interval
	candles   map[string]map[Interval]*Candle
	candlesMu sync.RWMutex

	// Trade buffer drained by the processing loop
	trades   []market.Trade
	tradesMu sync.Mutex

	// Event subscribers
	eventSubs []chan Event
	candleSub map[string][]chan *Candle
	subMu     sync.RWMutex

	// Counters on the publish hot path; plain atomics so emit never takes
	// a write lock.
	totalEvents  atomic.Uint64
	totalCandles atomic.Uint64
	dropped      atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFeed creates a market data feed. nc may be nil to run without NATS.
func NewFeed(logger log.Logger, nc *nats.Conn) *Feed {
	ctx, cancel := context.WithCancel(context.Background())

	return &Feed{
		logger:    logger,
		nc:        nc,
		candles:   make(map[string]map[Interval]*Candle),
		trades:    make([]market.Trade, 0, 1000),
		candleSub: make(map[string][]chan *Candle),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the feed's background processing.
func (f *Feed) Start() error {
	for _, interval := range AllIntervals() {
		f.wg.Add(1)
		go f.completeLoop(interval)
	}

	f.wg.Add(1)
	go f.processTrades()

	f.logger.Info("market data feed started", "nats", f.nc != nil)
	return nil
}

// Stop shuts down the feed.
func (f *Feed) Stop() {
	f.logger.Info("stopping market data feed")
	f.cancel()
	f.wg.Wait()
}

// PublishOrder records an accepted order.
func (f *Feed) PublishOrder(o market.Order) {
	f.emit(Event{
		Type:      EventOrderSubmitted,
		Symbol:    o.Symbol,
		Order:     &o,
		Timestamp: time.Now(),
	})
}

// PublishTrade records an executed trade and feeds candle aggregation.
func (f *Feed) PublishTrade(t market.Trade) {
	f.tradesMu.Lock()
	f.trades = append(f.trades, t)
	f.tradesMu.Unlock()

	f.emit(Event{
		Type:      EventTradeExecuted,
		Symbol:    t.Symbol,
		Trade:     &t,
		Timestamp: time.Now(),
	})

	if f.nc != nil {
		if data, err := json.Marshal(t); err == nil {
			f.nc.Publish("stocksimx.trades."+t.Symbol, data)
		}
	}
}

// PublishCycleTimeout records a matching cycle that overran its deadline.
func (f *Feed) PublishCycleTimeout(abandoned int) {
	f.emit(Event{
		Type:      EventCycleTimeout,
		Abandoned: abandoned,
		Timestamp: time.Now(),
	})
}

// PublishEngineState records an engine start or stop transition.
func (f *Feed) PublishEngineState(running bool) {
	et := EventEngineStopped
	if running {
		et = EventEngineStarted
	}
	f.emit(Event{Type: et, Timestamp: time.Now()})
}

// Subscribe returns a channel of all feed events. Slow consumers have
// events dropped rather than blocking the exchange.
func (f *Feed) Subscribe() <-chan Event {
	ch := make(chan Event, 256)
	f.subMu.Lock()
	f.eventSubs = append(f.eventSubs, ch)
	f.subMu.Unlock()
	return ch
}

// SubscribeCandles returns a channel of completed candles for one
// symbol and interval.
func (f *Feed) SubscribeCandles(symbol string, interval Interval) <-chan *Candle {
	key := fmt.Sprintf("%s:%s", symbol, interval)
	ch := make(chan *Candle, 100)

	f.subMu.Lock()
	f.candleSub[key] = append(f.candleSub[key], ch)
	f.subMu.Unlock()

	return ch
}

func (f *Feed) emit(ev Event) {
	f.subMu.RLock()
	subs := f.eventSubs
	f.subMu.RUnlock()

	f.totalEvents.Add(1)
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			f.dropped.Add(1)
		}
	}

	if f.nc != nil && ev.Type != EventTradeExecuted {
		if data, err := json.Marshal(ev); err == nil {
			f.nc.Publish("stocksimx.events", data)
		}
	}
}

func (f *Feed) processTrades() {
	defer f.wg.Done()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			// Drain what is left so short runs still produce candles.
			f.drainTradeBuffer()
			return
		case <-ticker.C:
			f.drainTradeBuffer()
		}
	}
}

func (f *Feed) drainTradeBuffer() {
	f.tradesMu.Lock()
	if len(f.trades) == 0 {
		f.tradesMu.Unlock()
		return
	}
	trades := f.trades
	f.trades = make([]market.Trade, 0, 1000)
	f.tradesMu.Unlock()

	for i := range trades {
		f.updateCandles(&trades[i])
	}
}

func (f *Feed) updateCandles(trade *market.Trade) {
	price := trade.Price.InexactFloat64()
	size := float64(trade.Quantity)

	f.candlesMu.Lock()
	defer f.candlesMu.Unlock()

	if f.candles[trade.Symbol] == nil {
		f.candles[trade.Symbol] = make(map[Interval]*Candle)
	}

	for _, interval := range AllIntervals() {
		candle := f.candles[trade.Symbol][interval]

		openTime := candleOpenTime(trade.Executed, interval)
		closeTime := openTime.Add(interval.Duration())

		if candle == nil || !candle.OpenTime.Equal(openTime) {
			if candle != nil && !candle.Complete {
				candle.Complete = true
				f.publishCandle(candle)
			}

			candle = &Candle{
				Symbol:    trade.Symbol,
				Interval:  interval,
				OpenTime:  openTime,
				CloseTime: closeTime,
				Open:      price,
				High:      price,
				Low:       price,
				Close:     price,
				Volume:    size,
				Trades:    1,
			}
			f.candles[trade.Symbol][interval] = candle
			f.totalCandles.Add(1)
		} else {
			candle.High = math.Max(candle.High, price)
			candle.Low = math.Min(candle.Low, price)
			candle.Close = price
			candle.Volume += size
			candle.Trades++
		}
	}
}

func (f *Feed) completeLoop(interval Interval) {
	defer f.wg.Done()

	ticker := time.NewTicker(interval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			f.completeCandles(interval)
		}
	}
}

func (f *Feed) completeCandles(interval Interval) {
	f.candlesMu.Lock()
	defer f.candlesMu.Unlock()

	now := time.Now()

	for _, intervalCandles := range f.candles {
		candle := intervalCandles[interval]
		if candle != nil && !candle.Complete && now.After(candle.CloseTime) {
			candle.Complete = true
			f.publishCandle(candle)
			delete(intervalCandles, interval)
		}
	}
}

func candleOpenTime(t time.Time, interval Interval) time.Time {
	intervalSeconds := int64(interval.Duration().Seconds())
	aligned := (t.Unix() / intervalSeconds) * intervalSeconds
	return time.Unix(aligned, 0)
}

// publishCandle is called with candlesMu held.
func (f *Feed) publishCandle(candle *Candle) {
	key := fmt.Sprintf("%s:%s", candle.Symbol, candle.Interval)

	f.subMu.RLock()
	subs := f.candleSub[key]
	f.subMu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- candle:
		default:
		}
	}

	if f.nc != nil {
		if data, err := json.Marshal(candle); err == nil {
			f.nc.Publish("stocksimx.candles."+candle.Symbol, data)
		}
	}
}

// LatestCandle returns the in-progress candle for one symbol and
// interval, or nil if no trade has opened it yet.
func (f *Feed) LatestCandle(symbol string, interval Interval) *Candle {
	f.candlesMu.RLock()
	defer f.candlesMu.RUnlock()

	if symbolCandles, ok := f.candles[symbol]; ok {
		return symbolCandles[interval]
	}
	return nil
}

// Stats returns feed counters.
func (f *Feed) Stats() map[string]interface{} {
	f.candlesMu.RLock()
	numSymbols := len(f.candles)
	f.candlesMu.RUnlock()

	return map[string]interface{}{
		"total_events":  f.totalEvents.Load(),
		"total_candles": f.totalCandles.Load(),
		"dropped":       f.dropped.Load(),
		"symbols":       numSymbols,
	}
}
