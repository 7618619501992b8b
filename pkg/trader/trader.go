package trader

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/Rugved7/StockSimX/pkg/market"
)

// Policy tunes the random order flow a trader produces.
type Policy struct {
	MaxOrders int           // orders placed before the trader retires
	MinDelay  time.Duration // think time between orders
	MaxDelay  time.Duration

	// QuantityLots: order quantity is a uniform 1..QuantityLots round lots.
	QuantityLots int
	LotSize      int64
}

// DefaultPolicy mirrors the classic simulation parameters.
func DefaultPolicy() Policy {
	return Policy{
		MaxOrders:    8,
		MinDelay:     100 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		QuantityLots: 10,
		LotSize:      100,
	}
}

// Trader is one autonomous producer. It quotes around the stock's current
// price with a gaussian perturbation, shading buys slightly down and sells
// slightly up so the books cross often enough to be interesting.
type Trader struct {
	id       string
	exchange *market.Exchange
	symbols  []string
	policy   Policy
	barrier  *CycleBarrier
	logger   log.Logger
	rng      *rand.Rand

	ordersPlaced atomic.Int32
	active       atomic.Bool
}

// New creates a trader bound to the exchange's symbol universe.
func New(id string, exchange *market.Exchange, barrier *CycleBarrier, policy Policy, logger log.Logger) *Trader {
	if policy.MaxOrders <= 0 {
		policy = DefaultPolicy()
	}
	return &Trader{
		id:       id,
		exchange: exchange,
		symbols:  exchange.Symbols(),
		policy:   policy,
		barrier:  barrier,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(len(id)<<32))),
	}
}

// ID returns the trader's identifier.
func (t *Trader) ID() string { return t.id }

// OrdersPlaced returns how many orders this trader has submitted.
func (t *Trader) OrdersPlaced() int {
	return int(t.ordersPlaced.Load())
}

// IsActive reports whether the trader's Run loop is live.
func (t *Trader) IsActive() bool { return t.active.Load() }

// StatusLine renders one line for the periodic status report.
func (t *Trader) StatusLine() string {
	state := "done"
	if t.IsActive() {
		state = "trading"
	}
	return fmt.Sprintf("%s: %d orders placed (%s)", t.id, t.OrdersPlaced(), state)
}

// Run places random orders, one per market cycle, until the order budget is
// exhausted or ctx ends. The barrier aligns the cohort at each cycle; on the
// way out the trader leaves the barrier so the rest keep cycling.
func (t *Trader) Run(ctx context.Context) {
	t.active.Store(true)
	defer t.active.Store(false)
	if t.barrier != nil {
		defer t.barrier.Leave()
	}

	t.logger.Info("trader started", "trader", t.id)
	defer func() {
		t.logger.Info("trader finished", "trader", t.id, "orders", t.OrdersPlaced())
	}()

	for int(t.ordersPlaced.Load()) < t.policy.MaxOrders {
		if t.barrier != nil {
			if err := t.barrier.Await(ctx); err != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		// Only accepted orders consume budget; a failed attempt retries
		// after the usual think time.
		if t.placeRandomOrder() {
			t.ordersPlaced.Add(1)
		}

		if !sleepCtx(ctx, t.thinkTime()) {
			return
		}
	}
}

// placeRandomOrder builds and submits one random order, reporting whether the
// exchange accepted it. Failures are logged and dropped; a producer never
// aborts the cohort.
func (t *Trader) placeRandomOrder() bool {
	symbol := t.symbols[t.rng.Intn(len(t.symbols))]
	side := market.Buy
	if t.rng.Intn(2) == 1 {
		side = market.Sell
	}
	quantity := int64(t.rng.Intn(t.policy.QuantityLots)+1) * t.policy.LotSize

	base, err := t.exchange.Quote(symbol)
	if err != nil {
		t.logger.Error("no quote for symbol", "trader", t.id, "symbol", symbol, "error", err)
		return false
	}
	price := base.Mul(decimal.NewFromFloat(1 + t.priceVariation(side))).Round(2)
	if price.LessThan(market.MinPrice) {
		price = market.MinPrice
	}

	order, err := market.NewOrder(t.id, symbol, side, quantity, price)
	if err != nil {
		t.logger.Error("order rejected", "trader", t.id, "error", err)
		return false
	}
	if err := t.exchange.SubmitOrder(order); err != nil {
		t.logger.Error("submit failed", "trader", t.id, "symbol", symbol, "error", err)
		return false
	}
	t.logger.Debug("order placed", "trader", t.id, "order", order.String())
	return true
}

// priceVariation is a ~2% gaussian move, shaded so buys land a touch below
// the market and sells a touch above.
func (t *Trader) priceVariation(side market.Side) float64 {
	v := t.rng.NormFloat64() * 0.02
	if side == market.Buy {
		return v - t.rng.Float64()*0.01
	}
	return v + t.rng.Float64()*0.01
}

func (t *Trader) thinkTime() time.Duration {
	if t.policy.MaxDelay <= t.policy.MinDelay {
		return t.policy.MinDelay
	}
	spread := t.policy.MaxDelay - t.policy.MinDelay
	return t.policy.MinDelay + time.Duration(t.rng.Int63n(int64(spread)))
}

// sleepCtx sleeps for d, reporting false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
