package trader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rugved7/StockSimX/pkg/market"
)

func testExchange(t *testing.T) *market.Exchange {
	t.Helper()
	level, _ := log.ToLevel("error")
	logger := log.NewTestLogger(level)
	ex, err := market.NewExchange(market.Config{
		Symbols: []string{"AAPL", "TSLA"},
		InitialPrices: map[string]decimal.Decimal{
			"AAPL": decimal.NewFromInt(150),
			"TSLA": decimal.NewFromInt(250),
		},
	}, logger)
	require.NoError(t, err)
	return ex
}

func fastPolicy() Policy {
	return Policy{
		MaxOrders:    5,
		MinDelay:     time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		QuantityLots: 10,
		LotSize:      100,
	}
}

func TestTraderPlacesItsBudget(t *testing.T) {
	ex := testExchange(t)
	level, _ := log.ToLevel("error")
	logger := log.NewTestLogger(level)

	tr := New("Trader-1", ex, nil, fastPolicy(), logger)
	tr.Run(context.Background())

	assert.Equal(t, 5, tr.OrdersPlaced())
	assert.False(t, tr.IsActive())

	// Every order landed in some book.
	var resting int
	for _, sym := range ex.Symbols() {
		book, _ := ex.Book(sym)
		bids, asks := book.Depth()
		resting += bids + asks
	}
	assert.Greater(t, resting, 0)
}

func TestTraderOrdersAreWellFormed(t *testing.T) {
	ex := testExchange(t)
	level, _ := log.ToLevel("error")
	logger := log.NewTestLogger(level)

	var mu sync.Mutex
	var seen []market.Order
	ex.OnOrder = func(o market.Order) {
		mu.Lock()
		seen = append(seen, o)
		mu.Unlock()
	}

	tr := New("Trader-1", ex, nil, fastPolicy(), logger)
	tr.Run(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for _, o := range seen {
		assert.Equal(t, "Trader-1", o.TraderID)
		assert.Greater(t, o.Quantity, int64(0))
		assert.Zero(t, o.Quantity%100, "quantities are round lots")
		assert.True(t, o.Price.GreaterThanOrEqual(market.MinPrice))
		assert.Contains(t, ex.Symbols(), o.Symbol)
	}
}

func TestTraderCountsOnlyAcceptedOrders(t *testing.T) {
	ex := testExchange(t)
	level, _ := log.ToLevel("error")
	logger := log.NewTestLogger(level)

	// A zero lot size makes every quantity zero, so the exchange rejects
	// each attempt. Rejected attempts must not consume the order budget.
	policy := fastPolicy()
	policy.LotSize = 0

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	tr := New("Trader-1", ex, nil, policy, logger)
	tr.Run(ctx)

	assert.Zero(t, tr.OrdersPlaced(), "failed submissions counted against the budget")
}

func TestTraderStopsOnContext(t *testing.T) {
	ex := testExchange(t)
	level, _ := log.ToLevel("error")
	logger := log.NewTestLogger(level)

	policy := fastPolicy()
	policy.MaxOrders = 100000
	policy.MinDelay = 10 * time.Millisecond
	policy.MaxDelay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	tr := New("Trader-1", ex, nil, policy, logger)

	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("trader ignored cancellation")
	}
	assert.Less(t, tr.OrdersPlaced(), policy.MaxOrders)
}

func TestCohortRunsInLockstep(t *testing.T) {
	ex := testExchange(t)
	level, _ := log.ToLevel("error")
	logger := log.NewTestLogger(level)

	const cohort = 4
	barrier := NewCycleBarrier(cohort, nil)

	var wg sync.WaitGroup
	traders := make([]*Trader, cohort)
	for i := 0; i < cohort; i++ {
		traders[i] = New("T", ex, barrier, fastPolicy(), logger)
		wg.Add(1)
		go func(tr *Trader) {
			defer wg.Done()
			tr.Run(context.Background())
		}(traders[i])
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("cohort deadlocked")
	}

	for _, tr := range traders {
		assert.Equal(t, 5, tr.OrdersPlaced())
	}
}
