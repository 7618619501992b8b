package market

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustOrder(t *testing.T, trader string, side Side, qty int64, price string) Order {
	t.Helper()
	o, err := NewOrder(trader, "AAPL", side, qty, decimal.RequireFromString(price))
	require.NoError(t, err)
	return o
}

func TestOrderBookPartialFill(t *testing.T) {
	book := NewOrderBook("AAPL")

	book.Submit(mustOrder(t, "t1", Buy, 100, "10.00"))
	book.Submit(mustOrder(t, "t2", Sell, 60, "9.50"))

	trades := book.Match()
	require.Len(t, trades, 1)
	assert.Equal(t, int64(60), trades[0].Quantity)
	assert.True(t, trades[0].Price.Equal(decimal.RequireFromString("9.50")),
		"trade executes at the resting sell price, got %s", trades[0].Price)
	assert.Equal(t, "t1", trades[0].Buyer)
	assert.Equal(t, "t2", trades[0].Seller)

	// Residual buy of 40 rests at $10.00, sell side empty.
	bidLevels, askLevels := book.Depth()
	assert.Equal(t, 1, bidLevels)
	assert.Equal(t, 0, askLevels)

	snap := book.Snapshot()
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, int64(40), snap.Bids[0].Quantity)
	assert.True(t, snap.Bids[0].Price.Equal(decimal.RequireFromString("10.00")))
}

func TestOrderBookNoCross(t *testing.T) {
	book := NewOrderBook("AAPL")

	book.Submit(mustOrder(t, "t1", Buy, 50, "10.00"))
	book.Submit(mustOrder(t, "t2", Sell, 50, "10.50"))

	trades := book.Match()
	assert.Empty(t, trades)

	// Both orders keep resting.
	bidLevels, askLevels := book.Depth()
	assert.Equal(t, 1, bidLevels)
	assert.Equal(t, 1, askLevels)
}

func TestOrderBookEmptyMatch(t *testing.T) {
	book := NewOrderBook("AAPL")
	assert.Empty(t, book.Match())

	// Still empty, still idempotent.
	assert.Empty(t, book.Match())
	bidLevels, askLevels := book.Depth()
	assert.Zero(t, bidLevels)
	assert.Zero(t, askLevels)
}

func TestOrderBookTimePriority(t *testing.T) {
	book := NewOrderBook("AAPL")

	first := mustOrder(t, "early", Buy, 100, "10.00")
	second := mustOrder(t, "late", Buy, 100, "10.00")
	book.Submit(first)
	book.Submit(second)
	book.Submit(mustOrder(t, "seller", Sell, 60, "10.00"))

	trades := book.Match()
	require.Len(t, trades, 1)
	assert.Equal(t, "early", trades[0].Buyer, "oldest order at the level fills first")

	// The later order is untouched.
	snap := book.Snapshot()
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, int64(140), snap.Bids[0].Quantity)
	assert.Equal(t, 2, snap.Bids[0].Orders)
}

func TestResidualKeepsPriority(t *testing.T) {
	book := NewOrderBook("AAPL")

	book.Submit(mustOrder(t, "early", Buy, 100, "10.00"))
	book.Submit(mustOrder(t, "late", Buy, 50, "10.00"))

	// Partially fill the earlier order: its residual of 70 must stay ahead
	// of the later order and keep its original timestamp.
	book.Submit(mustOrder(t, "s1", Sell, 30, "10.00"))
	trades := book.Match()
	require.Len(t, trades, 1)
	assert.Equal(t, "early", trades[0].Buyer)

	book.Submit(mustOrder(t, "s2", Sell, 80, "10.00"))
	trades = book.Match()
	require.Len(t, trades, 2)
	assert.Equal(t, "early", trades[0].Buyer)
	assert.Equal(t, int64(70), trades[0].Quantity)
	assert.Equal(t, "late", trades[1].Buyer)
	assert.Equal(t, int64(10), trades[1].Quantity)
}

func TestPricePriorityAcrossLevels(t *testing.T) {
	book := NewOrderBook("AAPL")

	book.Submit(mustOrder(t, "low", Buy, 10, "9.00"))
	book.Submit(mustOrder(t, "high", Buy, 10, "11.00"))
	book.Submit(mustOrder(t, "cheap", Sell, 15, "8.00"))
	book.Submit(mustOrder(t, "dear", Sell, 10, "10.00"))

	trades := book.Match()
	require.Len(t, trades, 2)

	// Best buy crosses best (cheapest) sell first.
	assert.Equal(t, "high", trades[0].Buyer)
	assert.Equal(t, "cheap", trades[0].Seller)
	assert.Equal(t, int64(10), trades[0].Quantity)
	assert.True(t, trades[0].Price.Equal(decimal.RequireFromString("8.00")))

	// The cheap seller's residual then crosses the remaining bid.
	assert.Equal(t, "low", trades[1].Buyer)
	assert.Equal(t, "cheap", trades[1].Seller)
	assert.Equal(t, int64(5), trades[1].Quantity)
}

func TestNoCrossedBookAfterMatch(t *testing.T) {
	book := NewOrderBook("AAPL")

	prices := []string{"9.80", "10.00", "10.20", "9.90", "10.10"}
	for i, p := range prices {
		book.Submit(mustOrder(t, "b", Buy, int64(10*(i+1)), p))
		book.Submit(mustOrder(t, "s", Sell, int64(5*(i+1)), p))
	}
	book.Match()

	bestBid, haveBid := book.BestBid()
	bestAsk, haveAsk := book.BestAsk()
	if haveBid && haveAsk {
		assert.True(t, bestBid.LessThan(bestAsk),
			"book crossed after match: bid %s >= ask %s", bestBid, bestAsk)
	}
}

func TestQuantityConservation(t *testing.T) {
	book := NewOrderBook("AAPL")

	var submittedBuy, submittedSell int64
	for i := 0; i < 10; i++ {
		book.Submit(mustOrder(t, "b", Buy, 100, "10.00"))
		submittedBuy += 100
	}
	for i := 0; i < 7; i++ {
		book.Submit(mustOrder(t, "s", Sell, 100, "10.00"))
		submittedSell += 100
	}

	var traded int64
	for _, tr := range book.Match() {
		traded += tr.Quantity
	}
	assert.Equal(t, int64(700), traded)

	var restingBuy, restingSell int64
	snap := book.Snapshot()
	for _, lvl := range snap.Bids {
		restingBuy += lvl.Quantity
	}
	for _, lvl := range snap.Asks {
		restingSell += lvl.Quantity
	}
	assert.Equal(t, submittedBuy, traded+restingBuy, "buy quantity leaked or duplicated")
	assert.Equal(t, submittedSell, traded+restingSell, "sell quantity leaked or duplicated")
}

func TestWaitForOrdersTimesOut(t *testing.T) {
	book := NewOrderBook("AAPL")

	start := time.Now()
	got := book.WaitForOrders(30 * time.Millisecond)
	assert.False(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWaitForOrdersWakesOnSubmit(t *testing.T) {
	book := NewOrderBook("AAPL")

	done := make(chan bool, 1)
	go func() {
		done <- book.WaitForOrders(2 * time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	book.Submit(mustOrder(t, "t1", Buy, 10, "10.00"))

	select {
	case got := <-done:
		assert.True(t, got)
	case <-time.After(time.Second):
		t.Fatal("WaitForOrders did not wake on submit")
	}
}

func TestWaitForOrdersNonEmptyBook(t *testing.T) {
	book := NewOrderBook("AAPL")
	book.Submit(mustOrder(t, "t1", Buy, 10, "10.00"))

	start := time.Now()
	assert.True(t, book.WaitForOrders(time.Second))
	assert.Less(t, time.Since(start), 500*time.Millisecond, "non-empty book must not block")
}

func TestConcurrentSubmitAndMatch(t *testing.T) {
	book := NewOrderBook("AAPL")

	const producers = 8
	const ordersEach = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			side := Buy
			if p%2 == 1 {
				side = Sell
			}
			for i := 0; i < ordersEach; i++ {
				book.Submit(mustOrder(t, "t", side, 10, "10.00"))
			}
		}(p)
	}

	var traded int64
	matchDone := make(chan struct{})
	go func() {
		defer close(matchDone)
		for i := 0; i < 100; i++ {
			for _, tr := range book.Match() {
				traded += tr.Quantity
			}
			time.Sleep(time.Millisecond)
		}
	}()

	wg.Wait()
	<-matchDone
	for _, tr := range book.Match() {
		traded += tr.Quantity
	}

	// Equal buy and sell flow at one price: everything crosses.
	assert.Equal(t, int64(producers/2*ordersEach*10), traded)

	bidLevels, askLevels := book.Depth()
	assert.Zero(t, bidLevels)
	assert.Zero(t, askLevels)
}

func TestOrderValidation(t *testing.T) {
	_, err := NewOrder("t", "AAPL", Buy, 0, decimal.NewFromInt(10))
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = NewOrder("t", "AAPL", Sell, 10, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidPrice)

	_, err = NewOrder("t", "AAPL", Sell, 10, decimal.NewFromInt(-5))
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestOrderRejectsOffTickPrices(t *testing.T) {
	// Books key levels at whole cents. Sub-cent prices would collapse onto
	// the same level, so a 10.004 bid against a 10.009 ask would wrongly
	// trade even though the bid is below the ask.
	_, err := NewOrder("t", "AAPL", Buy, 10, decimal.RequireFromString("10.004"))
	assert.ErrorIs(t, err, ErrOffTickPrice)

	_, err = NewOrder("t", "AAPL", Sell, 10, decimal.RequireFromString("10.009"))
	assert.ErrorIs(t, err, ErrOffTickPrice)

	// Trailing zeros beyond the cent are the same exact value, not a finer
	// tick.
	o, err := NewOrder("t", "AAPL", Buy, 10, decimal.RequireFromString("10.0400"))
	require.NoError(t, err)
	assert.True(t, o.Price.Equal(decimal.RequireFromString("10.04")))
}

func TestAdjacentTicksDoNotCross(t *testing.T) {
	book := NewOrderBook("AAPL")
	book.Submit(mustOrder(t, "b", Buy, 10, "10.00"))
	book.Submit(mustOrder(t, "s", Sell, 10, "10.01"))

	assert.Empty(t, book.Match(), "bid below ask must never trade")

	bid, ok := book.BestBid()
	require.True(t, ok)
	ask, ok := book.BestAsk()
	require.True(t, ok)
	assert.True(t, bid.LessThan(ask))
}

func TestSnapshotOrdering(t *testing.T) {
	book := NewOrderBook("AAPL")
	book.Submit(mustOrder(t, "t", Buy, 10, "9.00"))
	book.Submit(mustOrder(t, "t", Buy, 10, "10.00"))
	book.Submit(mustOrder(t, "t", Sell, 10, "11.00"))
	book.Submit(mustOrder(t, "t", Sell, 10, "12.00"))

	snap := book.Snapshot()
	require.Len(t, snap.Bids, 2)
	require.Len(t, snap.Asks, 2)
	assert.True(t, snap.Bids[0].Price.GreaterThan(snap.Bids[1].Price), "bids descend")
	assert.True(t, snap.Asks[0].Price.LessThan(snap.Asks[1].Price), "asks ascend")
	assert.Contains(t, snap.String(), "ORDER BOOK: AAPL")
}
