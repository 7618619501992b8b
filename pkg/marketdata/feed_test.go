package marketdata

import (
	"sync"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rugved7/StockSimX/pkg/market"
)

func testFeed(t *testing.T) *Feed {
	t.Helper()
	level, _ := log.ToLevel("error")
	return NewFeed(log.NewTestLogger(level), nil)
}

func sampleTrade(symbol string, price float64, qty int64, at time.Time) market.Trade {
	return market.Trade{
		ID:       1,
		Symbol:   symbol,
		Buyer:    "Trader-1",
		Seller:   "Trader-2",
		Quantity: qty,
		Price:    decimal.NewFromFloat(price),
		Executed: at,
	}
}

func TestFeedDeliversEvents(t *testing.T) {
	feed := testFeed(t)
	events := feed.Subscribe()

	order, err := market.NewOrder("Trader-1", "AAPL", market.Buy, 100, decimal.NewFromInt(150))
	require.NoError(t, err)

	feed.PublishOrder(order)
	feed.PublishTrade(sampleTrade("AAPL", 150, 100, time.Now()))
	feed.PublishCycleTimeout(2)
	feed.PublishEngineState(true)

	expect := []EventType{
		EventOrderSubmitted,
		EventTradeExecuted,
		EventCycleTimeout,
		EventEngineStarted,
	}
	for _, want := range expect {
		select {
		case ev := <-events:
			assert.Equal(t, want, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", want)
		}
	}
}

func TestFeedDropsWhenSubscriberFull(t *testing.T) {
	feed := testFeed(t)
	feed.Subscribe() // never read

	for i := 0; i < 300; i++ {
		feed.PublishCycleTimeout(1)
	}

	stats := feed.Stats()
	assert.Equal(t, uint64(300), stats["total_events"])
	assert.Greater(t, stats["dropped"].(uint64), uint64(0))
}

func TestFeedConcurrentPublish(t *testing.T) {
	feed := testFeed(t)
	events := feed.Subscribe()

	// Drain continuously so publishers and a reader contend on the
	// subscriber list at the same time.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-events:
			case <-stop:
				return
			}
		}
	}()

	const publishers = 8
	const perPublisher = 200
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				feed.PublishCycleTimeout(1)
			}
		}()
	}
	wg.Wait()

	stats := feed.Stats()
	delivered := stats["total_events"].(uint64) - stats["dropped"].(uint64)
	assert.Equal(t, uint64(publishers*perPublisher), stats["total_events"])
	assert.LessOrEqual(t, delivered, uint64(publishers*perPublisher))
}

func TestFeedBuildsCandles(t *testing.T) {
	feed := testFeed(t)

	now := time.Now()
	feed.PublishTrade(sampleTrade("AAPL", 150.00, 100, now))
	feed.PublishTrade(sampleTrade("AAPL", 151.50, 200, now))
	feed.PublishTrade(sampleTrade("AAPL", 149.25, 100, now))

	feed.drainTradeBuffer()

	candle := feed.LatestCandle("AAPL", Interval1m)
	require.NotNil(t, candle)
	assert.Equal(t, 150.00, candle.Open)
	assert.Equal(t, 151.50, candle.High)
	assert.Equal(t, 149.25, candle.Low)
	assert.Equal(t, 149.25, candle.Close)
	assert.Equal(t, 400.0, candle.Volume)
	assert.Equal(t, 3, candle.Trades)
	assert.False(t, candle.Complete)
}

func TestFeedRollsCandleAcrossBoundary(t *testing.T) {
	feed := testFeed(t)

	completed := feed.SubscribeCandles("TSLA", Interval1s)

	base := time.Unix(time.Now().Unix(), 0)
	feed.PublishTrade(sampleTrade("TSLA", 250, 100, base))
	feed.PublishTrade(sampleTrade("TSLA", 252, 100, base.Add(1500*time.Millisecond)))
	feed.drainTradeBuffer()

	select {
	case candle := <-completed:
		assert.True(t, candle.Complete)
		assert.Equal(t, 250.0, candle.Open)
		assert.Equal(t, 250.0, candle.Close)
	case <-time.After(time.Second):
		t.Fatal("boundary crossing did not complete the first candle")
	}

	current := feed.LatestCandle("TSLA", Interval1s)
	require.NotNil(t, current)
	assert.Equal(t, 252.0, current.Open)
}

func TestFeedCandleIntervalsIsolated(t *testing.T) {
	feed := testFeed(t)

	now := time.Now()
	feed.PublishTrade(sampleTrade("MSFT", 300, 100, now))
	feed.drainTradeBuffer()

	for _, interval := range AllIntervals() {
		candle := feed.LatestCandle("MSFT", interval)
		require.NotNil(t, candle, "interval %s", interval)
		assert.Equal(t, interval, candle.Interval)
		assert.Equal(t, 300.0, candle.Open)
	}
	assert.Nil(t, feed.LatestCandle("AAPL", Interval1m))
}

func TestFeedStartStop(t *testing.T) {
	feed := testFeed(t)
	require.NoError(t, feed.Start())

	feed.PublishTrade(sampleTrade("AAPL", 150, 100, time.Now()))
	feed.Stop()

	// Stop drains the buffer, so the trade is aggregated.
	candle := feed.LatestCandle("AAPL", Interval1m)
	require.NotNil(t, candle)
	assert.Equal(t, 1, candle.Trades)
}
