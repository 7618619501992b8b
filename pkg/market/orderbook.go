package market

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// priceKey is a price expressed in integer ticks (cents). Integer keys make
// level lookup and best-price comparison exact; the decimal price on each
// resting order is untouched and is what trades execute at.
type priceKey int64

const priceScale = 2 // two decimals, one tick = $0.01

func toPriceKey(p decimal.Decimal) priceKey {
	return priceKey(p.Shift(priceScale).IntPart())
}

// level is a FIFO queue of resting orders at one price. Index 0 is the oldest
// order and always matches first.
type level struct {
	price  decimal.Decimal
	orders []Order
}

func (l *level) quantity() int64 {
	var total int64
	for _, o := range l.orders {
		total += o.Quantity
	}
	return total
}

// OrderBook holds the resting buy and sell orders for a single symbol.
//
// Both sides are maps from price tick to a FIFO level, with best-price
// tracking through max/min heaps of ticks. Heap entries are removed lazily:
// emptied levels leave a stale key behind which the best-price scan pops and
// discards. Submit and Match serialize on one mutex per book, so a match pass
// always sees a consistent snapshot and different books never contend.
type OrderBook struct {
	symbol string

	mu          sync.Mutex
	bids        map[priceKey]*level
	asks        map[priceKey]*level
	bidHeap     maxPriceHeap
	askHeap     minPriceHeap
	lastTradeID uint64

	// signal wakes a waiter parked in WaitForOrders. Capacity one: Submit
	// never blocks and repeated submits coalesce into a single wakeup.
	signal chan struct{}
}

// NewOrderBook creates an empty book for symbol.
func NewOrderBook(symbol string) *OrderBook {
	ob := &OrderBook{
		symbol: symbol,
		bids:   make(map[priceKey]*level),
		asks:   make(map[priceKey]*level),
		signal: make(chan struct{}, 1),
	}
	heap.Init(&ob.bidHeap)
	heap.Init(&ob.askHeap)
	return ob
}

// Symbol returns the symbol this book trades.
func (ob *OrderBook) Symbol() string { return ob.symbol }

// Submit inserts a well-formed order into its side's price level, creating
// the level if absent, and wakes any thread parked in WaitForOrders. It never
// blocks; symbol routing is the caller's job (see Exchange.SubmitOrder).
func (ob *OrderBook) Submit(order Order) {
	key := toPriceKey(order.Price)

	ob.mu.Lock()
	side, h := ob.sideLocked(order.Side)
	lvl, ok := side[key]
	if !ok {
		lvl = &level{price: order.Price}
		side[key] = lvl
		heap.Push(h, key)
	}
	lvl.orders = append(lvl.orders, order)
	ob.mu.Unlock()

	select {
	case ob.signal <- struct{}{}:
	default:
	}
}

func (ob *OrderBook) sideLocked(s Side) (map[priceKey]*level, heap.Interface) {
	if s == Buy {
		return ob.bids, &ob.bidHeap
	}
	return ob.asks, &ob.askHeap
}

// Match crosses resting orders until the book is no longer crossed or one
// side empties, and returns the trades produced.
//
// Best buy and best sell are compared each round; bestBuy < bestSell ends the
// pass (that is the normal terminal condition, not an error). The head order
// of each best level matches FIFO, the trade executes at the resting sell
// order's price, and quantity is the min of the two. A residual stays at the
// front of its level with its original timestamp, so time priority is
// preserved across partial fills. Emptied levels are deleted.
func (ob *OrderBook) Match() []Trade {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	var trades []Trade
	for {
		bidKey, bidLvl, ok := ob.bestLocked(Buy)
		if !ok {
			break
		}
		askKey, askLvl, ok := ob.bestLocked(Sell)
		if !ok {
			break
		}
		if bidKey < askKey {
			break // no cross possible
		}

		buy := bidLvl.orders[0]
		sell := askLvl.orders[0]
		quantity := buy.Quantity
		if sell.Quantity < quantity {
			quantity = sell.Quantity
		}

		ob.lastTradeID++
		trades = append(trades, Trade{
			ID:       ob.lastTradeID,
			Symbol:   ob.symbol,
			Buyer:    buy.TraderID,
			Seller:   sell.TraderID,
			Quantity: quantity,
			Price:    sell.Price, // resting sell price wins, deterministically
			Executed: time.Now(),
		})

		// Replace the head with its residual, or pop it. The residual keeps
		// its slot (and CreatedAt), outranking later arrivals at this price.
		if rest := buy.Quantity - quantity; rest > 0 {
			bidLvl.orders[0] = buy.withQuantity(rest)
		} else {
			bidLvl.orders = bidLvl.orders[1:]
		}
		if rest := sell.Quantity - quantity; rest > 0 {
			askLvl.orders[0] = sell.withQuantity(rest)
		} else {
			askLvl.orders = askLvl.orders[1:]
		}

		if len(bidLvl.orders) == 0 {
			delete(ob.bids, bidKey)
		}
		if len(askLvl.orders) == 0 {
			delete(ob.asks, askKey)
		}
	}
	return trades
}

// bestLocked returns the best non-empty level on a side, popping stale heap
// keys left behind by removed levels. Caller holds ob.mu.
func (ob *OrderBook) bestLocked(s Side) (priceKey, *level, bool) {
	side, h := ob.sideLocked(s)
	for h.Len() > 0 {
		var key priceKey
		if s == Buy {
			key = ob.bidHeap.Peek()
		} else {
			key = ob.askHeap.Peek()
		}
		if lvl, ok := side[key]; ok && len(lvl.orders) > 0 {
			return key, lvl, true
		}
		heap.Pop(h)
	}
	return 0, nil, false
}

// WaitForOrders parks the caller until an order is submitted or the timeout
// elapses, then reports whether any orders rest in the book. If the book is
// non-empty it returns true immediately. The re-check loop makes the wait
// safe against stale wakeups from earlier submits.
func (ob *OrderBook) WaitForOrders(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if ob.hasOrders() {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ob.hasOrders()
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ob.signal:
			timer.Stop()
		case <-timer.C:
			return ob.hasOrders()
		}
	}
}

func (ob *OrderBook) hasOrders() bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return len(ob.bids) > 0 || len(ob.asks) > 0
}

// Depth returns the number of populated price levels on each side.
func (ob *OrderBook) Depth() (bidLevels, askLevels int) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return len(ob.bids), len(ob.asks)
}

// BestBid returns the highest resting buy price, if any.
func (ob *OrderBook) BestBid() (decimal.Decimal, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if _, lvl, ok := ob.bestLocked(Buy); ok {
		return lvl.price, true
	}
	return decimal.Decimal{}, false
}

// BestAsk returns the lowest resting sell price, if any.
func (ob *OrderBook) BestAsk() (decimal.Decimal, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if _, lvl, ok := ob.bestLocked(Sell); ok {
		return lvl.price, true
	}
	return decimal.Decimal{}, false
}

// LevelSnapshot is one price level in a book snapshot.
type LevelSnapshot struct {
	Price    decimal.Decimal `json:"price"`
	Orders   int             `json:"orders"`
	Quantity int64           `json:"quantity"`
}

// BookSnapshot is a point-in-time view of both sides, bids descending and
// asks ascending.
type BookSnapshot struct {
	Symbol string          `json:"symbol"`
	Bids   []LevelSnapshot `json:"bids"`
	Asks   []LevelSnapshot `json:"asks"`
	Taken  time.Time       `json:"taken"`
}

// Snapshot captures the current book for diagnostics and market data feeds.
func (ob *OrderBook) Snapshot() BookSnapshot {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	snap := BookSnapshot{Symbol: ob.symbol, Taken: time.Now()}
	snap.Bids = collectLevels(ob.bids, true)
	snap.Asks = collectLevels(ob.asks, false)
	return snap
}

func collectLevels(side map[priceKey]*level, descending bool) []LevelSnapshot {
	keys := make([]priceKey, 0, len(side))
	for k := range side {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if descending {
			return keys[i] > keys[j]
		}
		return keys[i] < keys[j]
	})

	levels := make([]LevelSnapshot, 0, len(keys))
	for _, k := range keys {
		lvl := side[k]
		levels = append(levels, LevelSnapshot{
			Price:    lvl.price,
			Orders:   len(lvl.orders),
			Quantity: lvl.quantity(),
		})
	}
	return levels
}

// String renders the book the way the status reporter prints it.
func (s BookSnapshot) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "=== ORDER BOOK: %s ===\n", s.Symbol)
	sb.WriteString("SELL ORDERS (Ask):\n")
	for _, lvl := range s.Asks {
		fmt.Fprintf(&sb, "  $%s: %d orders, %d shares\n", lvl.Price.StringFixed(2), lvl.Orders, lvl.Quantity)
	}
	sb.WriteString("--- SPREAD ---\n")
	sb.WriteString("BUY ORDERS (Bid):\n")
	for _, lvl := range s.Bids {
		fmt.Fprintf(&sb, "  $%s: %d orders, %d shares\n", lvl.Price.StringFixed(2), lvl.Orders, lvl.Quantity)
	}
	return sb.String()
}

// Price heaps track the best tick per side. Stale keys are tolerated and
// skipped by bestLocked.

type maxPriceHeap []priceKey

func (h maxPriceHeap) Len() int           { return len(h) }
func (h maxPriceHeap) Less(i, j int) bool { return h[i] > h[j] }
func (h maxPriceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h maxPriceHeap) Peek() priceKey     { return h[0] }

func (h *maxPriceHeap) Push(x interface{}) {
	*h = append(*h, x.(priceKey))
}

func (h *maxPriceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type minPriceHeap []priceKey

func (h minPriceHeap) Len() int           { return len(h) }
func (h minPriceHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h minPriceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h minPriceHeap) Peek() priceKey     { return h[0] }

func (h *minPriceHeap) Push(x interface{}) {
	*h = append(*h, x.(priceKey))
}

func (h *minPriceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
