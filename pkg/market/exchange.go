package market

import (
	"fmt"
	"sort"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// Exchange owns the symbol universe: one OrderBook and one Stock per symbol.
// The maps are built once and never mutated afterward, so lookups are safe
// without locking. Routing errors stop here; a book never sees an order for
// a symbol it does not trade.
type Exchange struct {
	logger log.Logger
	books  map[string]*OrderBook
	stocks map[string]*Stock

	symbols []string // sorted, for deterministic iteration

	// OnOrder, when set, observes every accepted order. OnReject observes
	// orders refused by routing. Set both before any producer starts
	// submitting.
	OnOrder  func(Order)
	OnReject func(Order, error)
}

// NewExchange builds books and stocks from the configured universe.
func NewExchange(cfg Config, logger log.Logger) (*Exchange, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("exchange needs at least one symbol")
	}

	e := &Exchange{
		logger: logger,
		books:  make(map[string]*OrderBook, len(cfg.Symbols)),
		stocks: make(map[string]*Stock, len(cfg.Symbols)),
	}
	for _, sym := range cfg.Symbols {
		if _, dup := e.books[sym]; dup {
			return nil, fmt.Errorf("duplicate symbol %q", sym)
		}
		initial, ok := cfg.InitialPrices[sym]
		if !ok || initial.Sign() <= 0 {
			return nil, fmt.Errorf("%w for %s: missing or non-positive initial price", ErrInvalidPrice, sym)
		}
		e.books[sym] = NewOrderBook(sym)
		e.stocks[sym] = NewStock(sym, initial)
		e.symbols = append(e.symbols, sym)
		logger.Info("listed stock", "symbol", sym, "price", initial.StringFixed(2))
	}
	sort.Strings(e.symbols)
	return e, nil
}

// SubmitOrder routes an order to its book. Unknown symbols are rejected
// before reaching any book.
func (e *Exchange) SubmitOrder(order Order) error {
	book, ok := e.books[order.Symbol]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownSymbol, order.Symbol)
		if e.OnReject != nil {
			e.OnReject(order, err)
		}
		return err
	}
	book.Submit(order)
	if e.OnOrder != nil {
		e.OnOrder(order)
	}
	return nil
}

// Book returns the order book for a symbol.
func (e *Exchange) Book(symbol string) (*OrderBook, bool) {
	b, ok := e.books[symbol]
	return b, ok
}

// Stock returns the stock state for a symbol.
func (e *Exchange) Stock(symbol string) (*Stock, bool) {
	s, ok := e.stocks[symbol]
	return s, ok
}

// Symbols returns the traded symbols in sorted order.
func (e *Exchange) Symbols() []string {
	out := make([]string, len(e.symbols))
	copy(out, e.symbols)
	return out
}

// Quote returns the current stock price for a symbol.
func (e *Exchange) Quote(symbol string) (decimal.Decimal, error) {
	s, ok := e.stocks[symbol]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return s.Price(), nil
}

// ApplyDrift perturbs every stock price once. Called by the periodic
// price-drift ticker.
func (e *Exchange) ApplyDrift() {
	for _, s := range e.stocks {
		s.ApplyDrift()
	}
}
