// Package market implements the core of the exchange simulation: per-symbol
// order books with price-time priority matching, thread-safe stock state, and
// the matching engine that drives crossing across all symbols.
package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents order side (buy/sell)
type Side int

const (
	Buy Side = iota
	Sell
)

// Opposite returns the other side of the market.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// Errors
var (
	ErrUnknownSymbol   = fmt.Errorf("unknown symbol")
	ErrInvalidQuantity = fmt.Errorf("quantity must be positive")
	ErrInvalidPrice    = fmt.Errorf("price must be positive")
	ErrOffTickPrice    = fmt.Errorf("price is finer than the minimum tick")
)

// MinPrice is the minimum tick a price can ever take. Stock prices and
// order prices are floored here, never allowed to reach zero.
var MinPrice = decimal.New(1, -2) // 0.01

// Order is an immutable limit order. Once constructed it is never mutated;
// partial fills produce a residual copy via withQuantity that keeps the
// original CreatedAt so time priority survives the split.
type Order struct {
	TraderID  string
	Symbol    string
	Side      Side
	Quantity  int64
	Price     decimal.Decimal
	CreatedAt time.Time
}

// NewOrder validates and builds an order stamped with the current time.
func NewOrder(traderID, symbol string, side Side, quantity int64, price decimal.Decimal) (Order, error) {
	if quantity <= 0 {
		return Order{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}
	if price.Sign() <= 0 {
		return Order{}, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}
	// Books key price levels at whole-cent ticks; admitting a finer price
	// would silently collapse distinct prices onto one level and let an
	// uncrossed book trade. Rejected here so every resting order is exact.
	if !price.Equal(price.Truncate(priceScale)) {
		return Order{}, fmt.Errorf("%w: %s", ErrOffTickPrice, price)
	}
	return Order{
		TraderID:  traderID,
		Symbol:    symbol,
		Side:      side,
		Quantity:  quantity,
		Price:     price,
		CreatedAt: time.Now(),
	}, nil
}

// withQuantity returns the residual of a partially filled order. The copy
// keeps CreatedAt: the remainder goes back to the front of its price level
// and must outrank orders that arrived after the original.
func (o Order) withQuantity(quantity int64) Order {
	o.Quantity = quantity
	return o
}

func (o Order) String() string {
	return fmt.Sprintf("%s wants to %s %d %s at $%s",
		o.TraderID, o.Side, o.Quantity, o.Symbol, o.Price.StringFixed(2))
}

// Trade is one executed cross between a resting buy and a resting sell.
type Trade struct {
	ID       uint64
	Symbol   string
	Buyer    string
	Seller   string
	Quantity int64
	Price    decimal.Decimal
	Executed time.Time
}

// Notional returns price * quantity.
func (t Trade) Notional() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

func (t Trade) String() string {
	return fmt.Sprintf("%s bought %d %s from %s at $%s",
		t.Buyer, t.Quantity, t.Symbol, t.Seller, t.Price.StringFixed(2))
}

// Config carries the plain values the bootstrap layer hands to the core.
type Config struct {
	Symbols       []string
	InitialPrices map[string]decimal.Decimal

	MatchInterval time.Duration // pause between matching cycles
	CycleDeadline time.Duration // hard wall-clock budget for one cycle
	PerBookWait   time.Duration // per-symbol wait for new orders inside a cycle
	ShutdownGrace time.Duration // how long Stop waits for the worker pool

	Workers int // bounded worker pool size shared by all symbols
}

// DefaultConfig mirrors the classic simulation universe.
func DefaultConfig() Config {
	return Config{
		Symbols: []string{"AAPL", "GOOGL", "TSLA", "MSFT"},
		InitialPrices: map[string]decimal.Decimal{
			"AAPL":  decimal.NewFromInt(150),
			"GOOGL": decimal.NewFromInt(2800),
			"TSLA":  decimal.NewFromInt(250),
			"MSFT":  decimal.NewFromInt(300),
		},
		MatchInterval: 200 * time.Millisecond,
		CycleDeadline: 1 * time.Second,
		PerBookWait:   100 * time.Millisecond,
		ShutdownGrace: 5 * time.Second,
		Workers:       4,
	}
}

// withDefaults fills zero values so a partially populated Config is usable.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if len(c.Symbols) == 0 {
		c.Symbols = def.Symbols
		if c.InitialPrices == nil {
			c.InitialPrices = def.InitialPrices
		}
	}
	if c.MatchInterval <= 0 {
		c.MatchInterval = def.MatchInterval
	}
	if c.CycleDeadline <= 0 {
		c.CycleDeadline = def.CycleDeadline
	}
	if c.PerBookWait <= 0 {
		c.PerBookWait = def.PerBookWait
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = def.ShutdownGrace
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	return c
}
