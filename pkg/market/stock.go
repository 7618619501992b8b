package market

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// driftStdDev is the standard deviation of the zero-mean percentage
// perturbation ApplyDrift applies to the price (~2% moves).
const driftStdDev = 0.02

// Stock is the thread-safe price/volume state for one symbol.
//
// Price reads vastly outnumber writes, so the price sits behind a
// readers-writer lock; cumulative traded volume is a lone atomic counter
// with no compound invariant to protect.
type Stock struct {
	symbol string

	priceMu sync.RWMutex
	price   decimal.Decimal

	volume atomic.Int64

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewStock creates a stock at the given starting price (floored at MinPrice).
func NewStock(symbol string, initial decimal.Decimal) *Stock {
	if initial.LessThan(MinPrice) {
		initial = MinPrice
	}
	return &Stock{
		symbol: symbol,
		price:  initial,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Symbol returns the stock's ticker symbol.
func (s *Stock) Symbol() string { return s.symbol }

// Price returns the latest completed price write.
func (s *Stock) Price() decimal.Decimal {
	s.priceMu.RLock()
	defer s.priceMu.RUnlock()
	return s.price
}

// SetPrice replaces the price, clamped to the MinPrice floor. Readers never
// observe a half-written value.
func (s *Stock) SetPrice(p decimal.Decimal) {
	if p.LessThan(MinPrice) {
		p = MinPrice
	}
	s.priceMu.Lock()
	s.price = p
	s.priceMu.Unlock()
}

// ApplyDrift applies a zero-mean gaussian percentage move to the current
// price. This is the only trade-independent source of price movement; trade
// price discovery is applied separately by the matching engine.
func (s *Stock) ApplyDrift() {
	s.rngMu.Lock()
	pct := s.rng.NormFloat64() * driftStdDev
	s.rngMu.Unlock()

	next := s.Price().Mul(decimal.NewFromFloat(1 + pct)).Round(priceScale)
	s.SetPrice(next)
}

// AddVolume credits traded shares to the cumulative volume. Negative deltas
// are ignored; the counter is monotonically non-decreasing.
func (s *Stock) AddVolume(delta int64) {
	if delta <= 0 {
		return
	}
	s.volume.Add(delta)
}

// Volume returns the total shares traded so far.
func (s *Stock) Volume() int64 {
	return s.volume.Load()
}

// StatusLine renders one line for the periodic status report.
func (s *Stock) StatusLine() string {
	return fmt.Sprintf("%s: $%s, %d shares traded", s.symbol, s.Price().StringFixed(2), s.Volume())
}
