// Package model holds the engine's core data types: symbols, orders, fills,
// positions, and accounts. Each type has exactly one owning component;
// everything else refers to it by identifier (symbol key, client order id),
// never by a retained pointer, so no ownership cycle can form between the
// order book, the venue adapters, and the OMS.
package model

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// MarketKind distinguishes venue product types.
type MarketKind string

const (
	MarketSpot    MarketKind = "spot"
	MarketLinear  MarketKind = "linear"
	MarketInverse MarketKind = "inverse"
)

// SymbolID is venue-qualified instrument identity. It is immutable once
// interned; callers pass it by value.
type SymbolID struct {
	Venue      string
	MarketKind MarketKind
	Text       string

	PricePrecision int32
	QtyPrecision   int32
	TickSize       decimal.Decimal
	LotSize        decimal.Decimal
	MinNotional    decimal.Decimal
	Multiplier     decimal.Decimal
}

// String returns the canonical venue-qualified identity string, used as the
// interning key and as the wire-level symbol tag in events.
func (s SymbolID) String() string {
	return fmt.Sprintf("%s:%s:%s", s.Venue, s.MarketKind, s.Text)
}

// RoundPrice snaps price to the symbol's tick size.
func (s SymbolID) RoundPrice(price decimal.Decimal) decimal.Decimal {
	return roundToStep(price, s.TickSize)
}

// RoundQty snaps qty to the symbol's lot size.
func (s SymbolID) RoundQty(qty decimal.Decimal) decimal.Decimal {
	return roundToStep(qty, s.LotSize)
}

func roundToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	steps := v.Div(step).Round(0)
	return steps.Mul(step)
}

// Registry interns SymbolIDs per run so components can compare identity by
// the cheap string key instead of carrying the full struct everywhere.
type Registry struct {
	mu      sync.RWMutex
	symbols map[string]SymbolID
}

// NewRegistry creates an empty symbol registry.
func NewRegistry() *Registry {
	return &Registry{symbols: make(map[string]SymbolID)}
}

// Intern registers (or returns the existing) SymbolID for its key.
func (r *Registry) Intern(s SymbolID) SymbolID {
	key := s.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.symbols[key]; ok {
		return existing
	}
	r.symbols[key] = s
	return s
}

// Lookup returns the interned SymbolID for key, if any.
func (r *Registry) Lookup(key string) (SymbolID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.symbols[key]
	return s, ok
}
