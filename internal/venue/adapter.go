// Package venue defines the polymorphic venue adapter capability set and
// its supporting resilience and simulation implementations: one Adapter
// per exchange plus a decorator that applies retry/circuit-breaker policy
// uniformly, so the core never talks to a raw venue client directly.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veloz/veloz-engine/internal/model"
)

// OrderIntent is what OMS hands the adapter to place on the venue.
type OrderIntent struct {
	ClientOrderID string
	Symbol        model.SymbolID
	Side          model.Side
	Kind          model.Kind
	TIF           model.TIF
	Qty           decimal.Decimal
	LimitPrice    decimal.Decimal
	StopPrice     decimal.Decimal
}

// AmendIntent requests a quantity/price change on a resting order.
type AmendIntent struct {
	ClientOrderID string
	VenueOrderID  string
	NewQty        decimal.Decimal
	NewPrice      decimal.Decimal
}

// Receipt is the adapter's immediate acknowledgement of a place/cancel/
// amend call; asynchronous fills and state changes still arrive later as
// model.TradingEvent on the user stream.
type Receipt struct {
	ClientOrderID string
	VenueOrderID  string
	Accepted      bool
	RejectReason  string
	RejectCode    string
}

// OrderSnapshot is the venue's view of one order, as returned by
// QueryOpenOrders/QueryOrder — the source of truth the Reconciler diffs
// against OMS.
type OrderSnapshot struct {
	ClientOrderID string
	VenueOrderID  string
	Symbol        model.SymbolID
	State         model.State
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
}

// Capabilities describes what a venue adapter supports, so the core never
// assumes a feature a venue lacks.
type Capabilities struct {
	SupportsAmend       bool
	SupportsPostOnly    bool
	SupportsReduceOnly  bool
	SupportsStopLimit   bool
	MinNotionalEnforced bool
}

// Adapter is the capability set every venue integration implements.
// Every call carries a context deadline; on expiry the caller treats the
// call as timeout-pending and lets the Reconciler resolve the true
// outcome on its next sweep.
type Adapter interface {
	Name() string
	Capabilities() Capabilities

	Place(ctx context.Context, intent OrderIntent) (Receipt, error)
	Cancel(ctx context.Context, clientOrderID, venueOrderID string) (Receipt, error)
	Amend(ctx context.Context, intent AmendIntent) (Receipt, error)
	QueryOpenOrders(ctx context.Context, symbol *model.SymbolID) ([]OrderSnapshot, error)
	QueryOrder(ctx context.Context, clientOrderID string) (*OrderSnapshot, error)
	QueryBalances(ctx context.Context) (map[string]model.Balance, error)

	SubscribeMarket(ctx context.Context, symbol model.SymbolID, channels []string) error
	UnsubscribeMarket(ctx context.Context, symbol model.SymbolID) error
	SubscribeUserStream(ctx context.Context) error
}

// EventSink is how an adapter delivers decoded market/trading/system
// events back into the core, mirroring the EventBus publish surface
// without importing eventbus (keeps venue free of a core dependency).
type EventSink interface {
	PublishMarket(model.MarketEvent)
	PublishTrading(model.TradingEvent)
	PublishSystem(model.SystemEvent)
}

// DefaultCallDeadline is the default per-call timeout applied when the
// caller's context carries none; no venue call ever runs without a
// deadline.
const DefaultCallDeadline = 5 * time.Second

// WithDeadline returns ctx unchanged if it already has a deadline,
// otherwise attaches DefaultCallDeadline.
func WithDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultCallDeadline)
}
