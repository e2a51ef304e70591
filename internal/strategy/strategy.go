// Package strategy hosts strategy instances and routes their intents
// through the risk engine and the OMS. A strategy implements the
// event/timer/lifecycle capability set and submits intents back through a
// runtime-owned API rather than holding adapter or risk references
// directly, so strategies stay free of I/O and of the wiring graph.
package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/veloz/veloz-engine/internal/model"
)

// Intent is what a strategy submits through the runtime; the runtime
// assigns no client_order_id here — that happens in OMS.PrepareSubmit.
type Intent struct {
	Symbol     model.SymbolID
	Side       model.Side
	Kind       model.Kind
	TIF        model.TIF
	Qty        decimal.Decimal
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
	RouteHint  string
}

// CancelIntent requests cancellation of a resting order.
type CancelIntent struct {
	ClientOrderID string
}

// RuntimeAPI is everything a strategy may call back into; strategies
// never hold adapter or OMS references directly and never perform I/O.
type RuntimeAPI interface {
	Submit(Intent) (clientOrderID string, err error)
	Cancel(CancelIntent) error
	Position(symbol model.SymbolID) *model.Position
	Now() time.Time
}

// Strategy is the capability set every strategy instance implements.
type Strategy interface {
	ID() string
	Initialize(api RuntimeAPI, params map[string]string) error
	OnStart() error
	OnEvent(market *model.MarketEvent, trading *model.TradingEvent, system *model.SystemEvent) error
	OnTimer(now time.Time) error
	OnStop() error
	Reset() error
}

// ParamSet is a strategy's hot-updatable parameter bag, swapped by the
// gateway's STRATEGY PARAMS command. The version is recorded in the WAL
// and attached to every order intent the strategy produces afterward.
type ParamSet struct {
	Version int
	Values  map[string]string
}
