package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/veloz/veloz-engine/internal/model"
	"github.com/veloz/veloz-engine/internal/venue"
)

// Config tunes the pre-trade checks. Zero-valued limits disable the
// corresponding check, except SubmitRatePerSec, where zero means 10
// submits per second per strategy.
type Config struct {
	MaxPositionNotional decimal.Decimal
	MaxLeverage         decimal.Decimal
	PriceDeviationPct   decimal.Decimal
	SubmitRatePerSec    float64

	CircuitMaxConsecutiveRejects int
	CircuitCooldown              time.Duration
}

// CheckResult is the outcome of a pre-trade check. AdjustedQty may be
// smaller than the requested quantity when a ceiling trimmed the order
// instead of rejecting it.
type CheckResult struct {
	Approved     bool
	AdjustedQty  decimal.Decimal
	RejectReason string
}

// Engine is the synchronous pre-trade gate every order intent passes
// through before reaching the OMS.
type Engine struct {
	cfg     Config
	breaker *CircuitBreaker
	buckets map[string]*venue.TokenBucket // one per strategy, lazily created
}

// New creates a risk engine with cfg's limits.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:     cfg,
		breaker: NewCircuitBreaker(cfg.CircuitMaxConsecutiveRejects, cfg.CircuitCooldown),
		buckets: make(map[string]*venue.TokenBucket),
	}
}

// Breaker exposes the engine's circuit breaker for STATUS reporting and
// the gateway's KILL SWITCH command.
func (e *Engine) Breaker() *CircuitBreaker { return e.breaker }

func (e *Engine) bucketFor(strategyID string) *venue.TokenBucket {
	b, ok := e.buckets[strategyID]
	if !ok {
		rate := e.cfg.SubmitRatePerSec
		if rate <= 0 {
			rate = 10
		}
		b = venue.NewTokenBucket(int(rate), rate)
		e.buckets[strategyID] = b
	}
	return b
}

// CheckInput bundles everything the engine needs to evaluate one intent,
// since it must stay O(1) and cannot pull account/position state itself —
// the OMS owns that exclusively.
type CheckInput struct {
	StrategyID    string
	Symbol        model.SymbolID
	Side          model.Side
	Qty           decimal.Decimal
	LimitPrice    decimal.Decimal // zero for market orders
	ReferenceMid  decimal.Decimal
	Account       *model.Account
	Position      *model.Position
	AccountEquity decimal.Decimal
}

// Check runs every pre-trade rule, cheapest first, short-circuiting on
// the first rejection it hits.
func (e *Engine) Check(in CheckInput) CheckResult {
	reject := func(reason string) CheckResult {
		e.breaker.RecordReject()
		return CheckResult{Approved: false, RejectReason: reason}
	}

	if !e.breaker.AllowSubmit(in.StrategyID) {
		return CheckResult{Approved: false, RejectReason: "circuit_breaker_tripped"}
	}

	if allowed, _ := e.bucketFor(in.StrategyID).Allow(in.StrategyID); !allowed {
		return reject("submit_rate_exceeded")
	}

	qty := in.Qty
	if qty.LessThanOrEqual(decimal.Zero) {
		return reject("non_positive_qty")
	}

	price := in.LimitPrice
	if price.IsZero() {
		price = in.ReferenceMid
	}
	notional := price.Mul(qty)

	if !in.Symbol.MinNotional.IsZero() && notional.LessThan(in.Symbol.MinNotional) {
		return reject("below_min_notional")
	}

	if !e.cfg.PriceDeviationPct.IsZero() && !in.ReferenceMid.IsZero() && !in.LimitPrice.IsZero() {
		deviation := in.LimitPrice.Sub(in.ReferenceMid).Abs().Div(in.ReferenceMid)
		if deviation.GreaterThan(e.cfg.PriceDeviationPct) {
			return reject("price_deviation_exceeded")
		}
	}

	if !e.cfg.MaxPositionNotional.IsZero() {
		projected := notional
		if in.Position != nil {
			projected = in.Position.SignedQty.Abs().Mul(price).Add(notional)
		}
		if projected.GreaterThan(e.cfg.MaxPositionNotional) {
			adjustedQty := e.cfg.MaxPositionNotional.Sub(projected.Sub(notional)).Div(price)
			if adjustedQty.LessThanOrEqual(decimal.Zero) {
				return reject("position_ceiling_exceeded")
			}
			qty = in.Symbol.RoundQty(adjustedQty)
			if qty.LessThanOrEqual(decimal.Zero) {
				return reject("position_ceiling_exceeded")
			}
		}
	}

	if !e.cfg.MaxLeverage.IsZero() && !in.AccountEquity.IsZero() {
		projectedNotional := notional
		if in.Position != nil {
			projectedNotional = in.Position.SignedQty.Abs().Mul(price).Add(notional)
		}
		leverage := projectedNotional.Div(in.AccountEquity)
		if leverage.GreaterThan(e.cfg.MaxLeverage) {
			return reject("leverage_ceiling_exceeded")
		}
	}

	if !checkFunds(in, qty, price) {
		return reject("insufficient_funds")
	}

	e.breaker.RecordAccept()
	return CheckResult{Approved: true, AdjustedQty: qty}
}

func checkFunds(in CheckInput, qty, price decimal.Decimal) bool {
	if in.Account == nil {
		return true
	}
	required := qty.Mul(price)
	bal, ok := in.Account.Assets[quoteAssetFor(in.Symbol)]
	if !ok {
		return true
	}
	return bal.Free.GreaterThanOrEqual(required)
}

// AccountEquity is a best-effort margin-equity figure for the leverage
// ceiling check: the quote asset's free plus locked balance. Callers that
// track cross-asset collateral should compute a proper mark-to-market
// equity and pass that as CheckInput.AccountEquity instead of relying on
// this helper.
func AccountEquity(acc *model.Account, symbol model.SymbolID) decimal.Decimal {
	if acc == nil {
		return decimal.Zero
	}
	bal, ok := acc.Assets[quoteAssetFor(symbol)]
	if !ok {
		return decimal.Zero
	}
	return bal.Free.Add(bal.Locked)
}

// quoteAssetFor derives the quote-asset key for a symbol's funds check.
// Venue-specific symbol/asset mapping lives in the adapter layer; this is
// a best-effort fallback for spot symbols of the form "BTCUSDT".
func quoteAssetFor(symbol model.SymbolID) string {
	text := symbol.Text
	for _, quote := range []string{"USDT", "USDC", "USD", "BUSD"} {
		if len(text) > len(quote) && text[len(text)-len(quote):] == quote {
			return quote
		}
	}
	return text
}
