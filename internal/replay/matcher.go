package replay

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/veloz/veloz-engine/internal/model"
	"github.com/veloz/veloz-engine/internal/venue"
)

// CostModel computes fees for a fill, split into maker/taker rates since
// the matching model distinguishes resting (maker) limit fills from
// market (taker) fills.
type CostModel struct {
	TakerFeeRate decimal.Decimal
	MakerFeeRate decimal.Decimal
}

// DefaultCostModel uses a 0.1% taker / 0.05% maker fee.
func DefaultCostModel() CostModel {
	return CostModel{
		TakerFeeRate: decimal.NewFromFloat(0.001),
		MakerFeeRate: decimal.NewFromFloat(0.0005),
	}
}

// MatchConfig tunes the matching model.
type MatchConfig struct {
	Cost CostModel
	// Seed drives the probabilistic limit-fill queue model; the same seed
	// with the same event stream always produces the same fills.
	Seed int64
}

type restingOrder struct {
	intent    venue.OrderIntent
	filledQty decimal.Decimal
	// pendingMarket is true for Market orders waiting for the next trade
	// on their symbol to fill against.
	pendingMarket bool
}

// MatchingAdapter is the venue.Adapter a replay run substitutes for a
// live venue: orders are matched against a replayed historical MarketEvent
// stream instead of network I/O, using the trade-through / queue-position
// model below, and published receipts flow through the same EventSink
// contract a live adapter uses — the venue seam is the only thing a
// replay run swaps.
type MatchingAdapter struct {
	mu       sync.Mutex
	cfg      MatchConfig
	clock    *Clock
	sink     venue.EventSink
	rng      *rand.Rand
	orders   map[string]*restingOrder // client_order_id -> order
	orderIDs []string                 // insertion order, for deterministic matching
	seq      uint64
}

// NewMatchingAdapter creates a matcher publishing fills onto sink, with
// fill timestamps drawn from clock.
func NewMatchingAdapter(cfg MatchConfig, clock *Clock, sink venue.EventSink) *MatchingAdapter {
	return &MatchingAdapter{
		cfg:    cfg,
		clock:  clock,
		sink:   sink,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		orders: make(map[string]*restingOrder),
	}
}

func (m *MatchingAdapter) Name() string { return "replay-matcher" }

func (m *MatchingAdapter) Capabilities() venue.Capabilities {
	return venue.Capabilities{SupportsAmend: true, SupportsPostOnly: true, SupportsReduceOnly: true, SupportsStopLimit: true}
}

func (m *MatchingAdapter) nextSeq() uint64 {
	m.seq++
	return m.seq
}

// Place accepts the order immediately (an Accepted receipt always
// precedes any fill) and queues it for the matching model to fill on
// subsequent OnMarketEvent calls.
func (m *MatchingAdapter) Place(ctx context.Context, intent venue.OrderIntent) (venue.Receipt, error) {
	m.mu.Lock()
	venueOrderID := fmt.Sprintf("REPLAY-%d", m.nextSeq())
	if _, exists := m.orders[intent.ClientOrderID]; !exists {
		m.orderIDs = append(m.orderIDs, intent.ClientOrderID)
	}
	m.orders[intent.ClientOrderID] = &restingOrder{intent: intent, pendingMarket: intent.Kind == model.Market}
	m.mu.Unlock()

	m.publishAccepted(intent.ClientOrderID, venueOrderID, intent.Symbol)
	return venue.Receipt{ClientOrderID: intent.ClientOrderID, VenueOrderID: venueOrderID, Accepted: true}, nil
}

func (m *MatchingAdapter) publishAccepted(clientOrderID, venueOrderID string, symbol model.SymbolID) {
	if m.sink == nil {
		return
	}
	now := m.clock.Now()
	m.sink.PublishTrading(model.TradingEvent{
		Meta:          model.EventMeta{TSRecv: now, TSPublish: now},
		Kind:          model.EventOrderAccepted,
		ClientOrderID: clientOrderID,
		VenueOrderID:  venueOrderID,
		Symbol:        symbol,
		Seq:           m.nextSeqLocked(),
	})
}

func (m *MatchingAdapter) nextSeqLocked() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextSeq()
}

func (m *MatchingAdapter) Cancel(ctx context.Context, clientOrderID, venueOrderID string) (venue.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ro, ok := m.orders[clientOrderID]
	if !ok {
		return venue.Receipt{ClientOrderID: clientOrderID, Accepted: false, RejectReason: "unknown order"}, nil
	}
	delete(m.orders, clientOrderID)
	_ = ro
	return venue.Receipt{ClientOrderID: clientOrderID, Accepted: true}, nil
}

func (m *MatchingAdapter) Amend(ctx context.Context, intent venue.AmendIntent) (venue.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ro, ok := m.orders[intent.ClientOrderID]
	if !ok {
		return venue.Receipt{ClientOrderID: intent.ClientOrderID, Accepted: false, RejectReason: "unknown order"}, nil
	}
	if !intent.NewQty.IsZero() {
		ro.intent.Qty = intent.NewQty
	}
	if !intent.NewPrice.IsZero() {
		ro.intent.LimitPrice = intent.NewPrice
	}
	return venue.Receipt{ClientOrderID: intent.ClientOrderID, Accepted: true}, nil
}

func (m *MatchingAdapter) QueryOpenOrders(ctx context.Context, symbol *model.SymbolID) ([]venue.OrderSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []venue.OrderSnapshot
	for coid, ro := range m.orders {
		if symbol != nil && ro.intent.Symbol.String() != symbol.String() {
			continue
		}
		out = append(out, venue.OrderSnapshot{ClientOrderID: coid, Symbol: ro.intent.Symbol, FilledQty: ro.filledQty})
	}
	return out, nil
}

func (m *MatchingAdapter) QueryOrder(ctx context.Context, clientOrderID string) (*venue.OrderSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ro, ok := m.orders[clientOrderID]
	if !ok {
		return nil, nil
	}
	return &venue.OrderSnapshot{ClientOrderID: clientOrderID, Symbol: ro.intent.Symbol, FilledQty: ro.filledQty}, nil
}

func (m *MatchingAdapter) QueryBalances(ctx context.Context) (map[string]model.Balance, error) {
	return map[string]model.Balance{}, nil
}

func (m *MatchingAdapter) SubscribeMarket(ctx context.Context, symbol model.SymbolID, channels []string) error {
	return nil
}
func (m *MatchingAdapter) UnsubscribeMarket(ctx context.Context, symbol model.SymbolID) error { return nil }
func (m *MatchingAdapter) SubscribeUserStream(ctx context.Context) error                      { return nil }

// OnMarketEvent feeds one replayed trade event through the matching
// model, filling resting orders:
//   - Market orders fill entirely against the next trade on their symbol.
//   - Limit orders fill when the trade trades through their limit price;
//     the fill quantity is the trade qty scaled by a seeded-random
//     queue-position fraction, capped at the order's remaining qty,
//     modeling that a resting order rarely captures 100% of a crossing
//     trade's volume.
func (m *MatchingAdapter) OnMarketEvent(ev model.MarketEvent) {
	if ev.Kind != model.EventTrade {
		return
	}

	type pendingFill struct {
		coid      string
		ro        *restingOrder
		qty       decimal.Decimal
		price     decimal.Decimal
		isMaker   bool
	}

	// Fills are decided under the lock but published after it is
	// released: publishing re-enters strategy code through the sink, and
	// a strategy reacting to its own fill may immediately Place again.
	// Iterate client-order ids in insertion order so the seeded RNG is
	// consumed identically run to run; map iteration order would break
	// that.
	m.mu.Lock()
	var fills []pendingFill
	for _, coid := range m.orderIDs {
		ro, ok := m.orders[coid]
		if !ok || ro.intent.Symbol.String() != ev.Symbol.String() {
			continue
		}
		remaining := ro.intent.Qty.Sub(ro.filledQty)
		if remaining.LessThanOrEqual(decimal.Zero) {
			continue
		}

		var fillQty decimal.Decimal
		var fillPrice decimal.Decimal
		isMaker := false

		switch {
		case ro.pendingMarket:
			fillQty = remaining
			fillPrice = ev.TradePrice
		case tradesThrough(ro.intent, ev.TradePrice):
			fraction := decimal.NewFromFloat(0.25 + m.rng.Float64()*0.75) // [0.25, 1.0)
			fillQty = decimal.Min(remaining, ev.TradeQty.Mul(fraction))
			fillPrice = ro.intent.LimitPrice
			isMaker = true
		default:
			continue
		}
		if fillQty.LessThanOrEqual(decimal.Zero) {
			continue
		}

		ro.filledQty = ro.filledQty.Add(fillQty)
		fills = append(fills, pendingFill{coid: coid, ro: ro, qty: fillQty, price: fillPrice, isMaker: isMaker})
	}
	m.mu.Unlock()

	for _, f := range fills {
		m.publishFill(f.coid, f.ro, f.qty, f.price, f.isMaker)
	}
}

// tradesThrough reports whether a trade at price would have executed
// against a resting limit order: a buy limit is touched by a trade at or
// below its price, a sell limit by a trade at or above it.
func tradesThrough(intent venue.OrderIntent, tradePrice decimal.Decimal) bool {
	if intent.Kind == model.Market || intent.LimitPrice.IsZero() {
		return false
	}
	if intent.Side == model.Buy {
		return tradePrice.LessThanOrEqual(intent.LimitPrice)
	}
	return tradePrice.GreaterThanOrEqual(intent.LimitPrice)
}

func (m *MatchingAdapter) publishFill(clientOrderID string, ro *restingOrder, qty, price decimal.Decimal, isMaker bool) {
	if m.sink == nil {
		return
	}
	feeRate := m.cfg.Cost.TakerFeeRate
	role := "taker"
	if isMaker {
		feeRate = m.cfg.Cost.MakerFeeRate
		role = "maker"
	}
	fee := price.Mul(qty).Mul(feeRate)
	now := m.clock.Now()
	seq := m.nextSeqLocked()

	kind := model.EventOrderPartialFill
	if ro.filledQty.GreaterThanOrEqual(ro.intent.Qty) {
		kind = model.EventOrderFill
	}

	m.sink.PublishTrading(model.TradingEvent{
		Meta:          model.EventMeta{TSRecv: now, TSPublish: now},
		Kind:          kind,
		ClientOrderID: clientOrderID,
		Symbol:        ro.intent.Symbol,
		Seq:           seq,
		CumQty:        ro.filledQty,
		Fill: model.Fill{
			ExecID:        fmt.Sprintf("%s-E%d", clientOrderID, seq),
			Qty:           qty,
			Price:         price,
			Fee:           fee,
			LiquidityRole: role,
			TSVenue:       now,
			TSRecv:        now,
		},
	})
}
