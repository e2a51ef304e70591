package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veloz/veloz-engine/internal/model"
)

// SimulatorConfig tunes the paper-fill model.
type SimulatorConfig struct {
	SlippageBps  int64
	FeeRate      decimal.Decimal
	FillDelay    time.Duration
}

// DefaultSimulatorConfig uses 10bps slippage, a 0.1% fee, and a small
// fill delay so receipts stay asynchronous like a real venue's.
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		SlippageBps: 10,
		FeeRate:     decimal.NewFromFloat(0.001),
		FillDelay:   20 * time.Millisecond,
	}
}

// Simulator is an in-process Adapter that fills every order against its
// requested (or last reference) price with a fixed slippage, for paper
// trading. It satisfies the full venue.Adapter interface so paper-mode
// runs share the exact same adapter seam as a live venue.
type Simulator struct {
	mu    sync.Mutex
	cfg   SimulatorConfig
	sink  EventSink
	seq   uint64
	orders map[string]*simOrder

	marketPrice map[string]decimal.Decimal // symbol -> last known reference price
}

type simOrder struct {
	intent       OrderIntent
	venueOrderID string
	filledQty    decimal.Decimal
}

// NewSimulator creates a paper-trading adapter publishing receipts onto
// sink.
func NewSimulator(sink EventSink, cfg SimulatorConfig) *Simulator {
	return &Simulator{
		cfg:         cfg,
		sink:        sink,
		orders:      make(map[string]*simOrder),
		marketPrice: make(map[string]decimal.Decimal),
	}
}

func (s *Simulator) Name() string { return "simulator" }

func (s *Simulator) Capabilities() Capabilities {
	return Capabilities{
		SupportsAmend:      true,
		SupportsPostOnly:   true,
		SupportsReduceOnly: true,
		SupportsStopLimit:  true,
	}
}

// SetReferencePrice feeds the simulator a mark/mid price to fill market
// orders against, driven by whatever market data the replay/live feed is
// producing.
func (s *Simulator) SetReferencePrice(symbol model.SymbolID, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marketPrice[symbol.String()] = price
}

func (s *Simulator) nextSeq() uint64 {
	s.seq++
	return s.seq
}

func (s *Simulator) Place(ctx context.Context, intent OrderIntent) (Receipt, error) {
	s.mu.Lock()
	venueOrderID := fmt.Sprintf("SIM-%d", s.nextSeq())
	refPrice := intent.LimitPrice
	if intent.Kind == model.Market {
		refPrice = s.marketPrice[intent.Symbol.String()]
	}
	if refPrice.IsZero() {
		refPrice = intent.LimitPrice
	}

	fillPrice := applySlippage(refPrice, intent.Side, s.cfg.SlippageBps)
	fillPrice = intent.Symbol.RoundPrice(fillPrice)

	so := &simOrder{intent: intent, venueOrderID: venueOrderID}
	s.orders[intent.ClientOrderID] = so
	s.mu.Unlock()

	go s.deliverFill(ctx, intent, venueOrderID, fillPrice)

	return Receipt{ClientOrderID: intent.ClientOrderID, VenueOrderID: venueOrderID, Accepted: true}, nil
}

func (s *Simulator) deliverFill(_ context.Context, intent OrderIntent, venueOrderID string, fillPrice decimal.Decimal) {
	time.Sleep(s.cfg.FillDelay)

	s.mu.Lock()
	seq := s.nextSeq()
	fee := fillPrice.Mul(intent.Qty).Mul(s.cfg.FeeRate)
	so := s.orders[intent.ClientOrderID]
	if so != nil {
		so.filledQty = intent.Qty
	}
	s.mu.Unlock()

	if s.sink == nil {
		return
	}

	now := time.Now()
	s.sink.PublishTrading(model.TradingEvent{
		Meta:          model.EventMeta{TSRecv: now, TSPublish: now},
		Kind:          model.EventOrderAccepted,
		ClientOrderID: intent.ClientOrderID,
		VenueOrderID:  venueOrderID,
		Symbol:        intent.Symbol,
		Seq:           seq - 1,
	})
	s.sink.PublishTrading(model.TradingEvent{
		Meta:          model.EventMeta{TSRecv: now, TSPublish: now},
		Kind:          model.EventOrderFill,
		ClientOrderID: intent.ClientOrderID,
		VenueOrderID:  venueOrderID,
		Symbol:        intent.Symbol,
		Seq:           seq,
		CumQty:        intent.Qty,
		Fill: model.Fill{
			ExecID:    fmt.Sprintf("%s-E%d", venueOrderID, seq),
			Qty:       intent.Qty,
			Price:     fillPrice,
			Fee:       fee,
			TSVenue:   now,
			TSRecv:    now,
		},
	})
}

func applySlippage(price decimal.Decimal, side model.Side, bps int64) decimal.Decimal {
	slip := decimal.NewFromInt(bps).Div(decimal.NewFromInt(10000))
	if side == model.Buy {
		return price.Mul(decimal.NewFromInt(1).Add(slip))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(slip))
}

func (s *Simulator) Cancel(ctx context.Context, clientOrderID, venueOrderID string) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	so, ok := s.orders[clientOrderID]
	if !ok {
		return Receipt{ClientOrderID: clientOrderID, Accepted: false, RejectReason: "unknown order"}, nil
	}
	delete(s.orders, clientOrderID)
	return Receipt{ClientOrderID: clientOrderID, VenueOrderID: so.venueOrderID, Accepted: true}, nil
}

func (s *Simulator) Amend(ctx context.Context, intent AmendIntent) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	so, ok := s.orders[intent.ClientOrderID]
	if !ok {
		return Receipt{ClientOrderID: intent.ClientOrderID, Accepted: false, RejectReason: "unknown order"}, nil
	}
	if !intent.NewQty.IsZero() {
		so.intent.Qty = intent.NewQty
	}
	if !intent.NewPrice.IsZero() {
		so.intent.LimitPrice = intent.NewPrice
	}
	return Receipt{ClientOrderID: intent.ClientOrderID, VenueOrderID: so.venueOrderID, Accepted: true}, nil
}

func (s *Simulator) QueryOpenOrders(ctx context.Context, symbol *model.SymbolID) ([]OrderSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OrderSnapshot
	for coid, so := range s.orders {
		if symbol != nil && so.intent.Symbol.String() != symbol.String() {
			continue
		}
		state := model.Accepted
		if so.filledQty.GreaterThanOrEqual(so.intent.Qty) && !so.intent.Qty.IsZero() {
			state = model.Filled
		}
		out = append(out, OrderSnapshot{
			ClientOrderID: coid,
			VenueOrderID:  so.venueOrderID,
			Symbol:        so.intent.Symbol,
			State:         state,
			FilledQty:     so.filledQty,
		})
	}
	return out, nil
}

func (s *Simulator) QueryOrder(ctx context.Context, clientOrderID string) (*OrderSnapshot, error) {
	snaps, _ := s.QueryOpenOrders(ctx, nil)
	for _, sn := range snaps {
		if sn.ClientOrderID == clientOrderID {
			return &sn, nil
		}
	}
	return nil, nil
}

func (s *Simulator) QueryBalances(ctx context.Context) (map[string]model.Balance, error) {
	return map[string]model.Balance{}, nil
}

func (s *Simulator) SubscribeMarket(ctx context.Context, symbol model.SymbolID, channels []string) error {
	return nil
}

func (s *Simulator) UnsubscribeMarket(ctx context.Context, symbol model.SymbolID) error {
	return nil
}

func (s *Simulator) SubscribeUserStream(ctx context.Context) error {
	return nil
}
