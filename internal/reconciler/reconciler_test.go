package reconciler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veloz/veloz-engine/internal/eventbus"
	"github.com/veloz/veloz-engine/internal/model"
	"github.com/veloz/veloz-engine/internal/oms"
	"github.com/veloz/veloz-engine/internal/venue"
	"github.com/veloz/veloz-engine/internal/wal"
)

func testSymbol() model.SymbolID {
	return model.SymbolID{Venue: "binance", MarketKind: model.MarketSpot, Text: "BTCUSDT"}
}

// fakeAdapter serves canned venue truth to the reconciler.
type fakeAdapter struct {
	venue.Adapter // panic on anything not stubbed below

	openOrders []venue.OrderSnapshot
	balances   map[string]model.Balance
	cancels    []string
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) QueryOpenOrders(ctx context.Context, symbol *model.SymbolID) ([]venue.OrderSnapshot, error) {
	return f.openOrders, nil
}

func (f *fakeAdapter) QueryBalances(ctx context.Context) (map[string]model.Balance, error) {
	if f.balances == nil {
		return map[string]model.Balance{}, nil
	}
	return f.balances, nil
}

func (f *fakeAdapter) Cancel(ctx context.Context, clientOrderID, venueOrderID string) (venue.Receipt, error) {
	f.cancels = append(f.cancels, venueOrderID)
	return venue.Receipt{Accepted: true}, nil
}

type fakeFreeze struct {
	frozen bool
	reason string
}

func (f *fakeFreeze) Freeze(reason string) { f.frozen = true; f.reason = reason }
func (f *fakeFreeze) Unfrozen() bool       { return !f.frozen }

func newOMS(t *testing.T, bus *eventbus.Bus) *oms.OMS {
	t.Helper()
	cfg := wal.DefaultConfig(filepath.Join(t.TempDir(), "wal"))
	cfg.BatchRecords = 1
	cfg.BatchInterval = time.Millisecond
	w, err := wal.Open(cfg)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return oms.New(w, bus, time.Minute)
}

func acceptedOrder(t *testing.T, o *oms.OMS, coid string, qty int64) *model.Order {
	t.Helper()
	ord, _, err := o.PrepareSubmit(oms.SubmitIntent{
		ClientOrderID: coid,
		Symbol:        testSymbol(),
		Side:          model.Buy,
		Kind:          model.Limit,
		RequestedQty:  decimal.NewFromInt(qty),
		LimitPrice:    decimal.NewFromInt(100),
		StrategyID:    "s1",
	})
	if err != nil {
		t.Fatalf("prepare submit: %v", err)
	}
	if err := o.ApplyReceipt(model.TradingEvent{
		Kind: model.EventOrderAccepted, ClientOrderID: coid, VenueOrderID: "V-" + coid, Seq: 1,
	}); err != nil {
		t.Fatalf("apply accepted: %v", err)
	}
	return ord
}

// Spec scenario: OMS shows Accepted qty=2 @100; the venue snapshot shows
// the order filled at 99. The venue wins: post-reconcile state is Filled
// with the venue's quantities, and a divergence event is published.
func TestQuantityMismatchTrustsVenue(t *testing.T) {
	bus := eventbus.New()
	var divergences []model.SystemEvent
	bus.SubscribeSystem(func(ev model.SystemEvent) {
		if ev.Kind == model.EventReconcilerDivergence {
			divergences = append(divergences, ev)
		}
	})

	o := newOMS(t, bus)
	acceptedOrder(t, o, "C1", 2)

	adapter := &fakeAdapter{openOrders: []venue.OrderSnapshot{{
		ClientOrderID: "C1",
		VenueOrderID:  "V-C1",
		Symbol:        testSymbol(),
		State:         model.Filled,
		FilledQty:     decimal.NewFromInt(2),
		AvgFillPrice:  decimal.NewFromInt(99),
	}}}

	r := New(Config{Venue: "binance", GracePeriod: time.Minute, BalanceTolerancePct: 0.5}, o, adapter, nil, bus, nil)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got := o.GetOrder("C1")
	if got.State != model.Filled {
		t.Fatalf("state = %s, want FILLED", got.State)
	}
	if !got.FilledQty.Equal(decimal.NewFromInt(2)) || !got.AvgFillPrice.Equal(decimal.NewFromInt(99)) {
		t.Fatalf("filled=%s avg=%s, want 2 @ 99", got.FilledQty, got.AvgFillPrice)
	}
	if len(divergences) != 1 {
		t.Fatalf("got %d divergence events, want 1", len(divergences))
	}
}

// A local non-terminal order absent from the venue is overwritten to
// Canceled once the grace period elapses — never on the first sighting.
// No cancel reason is recorded on the order; the divergence is published
// as orphan_order.
func TestOrphanOrderCanceledAfterGracePeriod(t *testing.T) {
	bus := eventbus.New()
	o := newOMS(t, bus)
	acceptedOrder(t, o, "C1", 1)

	adapter := &fakeAdapter{}
	r := New(Config{Venue: "binance", GracePeriod: 0, BalanceTolerancePct: 0.5}, o, adapter, nil, bus, nil)

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if got := o.GetOrder("C1"); got.State != model.Accepted {
		t.Fatalf("order canceled on first sighting, state = %s", got.State)
	}

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if got := o.GetOrder("C1"); got.State != model.Canceled {
		t.Fatalf("state after grace = %s, want CANCELED", got.State)
	}
}

func TestForeignOrderCanceledWhenPolicySet(t *testing.T) {
	bus := eventbus.New()
	o := newOMS(t, bus)

	adapter := &fakeAdapter{openOrders: []venue.OrderSnapshot{{
		ClientOrderID: "not-ours",
		VenueOrderID:  "V-foreign",
		Symbol:        testSymbol(),
		State:         model.Accepted,
	}}}
	r := New(Config{Venue: "binance", GracePeriod: time.Minute, BalanceTolerancePct: 0.5, ForeignOrderCancel: true}, o, adapter, nil, bus, nil)

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(adapter.cancels) != 1 || adapter.cancels[0] != "V-foreign" {
		t.Fatalf("cancels = %v, want [V-foreign]", adapter.cancels)
	}
}

// A balance drifted past tolerance freezes strategies and overwrites the
// projection with venue truth.
func TestBalanceMismatchFreezesAndRepairs(t *testing.T) {
	bus := eventbus.New()
	o := newOMS(t, bus)
	o.ApplyBalanceUpdate("binance", model.TradingEvent{Asset: "USDT", Free: decimal.NewFromInt(100)})

	adapter := &fakeAdapter{balances: map[string]model.Balance{
		"USDT": {Free: decimal.NewFromInt(200)},
	}}
	freeze := &fakeFreeze{}
	r := New(Config{Venue: "binance", GracePeriod: time.Minute, BalanceTolerancePct: 0.5}, o, adapter, nil, bus, freeze)

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !freeze.frozen {
		t.Fatal("expected strategies frozen on balance breach")
	}
	acc := o.Account("binance")
	if !acc.Assets["USDT"].Free.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("balance projection = %s, want venue truth 200", acc.Assets["USDT"].Free)
	}
}
