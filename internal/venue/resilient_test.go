package venue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/veloz/veloz-engine/internal/engineerr"
	"github.com/veloz/veloz-engine/internal/model"
)

// fakeAdapter fails its first failCount Place calls with an error of kind
// failKind, then succeeds, so retry and circuit-breaker behavior can be exercised
// deterministically.
type fakeAdapter struct {
	failCount  int
	calls      int
	failKind   engineerr.Kind
	snapshotFn func(context.Context, model.SymbolID) (model.MarketEvent, error)
}

func (f *fakeAdapter) Name() string                 { return "fake" }
func (f *fakeAdapter) Capabilities() Capabilities    { return Capabilities{} }
func (f *fakeAdapter) Place(ctx context.Context, intent OrderIntent) (Receipt, error) {
	f.calls++
	if f.calls <= f.failCount {
		return Receipt{}, engineerr.New(f.failKind, "place", "", errors.New("boom"))
	}
	return Receipt{ClientOrderID: intent.ClientOrderID, Accepted: true}, nil
}
func (f *fakeAdapter) Cancel(ctx context.Context, clientOrderID, venueOrderID string) (Receipt, error) {
	return Receipt{}, nil
}
func (f *fakeAdapter) Amend(ctx context.Context, intent AmendIntent) (Receipt, error) {
	return Receipt{}, nil
}
func (f *fakeAdapter) QueryOpenOrders(ctx context.Context, symbol *model.SymbolID) ([]OrderSnapshot, error) {
	return nil, nil
}
func (f *fakeAdapter) QueryOrder(ctx context.Context, clientOrderID string) (*OrderSnapshot, error) {
	return nil, nil
}
func (f *fakeAdapter) QueryBalances(ctx context.Context) (map[string]model.Balance, error) {
	return nil, nil
}
func (f *fakeAdapter) SubscribeMarket(ctx context.Context, symbol model.SymbolID, channels []string) error {
	return nil
}
func (f *fakeAdapter) UnsubscribeMarket(ctx context.Context, symbol model.SymbolID) error { return nil }
func (f *fakeAdapter) SubscribeUserStream(ctx context.Context) error                      { return nil }
func (f *fakeAdapter) FetchDepthSnapshot(ctx context.Context, symbol model.SymbolID) (model.MarketEvent, error) {
	if f.snapshotFn != nil {
		return f.snapshotFn(ctx, symbol)
	}
	return model.MarketEvent{}, nil
}

func fastResilientConfig() ResilientConfig {
	return ResilientConfig{
		MaxRetries:       2,
		BaseBackoff:      time.Millisecond,
		MaxBackoff:       4 * time.Millisecond,
		FailureThreshold: 3,
		Cooldown:         30 * time.Millisecond,
	}
}

func TestResilientRetriesTransientFailureThenSucceeds(t *testing.T) {
	inner := &fakeAdapter{failCount: 2, failKind: engineerr.Transport}
	r := NewResilient(inner, fastResilientConfig())

	receipt, err := r.Place(context.Background(), OrderIntent{ClientOrderID: "c1"})
	if err != nil {
		t.Fatalf("expected eventual success after retries, got %v", err)
	}
	if !receipt.Accepted {
		t.Fatal("expected accepted receipt")
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 calls (2 failures + 1 success), got %d", inner.calls)
	}
}

func TestResilientDoesNotRetryBusinessErrors(t *testing.T) {
	inner := &fakeAdapter{failCount: 100, failKind: engineerr.Business}
	r := NewResilient(inner, fastResilientConfig())

	_, err := r.Place(context.Background(), OrderIntent{ClientOrderID: "c1"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if inner.calls != 1 {
		t.Fatalf("business errors must not be retried, expected 1 call, got %d", inner.calls)
	}
}

func TestResilientTripsCircuitAfterConsecutiveFailures(t *testing.T) {
	inner := &fakeAdapter{failCount: 1000, failKind: engineerr.Transport}
	cfg := fastResilientConfig()
	cfg.MaxRetries = 0 // one attempt per Place call, so each call is one failure
	r := NewResilient(inner, cfg)

	for i := 0; i < cfg.FailureThreshold; i++ {
		if _, err := r.Place(context.Background(), OrderIntent{}); err == nil {
			t.Fatalf("call %d: expected failure", i)
		}
	}

	if r.BreakerState() != "open" {
		t.Fatalf("expected breaker open after %d consecutive failures, got %s", cfg.FailureThreshold, r.BreakerState())
	}

	if _, err := r.Place(context.Background(), OrderIntent{}); err == nil {
		t.Fatal("expected circuit_open rejection")
	}
	if inner.calls != cfg.FailureThreshold {
		t.Fatalf("a rejected call while the breaker is open must not reach inner, calls=%d", inner.calls)
	}
}

func TestResilientClosesBreakerAfterCooldownAndSuccess(t *testing.T) {
	inner := &fakeAdapter{failCount: 3, failKind: engineerr.Transport}
	cfg := fastResilientConfig()
	cfg.MaxRetries = 0
	cfg.FailureThreshold = 3
	r := NewResilient(inner, cfg)

	for i := 0; i < 3; i++ {
		r.Place(context.Background(), OrderIntent{})
	}
	if r.BreakerState() != "open" {
		t.Fatalf("expected breaker open, got %s", r.BreakerState())
	}

	time.Sleep(cfg.Cooldown + 10*time.Millisecond)

	if _, err := r.Place(context.Background(), OrderIntent{}); err != nil {
		t.Fatalf("expected the half-open probe to succeed (4th inner call no longer fails), got %v", err)
	}
	if r.BreakerState() != "closed" {
		t.Fatalf("expected breaker to close after a successful probe, got %s", r.BreakerState())
	}
}

func TestResilientFetchDepthSnapshotPassthrough(t *testing.T) {
	inner := &fakeAdapter{snapshotFn: func(ctx context.Context, symbol model.SymbolID) (model.MarketEvent, error) {
		return model.MarketEvent{Symbol: symbol, Kind: model.EventBookSnapshot}, nil
	}}
	r := NewResilient(inner, fastResilientConfig())

	symbol := model.SymbolID{Venue: "binance", Text: "BTCUSDT"}
	ev, err := r.FetchDepthSnapshot(context.Background(), symbol)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != model.EventBookSnapshot {
		t.Fatalf("expected passthrough snapshot event, got %+v", ev)
	}
}

func TestResilientFetchDepthSnapshotUnsupportedWhenInnerLacksIt(t *testing.T) {
	r := NewResilient(&unsupportingAdapter{}, fastResilientConfig())
	_, err := r.FetchDepthSnapshot(context.Background(), model.SymbolID{})
	if err == nil {
		t.Fatal("expected an unsupported error")
	}
	if engineerr.KindOf(err) != engineerr.Internal {
		t.Fatalf("expected Internal kind, got %s", engineerr.KindOf(err))
	}
}

// unsupportingAdapter implements Adapter without FetchDepthSnapshot, the
// way the simulator does not support REST resync.
type unsupportingAdapter struct{ fakeAdapterMinimal }

type fakeAdapterMinimal struct{}

func (fakeAdapterMinimal) Name() string              { return "minimal" }
func (fakeAdapterMinimal) Capabilities() Capabilities { return Capabilities{} }
func (fakeAdapterMinimal) Place(ctx context.Context, intent OrderIntent) (Receipt, error) {
	return Receipt{}, nil
}
func (fakeAdapterMinimal) Cancel(ctx context.Context, clientOrderID, venueOrderID string) (Receipt, error) {
	return Receipt{}, nil
}
func (fakeAdapterMinimal) Amend(ctx context.Context, intent AmendIntent) (Receipt, error) {
	return Receipt{}, nil
}
func (fakeAdapterMinimal) QueryOpenOrders(ctx context.Context, symbol *model.SymbolID) ([]OrderSnapshot, error) {
	return nil, nil
}
func (fakeAdapterMinimal) QueryOrder(ctx context.Context, clientOrderID string) (*OrderSnapshot, error) {
	return nil, nil
}
func (fakeAdapterMinimal) QueryBalances(ctx context.Context) (map[string]model.Balance, error) {
	return nil, nil
}
func (fakeAdapterMinimal) SubscribeMarket(ctx context.Context, symbol model.SymbolID, channels []string) error {
	return nil
}
func (fakeAdapterMinimal) UnsubscribeMarket(ctx context.Context, symbol model.SymbolID) error {
	return nil
}
func (fakeAdapterMinimal) SubscribeUserStream(ctx context.Context) error { return nil }
