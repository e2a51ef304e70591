package venue

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veloz/veloz-engine/internal/engineerr"
	"github.com/veloz/veloz-engine/internal/model"
)

// ResilientConfig tunes the retry/circuit-breaker policy every adapter is
// decorated with.
type ResilientConfig struct {
	MaxRetries       int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	FailureThreshold int
	Cooldown         time.Duration
}

// DefaultResilientConfig retries twice with a short jittered backoff and
// trips the breaker after five consecutive failures.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		MaxRetries:       2,
		BaseBackoff:      100 * time.Millisecond,
		MaxBackoff:       2 * time.Second,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Resilient decorates any Adapter with jittered-exponential-backoff retry
// on transient (engineerr.Transport) failures and a consecutive-failure
// circuit breaker, so every venue integration gets the same policy
// without re-implementing the retry loop per venue.
type Resilient struct {
	inner   Adapter
	cfg     ResilientConfig
	breaker *circuitBreaker
}

// NewResilient wraps inner with cfg's retry/circuit-breaker policy.
func NewResilient(inner Adapter, cfg ResilientConfig) *Resilient {
	return &Resilient{
		inner:   inner,
		cfg:     cfg,
		breaker: newCircuitBreaker(cfg.FailureThreshold, cfg.Cooldown),
	}
}

func (r *Resilient) Name() string               { return r.inner.Name() }
func (r *Resilient) Capabilities() Capabilities { return r.inner.Capabilities() }

// call runs fn with retry-on-transient-failure and circuit-breaker
// gating, shared by every Adapter method below.
func call[T any](r *Resilient, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	ok, isProbe := r.breaker.allow()
	if !ok {
		return zero, engineerr.New(engineerr.Transport, op, "circuit_open", errCircuitOpen)
	}

	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		ctx, cancel := WithDeadline(context.Background())
		result, err := fn(ctx)
		cancel()

		if err == nil {
			r.breaker.recordSuccess()
			return result, nil
		}
		lastErr = err

		if isProbe || !engineerr.Retryable(err) {
			break
		}
		if attempt < r.cfg.MaxRetries {
			log.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("venue call failed, retrying")
			time.Sleep(jitteredBackoff(r.cfg.BaseBackoff, attempt, r.cfg.MaxBackoff))
		}
	}

	r.breaker.recordFailure()
	return zero, lastErr
}

func (r *Resilient) Place(ctx context.Context, intent OrderIntent) (Receipt, error) {
	return call(r, "place", func(_ context.Context) (Receipt, error) {
		return r.inner.Place(ctx, intent)
	})
}

func (r *Resilient) Cancel(ctx context.Context, clientOrderID, venueOrderID string) (Receipt, error) {
	return call(r, "cancel", func(_ context.Context) (Receipt, error) {
		return r.inner.Cancel(ctx, clientOrderID, venueOrderID)
	})
}

func (r *Resilient) Amend(ctx context.Context, intent AmendIntent) (Receipt, error) {
	return call(r, "amend", func(_ context.Context) (Receipt, error) {
		return r.inner.Amend(ctx, intent)
	})
}

func (r *Resilient) QueryOpenOrders(ctx context.Context, symbol *model.SymbolID) ([]OrderSnapshot, error) {
	return call(r, "query_open_orders", func(_ context.Context) ([]OrderSnapshot, error) {
		return r.inner.QueryOpenOrders(ctx, symbol)
	})
}

func (r *Resilient) QueryOrder(ctx context.Context, clientOrderID string) (*OrderSnapshot, error) {
	return call(r, "query_order", func(_ context.Context) (*OrderSnapshot, error) {
		return r.inner.QueryOrder(ctx, clientOrderID)
	})
}

func (r *Resilient) QueryBalances(ctx context.Context) (map[string]model.Balance, error) {
	return call(r, "query_balances", func(_ context.Context) (map[string]model.Balance, error) {
		return r.inner.QueryBalances(ctx)
	})
}

func (r *Resilient) SubscribeMarket(ctx context.Context, symbol model.SymbolID, channels []string) error {
	_, err := call(r, "subscribe_market", func(_ context.Context) (struct{}, error) {
		return struct{}{}, r.inner.SubscribeMarket(ctx, symbol, channels)
	})
	return err
}

func (r *Resilient) UnsubscribeMarket(ctx context.Context, symbol model.SymbolID) error {
	_, err := call(r, "unsubscribe_market", func(_ context.Context) (struct{}, error) {
		return struct{}{}, r.inner.UnsubscribeMarket(ctx, symbol)
	})
	return err
}

func (r *Resilient) SubscribeUserStream(ctx context.Context) error {
	_, err := call(r, "subscribe_user_stream", func(_ context.Context) (struct{}, error) {
		return struct{}{}, r.inner.SubscribeUserStream(ctx)
	})
	return err
}

// FetchDepthSnapshot forwards to inner when inner supports it (Binance
// does, for OrderBook resync), applying the same retry/circuit-breaker
// policy as every other call. Adapters without a REST snapshot source
// (e.g. the simulator) are never wrapped in a way that reaches this path
// since the type assertion in cmd wiring only finds it on inner when
// present.
func (r *Resilient) FetchDepthSnapshot(ctx context.Context, symbol model.SymbolID) (model.MarketEvent, error) {
	fetcher, ok := r.inner.(interface {
		FetchDepthSnapshot(context.Context, model.SymbolID) (model.MarketEvent, error)
	})
	if !ok {
		return model.MarketEvent{}, engineerr.New(engineerr.Internal, "fetch_depth_snapshot", "unsupported", errSnapshotUnsupported)
	}
	return call(r, "fetch_depth_snapshot", func(_ context.Context) (model.MarketEvent, error) {
		return fetcher.FetchDepthSnapshot(ctx, symbol)
	})
}

var errSnapshotUnsupported = snapshotUnsupportedError{}

type snapshotUnsupportedError struct{}

func (snapshotUnsupportedError) Error() string { return "venue: depth snapshot refetch unsupported" }

// BreakerState reports the current transport circuit breaker state for
// metrics/STATUS reporting: "closed", "open", or "half_open".
func (r *Resilient) BreakerState() string {
	switch r.breaker.currentState() {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

var errCircuitOpen = circuitOpenError{}

type circuitOpenError struct{}

func (circuitOpenError) Error() string { return "venue circuit breaker open" }
