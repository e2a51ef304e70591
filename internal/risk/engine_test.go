package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veloz/veloz-engine/internal/model"
)

func testSymbol() model.SymbolID {
	return model.SymbolID{
		Venue:       "binance",
		MarketKind:  model.MarketSpot,
		Text:        "BTCUSDT",
		LotSize:     decimal.NewFromFloat(0.000001),
		MinNotional: decimal.NewFromInt(10),
	}
}

func testEngine() *Engine {
	return New(Config{
		MaxPositionNotional:          decimal.NewFromInt(100000),
		MaxLeverage:                  decimal.NewFromInt(5),
		PriceDeviationPct:            decimal.NewFromFloat(0.02),
		SubmitRatePerSec:             1000,
		CircuitMaxConsecutiveRejects: 100,
		CircuitCooldown:              time.Minute,
	})
}

func TestCheckRejections(t *testing.T) {
	cases := []struct {
		name       string
		in         CheckInput
		wantReason string
	}{
		{
			name: "non positive qty",
			in: CheckInput{
				StrategyID: "s1", Symbol: testSymbol(), Side: model.Buy,
				Qty:          decimal.Zero,
				ReferenceMid: decimal.NewFromInt(100),
			},
			wantReason: "non_positive_qty",
		},
		{
			name: "below min notional",
			in: CheckInput{
				StrategyID: "s1", Symbol: testSymbol(), Side: model.Buy,
				Qty:          decimal.NewFromFloat(0.05),
				LimitPrice:   decimal.NewFromInt(100), // notional 5 < 10
				ReferenceMid: decimal.NewFromInt(100),
			},
			wantReason: "below_min_notional",
		},
		{
			name: "price deviation exceeded",
			in: CheckInput{
				StrategyID: "s1", Symbol: testSymbol(), Side: model.Buy,
				Qty:          decimal.NewFromInt(1),
				LimitPrice:   decimal.NewFromInt(110), // 10% off a 100 mid
				ReferenceMid: decimal.NewFromInt(100),
			},
			wantReason: "price_deviation_exceeded",
		},
		{
			name: "insufficient funds",
			in: CheckInput{
				StrategyID: "s1", Symbol: testSymbol(), Side: model.Buy,
				Qty:          decimal.NewFromInt(5),
				LimitPrice:   decimal.NewFromInt(100),
				ReferenceMid: decimal.NewFromInt(100),
				Account: &model.Account{
					Venue:  "binance",
					Assets: map[string]model.Balance{"USDT": {Free: decimal.NewFromInt(100)}},
				},
				AccountEquity: decimal.NewFromInt(100000),
			},
			wantReason: "insufficient_funds",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := testEngine().Check(tc.in)
			if res.Approved {
				t.Fatal("expected rejection")
			}
			if res.RejectReason != tc.wantReason {
				t.Fatalf("reject reason = %q, want %q", res.RejectReason, tc.wantReason)
			}
		})
	}
}

func TestCheckApprovesCleanIntent(t *testing.T) {
	res := testEngine().Check(CheckInput{
		StrategyID: "s1", Symbol: testSymbol(), Side: model.Buy,
		Qty:          decimal.NewFromInt(1),
		LimitPrice:   decimal.NewFromInt(100),
		ReferenceMid: decimal.NewFromInt(100),
	})
	if !res.Approved {
		t.Fatalf("expected approval, got reject %q", res.RejectReason)
	}
	if !res.AdjustedQty.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("adjusted qty = %s, want 1", res.AdjustedQty)
	}
}

// An intent that would push the position past the notional ceiling is
// trimmed rather than rejected outright, snapped to the lot size.
func TestPositionCeilingTrimsQty(t *testing.T) {
	e := New(Config{
		MaxPositionNotional:          decimal.NewFromInt(1000),
		SubmitRatePerSec:             1000,
		CircuitMaxConsecutiveRejects: 100,
		CircuitCooldown:              time.Minute,
	})

	res := e.Check(CheckInput{
		StrategyID: "s1", Symbol: testSymbol(), Side: model.Buy,
		Qty:          decimal.NewFromInt(20), // notional 2000 against a 1000 ceiling
		LimitPrice:   decimal.NewFromInt(100),
		ReferenceMid: decimal.NewFromInt(100),
	})
	if !res.Approved {
		t.Fatalf("expected trimmed approval, got reject %q", res.RejectReason)
	}
	if !res.AdjustedQty.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("adjusted qty = %s, want 10 (1000 notional at 100)", res.AdjustedQty)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	e := New(Config{
		SubmitRatePerSec:             1,
		CircuitMaxConsecutiveRejects: 100,
		CircuitCooldown:              time.Minute,
	})
	in := CheckInput{
		StrategyID: "s1", Symbol: testSymbol(), Side: model.Buy,
		Qty:          decimal.NewFromInt(1),
		LimitPrice:   decimal.NewFromInt(100),
		ReferenceMid: decimal.NewFromInt(100),
	}

	if res := e.Check(in); !res.Approved {
		t.Fatalf("first submit should pass, got %q", res.RejectReason)
	}
	if res := e.Check(in); res.Approved || res.RejectReason != "submit_rate_exceeded" {
		t.Fatalf("second immediate submit should be rate limited, got approved=%v reason=%q", res.Approved, res.RejectReason)
	}
}

func TestKillSwitchBlocksSubmits(t *testing.T) {
	e := testEngine()
	e.Breaker().KillSwitch()

	res := e.Check(CheckInput{
		StrategyID: "s1", Symbol: testSymbol(), Side: model.Buy,
		Qty:          decimal.NewFromInt(1),
		LimitPrice:   decimal.NewFromInt(100),
		ReferenceMid: decimal.NewFromInt(100),
	})
	if res.Approved {
		t.Fatal("kill switch must block submission")
	}
	if res.RejectReason != "circuit_breaker_tripped" {
		t.Fatalf("reject reason = %q, want circuit_breaker_tripped", res.RejectReason)
	}

	e.Breaker().Reset()
	res = e.Check(CheckInput{
		StrategyID: "s1", Symbol: testSymbol(), Side: model.Buy,
		Qty:          decimal.NewFromInt(1),
		LimitPrice:   decimal.NewFromInt(100),
		ReferenceMid: decimal.NewFromInt(100),
	})
	if !res.Approved {
		t.Fatalf("submit after reset should pass, got %q", res.RejectReason)
	}
}
