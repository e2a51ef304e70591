package model

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestStateTerminal(t *testing.T) {
	cases := []struct {
		state State
		want  bool
	}{
		{PendingSubmit, false},
		{Accepted, false},
		{PartiallyFilled, false},
		{Filled, true},
		{Canceled, true},
		{Rejected, true},
		{Expired, true},
	}
	for _, tc := range cases {
		if got := tc.state.Terminal(); got != tc.want {
			t.Errorf("%s.Terminal() = %v, want %v", tc.state, got, tc.want)
		}
	}
}

func TestApplyFillBuildsLongAveragePrice(t *testing.T) {
	p := &Position{}
	p.ApplyFill(Buy, d("1"), d("100"), decimal.Zero)
	p.ApplyFill(Buy, d("1"), d("110"), decimal.Zero)

	if !p.SignedQty.Equal(d("2")) {
		t.Fatalf("signed qty = %s, want 2", p.SignedQty)
	}
	if !p.AvgEntryPrice.Equal(d("105")) {
		t.Fatalf("avg entry = %s, want 105", p.AvgEntryPrice)
	}
	if !p.RealizedPnL.IsZero() {
		t.Fatalf("realized pnl = %s, want 0", p.RealizedPnL)
	}
}

func TestApplyFillPartialCloseRealizesPnL(t *testing.T) {
	p := &Position{}
	p.ApplyFill(Buy, d("2"), d("100"), decimal.Zero)
	p.ApplyFill(Sell, d("1"), d("110"), decimal.Zero)

	if !p.SignedQty.Equal(d("1")) {
		t.Fatalf("signed qty = %s, want 1", p.SignedQty)
	}
	if !p.RealizedPnL.Equal(d("10")) {
		t.Fatalf("realized pnl = %s, want 10", p.RealizedPnL)
	}
	if !p.AvgEntryPrice.Equal(d("100")) {
		t.Fatalf("avg entry = %s, want 100 (unchanged on partial close)", p.AvgEntryPrice)
	}
}

func TestApplyFillFlipThroughFlat(t *testing.T) {
	p := &Position{}
	p.ApplyFill(Buy, d("1"), d("100"), decimal.Zero)
	// Sell 3 at 90: closes the 1-lot long at a 10 loss, opens a 2-lot
	// short at the fill price.
	p.ApplyFill(Sell, d("3"), d("90"), decimal.Zero)

	if !p.SignedQty.Equal(d("-2")) {
		t.Fatalf("signed qty = %s, want -2", p.SignedQty)
	}
	if !p.AvgEntryPrice.Equal(d("90")) {
		t.Fatalf("avg entry = %s, want 90 (new short leg opens at fill price)", p.AvgEntryPrice)
	}
	if !p.RealizedPnL.Equal(d("-10")) {
		t.Fatalf("realized pnl = %s, want -10", p.RealizedPnL)
	}
}

func TestApplyFillShortSideRealization(t *testing.T) {
	p := &Position{}
	p.ApplyFill(Sell, d("2"), d("100"), decimal.Zero)
	p.ApplyFill(Buy, d("2"), d("90"), decimal.Zero)

	if !p.SignedQty.IsZero() {
		t.Fatalf("signed qty = %s, want 0", p.SignedQty)
	}
	if !p.RealizedPnL.Equal(d("20")) {
		t.Fatalf("realized pnl = %s, want 20 (short covered 10 lower x2)", p.RealizedPnL)
	}
	if !p.AvgEntryPrice.IsZero() {
		t.Fatalf("avg entry = %s, want 0 once flat", p.AvgEntryPrice)
	}
}

func TestApplyFillFeesReduceRealized(t *testing.T) {
	p := &Position{}
	p.ApplyFill(Buy, d("1"), d("100"), d("0.1"))

	if !p.RealizedPnL.Equal(d("-0.1")) {
		t.Fatalf("realized pnl = %s, want -0.1 (fee only)", p.RealizedPnL)
	}
}

func TestOrderRemainingQty(t *testing.T) {
	o := &Order{RequestedQty: d("5"), FilledQty: d("2")}
	if !o.RemainingQty().Equal(d("3")) {
		t.Fatalf("remaining = %s, want 3", o.RemainingQty())
	}
	o.FilledQty = d("7") // over-fill from a venue correction never goes negative
	if !o.RemainingQty().IsZero() {
		t.Fatalf("remaining = %s, want 0", o.RemainingQty())
	}
}
