package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order direction.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Kind is the order type.
type Kind string

const (
	Market    Kind = "MARKET"
	Limit     Kind = "LIMIT"
	StopLimit Kind = "STOP_LIMIT"
)

// TIF is the time-in-force, modeled as a base policy plus flags since
// PostOnly and ReduceOnly can combine with any of GTC/IOC/FOK.
type TIF struct {
	Base       TIFBase
	PostOnly   bool
	ReduceOnly bool
}

type TIFBase string

const (
	GTC TIFBase = "GTC"
	IOC TIFBase = "IOC"
	FOK TIFBase = "FOK"
)

// State is an order's lifecycle state.
type State string

const (
	PendingSubmit   State = "PENDING_SUBMIT"
	Accepted        State = "ACCEPTED"
	PartiallyFilled State = "PARTIALLY_FILLED"
	Filled          State = "FILLED"
	Canceled        State = "CANCELED"
	Rejected        State = "REJECTED"
	Expired         State = "EXPIRED"
)

// Terminal reports whether s is absorbing: once reached, no receipt moves
// the order to another state.
func (s State) Terminal() bool {
	switch s {
	case Filled, Canceled, Rejected, Expired:
		return true
	default:
		return false
	}
}

// Order is the internal order record, owned exclusively by the OMS.
type Order struct {
	ClientOrderID string
	VenueOrderID  string

	Symbol SymbolID
	Side   Side
	Kind   Kind
	TIF    TIF

	RequestedQty decimal.Decimal
	LimitPrice   decimal.Decimal
	StopPrice    decimal.Decimal

	State State

	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	FeesTotal    decimal.Decimal

	TSCreated    time.Time
	TSLastUpdate time.Time
	TSAccepted   *time.Time

	LastSeq uint64

	StrategyID string
	RouteHint  string

	ParamVersion int
}

// Clone returns a deep-enough copy safe to hand to callers outside the OMS
// (GetOrder and AllOrders return clones so callers cannot mutate
// authoritative state; PrepareSubmit returns the OMS's own pointer).
func (o *Order) Clone() *Order {
	cp := *o
	if o.TSAccepted != nil {
		t := *o.TSAccepted
		cp.TSAccepted = &t
	}
	return &cp
}

// RemainingQty returns RequestedQty - FilledQty, floored at zero.
func (o *Order) RemainingQty() decimal.Decimal {
	r := o.RequestedQty.Sub(o.FilledQty)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Fill is a single execution report. ExecID de-duplicates retransmits.
type Fill struct {
	OrderID      string
	ExecID       string
	Qty          decimal.Decimal
	Price        decimal.Decimal
	Fee          decimal.Decimal
	LiquidityRole string // "maker" | "taker"
	TSVenue      time.Time
	TSRecv       time.Time
}

// Position is per (strategy, symbol).
type Position struct {
	StrategyID     string
	Symbol         SymbolID
	SignedQty      decimal.Decimal
	AvgEntryPrice  decimal.Decimal
	UnrealizedPnL  decimal.Decimal
	RealizedPnL    decimal.Decimal
	MarginReserved decimal.Decimal
}

// ApplyFill updates the position's average entry and realized PnL from a
// fill on an order of the given side. Quantity is signed so long and short
// are a single code path: adding in the same direction reweights the
// average entry, reducing realizes PnL against it, and filling through
// flat opens the remainder at the fill price.
func (p *Position) ApplyFill(side Side, qty, price, fee decimal.Decimal) {
	signedFillQty := qty
	if side == Sell {
		signedFillQty = qty.Neg()
	}

	sameDirection := p.SignedQty.Sign() == 0 || p.SignedQty.Sign() == signedFillQty.Sign()

	if sameDirection {
		totalCost := p.AvgEntryPrice.Mul(p.SignedQty.Abs()).Add(price.Mul(qty))
		newQty := p.SignedQty.Add(signedFillQty)
		if !newQty.IsZero() {
			p.AvgEntryPrice = totalCost.Div(newQty.Abs())
		}
		p.SignedQty = newQty
	} else {
		prevSign := p.SignedQty.Sign()
		closingQty := decimal.Min(qty, p.SignedQty.Abs())
		var pnlPerUnit decimal.Decimal
		if p.SignedQty.IsPositive() {
			pnlPerUnit = price.Sub(p.AvgEntryPrice)
		} else {
			pnlPerUnit = p.AvgEntryPrice.Sub(price)
		}
		p.RealizedPnL = p.RealizedPnL.Add(pnlPerUnit.Mul(closingQty))
		p.SignedQty = p.SignedQty.Add(signedFillQty)

		switch {
		case p.SignedQty.IsZero():
			p.AvgEntryPrice = decimal.Zero
		case p.SignedQty.Sign() != prevSign:
			// flipped through flat: the remainder opens a new position in
			// the fill's direction at the fill price.
			p.AvgEntryPrice = price
		}
	}

	p.RealizedPnL = p.RealizedPnL.Sub(fee)
}

// Account is the per-venue projected balance view; authoritative copy lives
// on the venue, repaired by the Reconciler.
type Account struct {
	Venue   string
	Assets  map[string]Balance
}

type Balance struct {
	Free   decimal.Decimal
	Locked decimal.Decimal
}
