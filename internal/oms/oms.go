// Package oms implements the order state machine and OMS: the authoritative
// in-memory book of internal orders, idempotent submission keyed by client
// order id, and out-of-order-tolerant receipt application. State is driven
// by TradingEvents from the EventBus, and every intent is durably appended
// to the WAL before the venue is called, so a crash between the two can
// always be reconciled.
package oms

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/veloz/veloz-engine/internal/eventbus"
	"github.com/veloz/veloz-engine/internal/model"
	"github.com/veloz/veloz-engine/internal/wal"
)

// SubmitIntent is the caller-supplied request to open an order. If
// ClientOrderID is empty the OMS derives one deterministically from
// StrategyID and an internal monotonic counter.
type SubmitIntent struct {
	ClientOrderID string
	Symbol        model.SymbolID
	Side          model.Side
	Kind          model.Kind
	TIF           model.TIF
	RequestedQty  decimal.Decimal
	LimitPrice    decimal.Decimal
	StopPrice     decimal.Decimal
	StrategyID    string
	RouteHint     string
	ParamVersion  int
}

type parkedReceipt struct {
	event    model.TradingEvent
	arrived  time.Time
}

// OMS owns Order, Position, and the Account projection exclusively. All
// methods are intended to be called from the loop
// thread only; no internal locking is performed beyond what is needed to
// protect the strategy-counter used by deterministic COID generation from
// concurrent callers during startup wiring.
type OMS struct {
	wal *wal.WAL
	bus *eventbus.Bus

	orders      map[string]*model.Order   // by client_order_id
	venueIndex  map[string]string         // venue_order_id -> client_order_id
	positions   map[string]*model.Position // "strategyID|symbol" -> position
	accounts    map[string]*model.Account // venue -> account

	pending map[string][]parkedReceipt // venue_order_id -> parked receipts awaiting bind
	orphanWindow time.Duration

	onTerminal func(model.Order)

	counterMu sync.Mutex
	counters  map[string]uint64 // strategyID -> next counter value
}

// OnTerminal registers a callback invoked with a copy of each order the
// moment it enters a terminal state, from receipts or reconciliation.
// Used by wiring to persist closed-order history; the callback runs on
// the loop thread and should hand off anything slow.
func (o *OMS) OnTerminal(fn func(model.Order)) { o.onTerminal = fn }

func (o *OMS) notifyTerminal(ord *model.Order) {
	if o.onTerminal != nil && ord.State.Terminal() {
		o.onTerminal(*ord)
	}
}

// New creates an OMS backed by the given WAL and publishing derived
// SystemEvents onto bus.
func New(w *wal.WAL, bus *eventbus.Bus, orphanWindow time.Duration) *OMS {
	return &OMS{
		wal:          w,
		bus:          bus,
		orders:       make(map[string]*model.Order),
		venueIndex:   make(map[string]string),
		positions:    make(map[string]*model.Position),
		accounts:     make(map[string]*model.Account),
		pending:      make(map[string][]parkedReceipt),
		orphanWindow: orphanWindow,
		counters:     make(map[string]uint64),
	}
}

func (o *OMS) nextClientOrderID(strategyID string) string {
	o.counterMu.Lock()
	defer o.counterMu.Unlock()
	o.counters[strategyID]++
	return fmt.Sprintf("%s-%d", strategyID, o.counters[strategyID])
}

// PrepareSubmit reserves the order slot, durably appends OrderIntent to the
// WAL (fsync'd before returning, so the intent survives any crash before
// the venue call), and marks the order PendingSubmit. If ClientOrderID was
// already seen, the existing order is returned unchanged with isNew=false
// and no new WAL record: duplicate submits are not errors.
func (o *OMS) PrepareSubmit(intent SubmitIntent) (order *model.Order, isNew bool, err error) {
	coid := intent.ClientOrderID
	if coid == "" {
		coid = o.nextClientOrderID(intent.StrategyID)
	}

	if existing, ok := o.orders[coid]; ok {
		return existing, false, nil
	}

	now := time.Now()
	ord := &model.Order{
		ClientOrderID: coid,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Kind:          intent.Kind,
		TIF:           intent.TIF,
		RequestedQty:  intent.RequestedQty,
		LimitPrice:    intent.LimitPrice,
		StopPrice:     intent.StopPrice,
		State:         model.PendingSubmit,
		FilledQty:     decimal.Zero,
		AvgFillPrice:  decimal.Zero,
		FeesTotal:     decimal.Zero,
		TSCreated:     now,
		TSLastUpdate:  now,
		StrategyID:    intent.StrategyID,
		RouteHint:     intent.RouteHint,
		ParamVersion:  intent.ParamVersion,
	}

	if _, err := o.wal.Append(wal.OrderIntent, encodeIntent(ord), true); err != nil {
		return nil, false, fmt.Errorf("oms: wal append intent: %w", err)
	}

	o.orders[coid] = ord
	return ord, true, nil
}

// GetOrder returns a copy of the order for coid, or nil.
func (o *OMS) GetOrder(coid string) *model.Order {
	ord, ok := o.orders[coid]
	if !ok {
		return nil
	}
	return ord.Clone()
}

// ApplyReceipt applies a normalized TradingEvent to the owning order.
// Stale receipts (by venue sequence) are dropped but audited, terminal
// states absorb everything except a late fill's economic effect, and
// state is derived from cumulative quantities so receipts may arrive in
// any order.
func (o *OMS) ApplyReceipt(ev model.TradingEvent) error {
	coid := ev.ClientOrderID
	if coid == "" {
		coid = o.venueIndex[ev.VenueOrderID]
	}
	if coid == "" {
		o.park(ev)
		return nil
	}

	ord, ok := o.orders[coid]
	if !ok {
		o.park(ev)
		return nil
	}

	return o.apply(ord, ev)
}

func (o *OMS) park(ev model.TradingEvent) {
	o.pending[ev.VenueOrderID] = append(o.pending[ev.VenueOrderID], parkedReceipt{event: ev, arrived: time.Now()})
}

func (o *OMS) apply(ord *model.Order, ev model.TradingEvent) error {
	switch ev.Kind {
	case model.EventOrderAccepted:
		return o.applyAccepted(ord, ev)
	case model.EventOrderRejected:
		return o.applyRejected(ord, ev)
	case model.EventOrderPartialFill, model.EventOrderFill:
		return o.applyFill(ord, ev)
	case model.EventOrderCanceled:
		return o.applyCanceled(ord, ev)
	case model.EventOrderExpired:
		return o.applyExpired(ord, ev)
	default:
		return nil
	}
}

func (o *OMS) applyAccepted(ord *model.Order, ev model.TradingEvent) error {
	if ord.State.Terminal() {
		return nil
	}
	if ev.Seq <= ord.LastSeq && ord.LastSeq != 0 {
		return o.walDuplicate(ord.ClientOrderID, ev)
	}

	ord.VenueOrderID = ev.VenueOrderID
	o.venueIndex[ev.VenueOrderID] = ord.ClientOrderID
	ord.LastSeq = ev.Seq
	now := time.Now()
	ord.TSAccepted = &now
	ord.TSLastUpdate = now
	ord.State = model.Accepted

	if _, err := o.wal.Append(wal.OrderMutation, encodeMutation(mutationPayload{
		ClientOrderID: ord.ClientOrderID, VenueOrderID: ord.VenueOrderID,
		State: ord.State, Seq: ev.Seq,
		FilledQty: ord.FilledQty, AvgFillPrice: ord.AvgFillPrice,
	}), false); err != nil {
		return fmt.Errorf("oms: wal append accepted: %w", err)
	}

	o.flushParked(ev.VenueOrderID, ord.ClientOrderID)
	log.Info().Str("client_order_id", ord.ClientOrderID).Str("venue_order_id", ord.VenueOrderID).Msg("order accepted")
	return nil
}

func (o *OMS) flushParked(venueOrderID, coid string) {
	parked := o.pending[venueOrderID]
	delete(o.pending, venueOrderID)
	for _, p := range parked {
		p.event.ClientOrderID = coid
		if err := o.ApplyReceipt(p.event); err != nil {
			log.Error().Err(err).Str("client_order_id", coid).Msg("failed to apply parked receipt")
		}
	}
}

func (o *OMS) applyRejected(ord *model.Order, ev model.TradingEvent) error {
	if ord.State.Terminal() {
		return nil
	}
	ord.State = model.Rejected
	ord.LastSeq = ev.Seq
	ord.TSLastUpdate = time.Now()

	_, err := o.wal.Append(wal.OrderMutation, encodeMutation(mutationPayload{
		ClientOrderID: ord.ClientOrderID, State: ord.State, Seq: ev.Seq, Reason: ev.RejectReason,
	}), false)
	if err != nil {
		return fmt.Errorf("oms: wal append rejected: %w", err)
	}
	o.notifyTerminal(ord)
	log.Info().Str("client_order_id", ord.ClientOrderID).Str("reason", ev.RejectReason).Msg("order rejected")
	return nil
}

// applyFill derives state from cumulative quantity rather than incremental
// counts, tolerating missing intermediate fills.
func (o *OMS) applyFill(ord *model.Order, ev model.TradingEvent) error {
	wasTerminal := ord.State.Terminal()
	lateFill := wasTerminal && ord.State != model.Filled

	if !lateFill && ev.Seq <= ord.LastSeq && ord.LastSeq != 0 {
		return o.walDuplicate(ord.ClientOrderID, ev)
	}

	cum := ev.CumQty
	if cum.LessThanOrEqual(ord.FilledQty) {
		// cumulative didn't advance: nothing new applied, but still
		// record the receipt's sequence if it is newer.
		if ev.Seq > ord.LastSeq {
			ord.LastSeq = ev.Seq
		}
		return o.walDuplicate(ord.ClientOrderID, ev)
	}

	deltaQty := cum.Sub(ord.FilledQty)
	fillPrice := ev.Fill.Price

	totalCost := ord.AvgFillPrice.Mul(ord.FilledQty).Add(fillPrice.Mul(deltaQty))
	ord.FilledQty = cum
	if !ord.FilledQty.IsZero() {
		ord.AvgFillPrice = totalCost.Div(ord.FilledQty)
	}
	ord.FeesTotal = ord.FeesTotal.Add(ev.Fill.Fee)
	ord.LastSeq = ev.Seq
	ord.TSLastUpdate = time.Now()

	// A late fill keeps the order's absorbing state: its economic
	// effect lands in FilledQty and the position, but the lifecycle does
	// not reopen.
	if !lateFill {
		if ord.FilledQty.GreaterThanOrEqual(ord.RequestedQty) {
			ord.State = model.Filled
		} else {
			ord.State = model.PartiallyFilled
		}
	}

	if _, err := o.wal.Append(wal.FillApplied, encodeFill(fillPayload{
		ClientOrderID: ord.ClientOrderID, ExecID: ev.Fill.ExecID,
		Qty: deltaQty, Price: fillPrice, Fee: ev.Fill.Fee, CumQty: cum, Seq: ev.Seq,
	}), false); err != nil {
		return fmt.Errorf("oms: wal append fill: %w", err)
	}

	o.applyPosition(ord, deltaQty, fillPrice, ev.Fill.Fee)

	if !wasTerminal {
		o.notifyTerminal(ord)
	}

	if lateFill && o.bus != nil {
		o.bus.PublishSystem(model.SystemEvent{
			Kind:    model.EventLateFill,
			Symbol:  ord.Symbol,
			Message: fmt.Sprintf("late fill applied to %s after terminal state", ord.ClientOrderID),
		})
	}

	log.Info().Str("client_order_id", ord.ClientOrderID).Str("state", string(ord.State)).
		Str("filled_qty", ord.FilledQty.String()).Bool("late", lateFill).Msg("fill applied")
	return nil
}

func (o *OMS) applyPosition(ord *model.Order, deltaQty, price, fee decimal.Decimal) {
	key := ord.StrategyID + "|" + ord.Symbol.String()
	pos, ok := o.positions[key]
	if !ok {
		pos = &model.Position{StrategyID: ord.StrategyID, Symbol: ord.Symbol}
		o.positions[key] = pos
	}
	pos.ApplyFill(ord.Side, deltaQty, price, fee)
}

func (o *OMS) applyCanceled(ord *model.Order, ev model.TradingEvent) error {
	if ord.State.Terminal() {
		return nil
	}
	if ev.Seq <= ord.LastSeq && ord.LastSeq != 0 {
		return o.walDuplicate(ord.ClientOrderID, ev)
	}
	ord.State = model.Canceled
	ord.LastSeq = ev.Seq
	ord.TSLastUpdate = time.Now()

	_, err := o.wal.Append(wal.OrderMutation, encodeMutation(mutationPayload{
		ClientOrderID: ord.ClientOrderID, State: ord.State, Seq: ev.Seq,
	}), false)
	if err != nil {
		return fmt.Errorf("oms: wal append canceled: %w", err)
	}
	o.notifyTerminal(ord)
	log.Info().Str("client_order_id", ord.ClientOrderID).Msg("order canceled")
	return nil
}

func (o *OMS) applyExpired(ord *model.Order, ev model.TradingEvent) error {
	if ord.State.Terminal() {
		return nil
	}
	ord.State = model.Expired
	ord.LastSeq = ev.Seq
	ord.TSLastUpdate = time.Now()

	_, err := o.wal.Append(wal.OrderMutation, encodeMutation(mutationPayload{
		ClientOrderID: ord.ClientOrderID, State: ord.State, Seq: ev.Seq,
	}), false)
	if err != nil {
		return fmt.Errorf("oms: wal append expired: %w", err)
	}
	o.notifyTerminal(ord)
	return nil
}

func (o *OMS) walDuplicate(coid string, ev model.TradingEvent) error {
	_, err := o.wal.Append(wal.Duplicate, encodeMutation(mutationPayload{
		ClientOrderID: coid, Seq: ev.Seq, Reason: "duplicate_or_stale",
	}), false)
	if err != nil {
		return fmt.Errorf("oms: wal append duplicate: %w", err)
	}
	return nil
}

// ExpireOrphans drops parked receipts older than the configured orphan
// window, surfacing each drop as an ORPHAN_RECEIPT system event.
func (o *OMS) ExpireOrphans(now time.Time) {
	for venueOrderID, parked := range o.pending {
		live := parked[:0]
		for _, p := range parked {
			if now.Sub(p.arrived) > o.orphanWindow {
				if o.bus != nil {
					o.bus.PublishSystem(model.SystemEvent{
						Kind:    model.EventOrphanReceipt,
						Message: fmt.Sprintf("orphan receipt dropped for venue_order_id=%s", venueOrderID),
					})
				}
				continue
			}
			live = append(live, p)
		}
		if len(live) == 0 {
			delete(o.pending, venueOrderID)
		} else {
			o.pending[venueOrderID] = live
		}
	}
}

// Position returns a copy of the position for (strategyID, symbol), or nil.
func (o *OMS) Position(strategyID string, symbol model.SymbolID) *model.Position {
	pos, ok := o.positions[strategyID+"|"+symbol.String()]
	if !ok {
		return nil
	}
	cp := *pos
	return &cp
}

// AllPositions returns a snapshot slice of every position, cloned so the
// position-snapshot writer can serialize off the loop thread.
func (o *OMS) AllPositions() []*model.Position {
	out := make([]*model.Position, 0, len(o.positions))
	for _, pos := range o.positions {
		cp := *pos
		out = append(out, &cp)
	}
	return out
}

// Account returns the projected account for venue, creating an empty one
// if absent.
func (o *OMS) Account(venue string) *model.Account {
	acc, ok := o.accounts[venue]
	if !ok {
		acc = &model.Account{Venue: venue, Assets: make(map[string]model.Balance)}
		o.accounts[venue] = acc
	}
	return acc
}

// ApplyBalanceUpdate overwrites the projected balance for an asset from a
// venue BalanceUpdate receipt; the venue copy is authoritative.
func (o *OMS) ApplyBalanceUpdate(venue string, ev model.TradingEvent) {
	acc := o.Account(venue)
	acc.Assets[ev.Asset] = model.Balance{Free: ev.Free, Locked: ev.Locked}
}

// AllOrders returns a snapshot slice of every order (for reconciliation and
// query-by-symbol). Callers receive clones and cannot mutate OMS state.
func (o *OMS) AllOrders() []*model.Order {
	out := make([]*model.Order, 0, len(o.orders))
	for _, ord := range o.orders {
		out = append(out, ord.Clone())
	}
	return out
}

// OverwriteFromVenue replaces an order's state/filled-qty/avg-price from
// venue truth during reconciliation; the venue is always authoritative.
func (o *OMS) OverwriteFromVenue(coid string, state model.State, filledQty, avgPrice decimal.Decimal) {
	ord, ok := o.orders[coid]
	if !ok {
		return
	}
	wasTerminal := ord.State.Terminal()
	ord.State = state
	ord.FilledQty = filledQty
	ord.AvgFillPrice = avgPrice
	ord.TSLastUpdate = time.Now()
	if !wasTerminal {
		o.notifyTerminal(ord)
	}
}

// Attach wires a live WAL and bus into an OMS reconstructed via Replay,
// which has neither (it only reads historical segments). Must be called
// before any submission is accepted.
func (o *OMS) Attach(w *wal.WAL, bus *eventbus.Bus, orphanWindow time.Duration) {
	o.wal = w
	o.bus = bus
	o.orphanWindow = orphanWindow
}

// Replay reconstructs OMS state by reading the WAL segments in sequence
// order. Must be called before accepting any submissions.
func Replay(dir string, onTruncated func(lastSeq uint64)) (*OMS, error) {
	orders := make(map[string]*model.Order)
	venueIndex := make(map[string]string)
	positions := make(map[string]*model.Position)

	lastSeq, truncated, err := wal.Replay(dir, func(rec wal.Record) error {
		return applyReplayRecord(rec, orders, venueIndex, positions)
	})
	if err != nil {
		return nil, fmt.Errorf("oms: replay: %w", err)
	}

	o := &OMS{
		orders:     orders,
		venueIndex: venueIndex,
		positions:  positions,
		accounts:   make(map[string]*model.Account),
		pending:    make(map[string][]parkedReceipt),
		counters:   make(map[string]uint64),
	}
	if truncated && onTruncated != nil {
		onTruncated(lastSeq)
	}
	return o, nil
}

func applyReplayRecord(rec wal.Record, orders map[string]*model.Order, venueIndex map[string]string, positions map[string]*model.Position) error {
	switch rec.Kind {
	case wal.OrderIntent:
		var p intentPayload
		if err := unmarshal(rec.Payload, &p); err != nil {
			return err
		}
		orders[p.ClientOrderID] = &model.Order{
			ClientOrderID: p.ClientOrderID,
			Symbol:        model.SymbolID{Venue: p.Venue, Text: p.Symbol},
			Side:          p.Side,
			Kind:          p.Kind,
			TIF:           model.TIF{Base: p.TIFBase, PostOnly: p.PostOnly, ReduceOnly: p.ReduceOnly},
			RequestedQty:  p.RequestedQty,
			LimitPrice:    p.LimitPrice,
			StopPrice:     p.StopPrice,
			State:         model.PendingSubmit,
			FilledQty:     decimal.Zero,
			AvgFillPrice:  decimal.Zero,
			StrategyID:    p.StrategyID,
			RouteHint:     p.RouteHint,
			ParamVersion:  p.ParamVersion,
			TSCreated:     p.TSCreated,
			TSLastUpdate:  p.TSCreated,
		}
	case wal.OrderMutation:
		var p mutationPayload
		if err := unmarshal(rec.Payload, &p); err != nil {
			return err
		}
		ord, ok := orders[p.ClientOrderID]
		if !ok {
			return nil
		}
		ord.State = p.State
		ord.LastSeq = p.Seq
		if p.VenueOrderID != "" {
			ord.VenueOrderID = p.VenueOrderID
			venueIndex[p.VenueOrderID] = p.ClientOrderID
		}
	case wal.FillApplied:
		var p fillPayload
		if err := unmarshal(rec.Payload, &p); err != nil {
			return err
		}
		ord, ok := orders[p.ClientOrderID]
		if !ok {
			return nil
		}
		// Mirror the live fill path: average price recomputed from the
		// incremental cost, state derived from cumulative quantity, and a
		// terminal state left absorbing (a late fill's mutation record
		// never reopened it live, so replay must not either).
		totalCost := ord.AvgFillPrice.Mul(ord.FilledQty).Add(p.Price.Mul(p.Qty))
		ord.FilledQty = p.CumQty
		if !ord.FilledQty.IsZero() {
			ord.AvgFillPrice = totalCost.Div(ord.FilledQty)
		}
		ord.FeesTotal = ord.FeesTotal.Add(p.Fee)
		ord.LastSeq = p.Seq
		if !ord.State.Terminal() {
			if ord.FilledQty.GreaterThanOrEqual(ord.RequestedQty) {
				ord.State = model.Filled
			} else {
				ord.State = model.PartiallyFilled
			}
		}
		key := ord.StrategyID + "|" + ord.Symbol.String()
		pos, ok := positions[key]
		if !ok {
			pos = &model.Position{StrategyID: ord.StrategyID, Symbol: ord.Symbol}
			positions[key] = pos
		}
		pos.ApplyFill(ord.Side, p.Qty, p.Price, p.Fee)
	}
	return nil
}
