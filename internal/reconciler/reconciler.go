// Package reconciler periodically diffs venue truth against OMS state and
// repairs divergence: orphaned local orders, foreign venue orders, and
// quantity/price or balance drift. Sweeps are scheduled through
// eventloop.Loop.Every so they always run on the single loop thread that
// owns OMS, order book, and risk state.
package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/veloz/veloz-engine/internal/model"
	"github.com/veloz/veloz-engine/internal/oms"
	"github.com/veloz/veloz-engine/internal/storage"
	"github.com/veloz/veloz-engine/internal/venue"
)

// Config tunes the sweep: which venue to diff, how long an order may be
// missing from the venue before it is treated as canceled, how far a
// balance may drift before strategies are frozen, and whether untracked
// venue orders are canceled outright.
type Config struct {
	Venue               string
	GracePeriod         time.Duration
	BalanceTolerancePct float64
	ForeignOrderCancel  bool
}

// FreezeController lets the reconciler halt/resume strategy submission
// on a balance-tolerance breach without importing the strategy runtime.
type FreezeController interface {
	Freeze(reason string)
	Unfrozen() bool
}

// Reconciler runs the periodic venue/OMS diff.
type Reconciler struct {
	cfg     Config
	oms     *oms.OMS
	adapter venue.Adapter
	store   *storage.Store
	freeze  FreezeController
	bus     interface {
		PublishSystem(model.SystemEvent)
	}

	orphanSince map[string]time.Time
}

// New creates a Reconciler diffing adapter against o, publishing
// SystemEvents onto bus and auditing findings to store (store may be
// nil to skip persistence).
func New(cfg Config, o *oms.OMS, adapter venue.Adapter, store *storage.Store, bus interface {
	PublishSystem(model.SystemEvent)
}, freeze FreezeController) *Reconciler {
	return &Reconciler{
		cfg:         cfg,
		oms:         o,
		adapter:     adapter,
		store:       store,
		bus:         bus,
		freeze:      freeze,
		orphanSince: make(map[string]time.Time),
	}
}

// Sweep runs one full reconciliation pass: orders then balances.
func (r *Reconciler) Sweep(ctx context.Context) error {
	if err := r.sweepOrders(ctx); err != nil {
		return err
	}
	return r.sweepBalances(ctx)
}

func (r *Reconciler) sweepOrders(ctx context.Context) error {
	venueOrders, err := r.adapter.QueryOpenOrders(ctx, nil)
	if err != nil {
		return err
	}
	venueByCOID := make(map[string]venue.OrderSnapshot, len(venueOrders))
	for _, vo := range venueOrders {
		venueByCOID[vo.ClientOrderID] = vo
	}

	localOrders := r.oms.AllOrders()
	localByCOID := make(map[string]*model.Order, len(localOrders))
	for _, lo := range localOrders {
		localByCOID[lo.ClientOrderID] = lo
		if lo.State.Terminal() {
			continue
		}
		vo, ok := venueByCOID[lo.ClientOrderID]
		if !ok {
			r.handleOrphanOrder(lo)
			continue
		}
		delete(r.orphanSince, lo.ClientOrderID)
		if !vo.FilledQty.Equal(lo.FilledQty) || !vo.AvgFillPrice.Equal(lo.AvgFillPrice) || vo.State != lo.State {
			r.oms.OverwriteFromVenue(lo.ClientOrderID, vo.State, vo.FilledQty, vo.AvgFillPrice)
			r.publishDivergence("qty_mismatch", lo.ClientOrderID)
		}
	}

	for coid, vo := range venueByCOID {
		if _, known := localByCOID[coid]; !known {
			r.handleForeignOrder(ctx, vo)
		}
	}

	return nil
}

func (r *Reconciler) handleOrphanOrder(lo *model.Order) {
	first, seen := r.orphanSince[lo.ClientOrderID]
	if !seen {
		r.orphanSince[lo.ClientOrderID] = time.Now()
		return
	}
	if time.Since(first) < r.cfg.GracePeriod {
		return
	}
	r.oms.OverwriteFromVenue(lo.ClientOrderID, model.Canceled, lo.FilledQty, lo.AvgFillPrice)
	delete(r.orphanSince, lo.ClientOrderID)
	log.Warn().Str("client_order_id", lo.ClientOrderID).Msg("order orphaned: absent on venue past grace period")
	r.publishDivergence("orphan_order", lo.ClientOrderID)
}

func (r *Reconciler) handleForeignOrder(ctx context.Context, vo venue.OrderSnapshot) {
	log.Warn().Str("venue_order_id", vo.VenueOrderID).Msg("foreign order found on venue, not tracked locally")
	r.publishDivergence("foreign_order", vo.VenueOrderID)
	if r.cfg.ForeignOrderCancel {
		if _, err := r.adapter.Cancel(ctx, "", vo.VenueOrderID); err != nil {
			log.Error().Err(err).Str("venue_order_id", vo.VenueOrderID).Msg("failed to cancel foreign order")
		}
	}
}

func (r *Reconciler) sweepBalances(ctx context.Context) error {
	balances, err := r.adapter.QueryBalances(ctx)
	if err != nil {
		return err
	}

	acc := r.oms.Account(r.cfg.Venue)
	breach := false
	for asset, venueBal := range balances {
		localBal, ok := acc.Assets[asset]
		if ok && !localBal.Free.IsZero() {
			drift := venueBal.Free.Sub(localBal.Free).Abs().Div(localBal.Free).InexactFloat64() * 100
			if drift > r.cfg.BalanceTolerancePct {
				breach = true
			}
		}
		r.oms.ApplyBalanceUpdate(r.cfg.Venue, model.TradingEvent{Asset: asset, Free: venueBal.Free, Locked: venueBal.Locked})
	}

	if breach {
		r.publishDivergence("balance_mismatch", r.cfg.Venue)
		if r.freeze != nil {
			r.freeze.Freeze("balance mismatch beyond tolerance")
		}
	}
	return nil
}

func (r *Reconciler) publishDivergence(kind, detail string) {
	if r.bus != nil {
		r.bus.PublishSystem(model.SystemEvent{
			Kind:    model.EventReconcilerDivergence,
			Venue:   r.cfg.Venue,
			Message: kind,
			Details: map[string]string{"subject": detail},
		})
	}
	if r.store != nil {
		_ = r.store.RecordDivergence(storage.DivergenceRecord{
			Venue:      r.cfg.Venue,
			Kind:       kind,
			Detail:     detail,
			OccurredAt: time.Now(),
		})
	}
}
