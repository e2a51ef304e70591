package replay

import (
	"sort"
	"time"

	"github.com/veloz/veloz-engine/internal/eventbus"
	"github.com/veloz/veloz-engine/internal/model"
	"github.com/veloz/veloz-engine/internal/oms"
	"github.com/veloz/veloz-engine/internal/orderbook"
	"github.com/veloz/veloz-engine/internal/strategy"
)

// Environment drives a Runtime from a fixed, pre-sorted slice of historical
// MarketEvents through the production EventBus/OrderBook/OMS/Strategy code
// path, substituting a MatchingAdapter for the live venue adapter. All OMS
// and risk logic is identical to a live run; only the venue seam differs.
type Environment struct {
	bus     *eventbus.Bus
	clock   *Clock
	matcher *MatchingAdapter
	books   *orderbook.Manager
	runtime *strategy.Runtime
	oms     *oms.OMS

	events []model.MarketEvent
}

// New wires an Environment. events need not be sorted; New sorts them by
// TSExchange (falling back to TSRecv) so replay proceeds in a single
// monotonic pass, matching the per-symbol venue-sequence ordering a live
// feed would have provided.
func New(bus *eventbus.Bus, books *orderbook.Manager, rt *strategy.Runtime, o *oms.OMS, matcher *MatchingAdapter, clock *Clock, events []model.MarketEvent) *Environment {
	sorted := make([]model.MarketEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return eventTime(sorted[i]).Before(eventTime(sorted[j]))
	})
	return &Environment{bus: bus, clock: clock, matcher: matcher, books: books, runtime: rt, oms: o, events: sorted}
}

func eventTime(ev model.MarketEvent) time.Time {
	if ev.Meta.TSExchange != nil {
		return *ev.Meta.TSExchange
	}
	return ev.Meta.TSRecv
}

// Run replays every event in order: advances the simulated clock,
// publishes the event onto the bus (reaching OrderBook and every hosted
// strategy exactly as a live run would), then feeds it to the matching
// model so resting orders placed by strategies during this run can fill.
// Given the same events slice, the same hosted strategies, and the same
// MatchConfig.Seed, two Run calls produce identical order-intent
// sequences for strategies that do not read RuntimeAPI.Now. That call
// returns wall-clock time, not this run's Clock, so a strategy whose
// decisions depend on it (MomentumStrategy's re-evaluation throttle) can
// produce different intents between runs.
func (e *Environment) Run() error {
	for _, ev := range e.events {
		e.clock.Advance(eventTime(ev))

		if e.books != nil {
			e.books.OnMarketEvent(ev)
		}
		if e.bus != nil {
			e.bus.PublishMarket(ev)
		}
		e.runtime.DispatchMarket(ev)
		if e.matcher != nil {
			e.matcher.OnMarketEvent(ev)
		}

		if ev.Kind == model.EventTrade || ev.Kind == model.EventBookSnapshot {
			e.runtime.Tick(e.clock.Now())
		}
	}
	return nil
}

// FinalOrders returns every order the run produced; backtest reporting
// reads its results from here.
func (e *Environment) FinalOrders() []*model.Order {
	return e.oms.AllOrders()
}
