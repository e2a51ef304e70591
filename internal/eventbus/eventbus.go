// Package eventbus implements the typed publish/subscribe fabric carrying
// MarketEvent, TradingEvent, and SystemEvent within one loop: three
// independently-subscribed channels, one per event family. All subscribers
// of a symbol see that symbol's MarketEvents in the order they were
// published, because dispatch is synchronous on the loop thread.
package eventbus

import (
	"github.com/veloz/veloz-engine/internal/model"
)

type (
	MarketHandler  func(model.MarketEvent)
	TradingHandler func(model.TradingEvent)
	SystemHandler  func(model.SystemEvent)
)

// Bus is mutated only on the loop thread: no locking is used because the
// single-threaded cooperative scheduling model guarantees no concurrent
// access to the subscriber tables.
type Bus struct {
	marketSubs  map[string][]MarketHandler // symbol key -> handlers; "*" = all symbols
	tradingSubs []TradingHandler
	systemSubs  []SystemHandler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{marketSubs: make(map[string][]MarketHandler)}
}

// SubscribeMarket registers fn for MarketEvents on symbolKey, or every
// symbol when symbolKey is "*".
func (b *Bus) SubscribeMarket(symbolKey string, fn MarketHandler) {
	b.marketSubs[symbolKey] = append(b.marketSubs[symbolKey], fn)
}

// SubscribeTrading registers fn for every TradingEvent.
func (b *Bus) SubscribeTrading(fn TradingHandler) {
	b.tradingSubs = append(b.tradingSubs, fn)
}

// SubscribeSystem registers fn for every SystemEvent.
func (b *Bus) SubscribeSystem(fn SystemHandler) {
	b.systemSubs = append(b.systemSubs, fn)
}

// PublishMarket dispatches ev, in order, to subscribers of its symbol and
// then to wildcard subscribers. Dispatch is synchronous: by the time
// PublishMarket returns, every subscriber has observed ev, which is what
// gives per-symbol ordering for free on a single-threaded loop.
func (b *Bus) PublishMarket(ev model.MarketEvent) {
	key := ev.Symbol.String()
	for _, fn := range b.marketSubs[key] {
		fn(ev)
	}
	for _, fn := range b.marketSubs["*"] {
		fn(ev)
	}
}

// PublishTrading dispatches ev to every trading subscriber in order.
func (b *Bus) PublishTrading(ev model.TradingEvent) {
	for _, fn := range b.tradingSubs {
		fn(ev)
	}
}

// PublishSystem dispatches ev to every system subscriber. Every failure in
// the engine is expected to surface here eventually; the bus never
// suppresses errors silently.
func (b *Bus) PublishSystem(ev model.SystemEvent) {
	for _, fn := range b.systemSubs {
		fn(ev)
	}
}
