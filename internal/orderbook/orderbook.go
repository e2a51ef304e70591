// Package orderbook reconstructs a per-symbol L2 price-level book from a
// snapshot+diff stream, detecting sequence gaps and resynchronizing. Diffs
// that arrive before the snapshot are buffered, stitched on at the
// snapshot's update id, and every later diff must continue the sequence
// exactly or the book drops to not-ready and refetches.
package orderbook

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/veloz/veloz-engine/internal/model"
)

// Book is one symbol's reconstructed L2 book.
type Book struct {
	mu sync.RWMutex

	symbol model.SymbolID

	bids map[string]decimal.Decimal // price key -> qty
	asks map[string]decimal.Decimal
	bidPrices map[string]decimal.Decimal // price key -> decimal price, for sorting
	askPrices map[string]decimal.Decimal

	lastUpdateID uint64
	snapshotReady bool

	bufferedDiffs []model.MarketEvent
	bufferWindow  int

	topN int

	// Sorted ladders rebuilt lazily once per book mutation. Views handed
	// out are slices of a generation that is replaced (never mutated) on
	// rebuild, so a caller's ladder stays coherent after later updates.
	viewsValid  bool
	cachedBids  []model.PriceLevel
	cachedAsks  []model.PriceLevel
}

// New creates an empty, not-ready book for symbol. bufferWindow bounds how
// many pre-snapshot diffs are buffered before a gap is declared; topN
// bounds the ladder depth of derived views.
func New(symbol model.SymbolID, bufferWindow, topN int) *Book {
	if bufferWindow <= 0 {
		bufferWindow = 1000
	}
	if topN <= 0 {
		topN = 20
	}
	return &Book{
		symbol:       symbol,
		bids:         make(map[string]decimal.Decimal),
		asks:         make(map[string]decimal.Decimal),
		bidPrices:    make(map[string]decimal.Decimal),
		askPrices:    make(map[string]decimal.Decimal),
		bufferWindow: bufferWindow,
		topN:         topN,
	}
}

// GapEvent is returned when a sequence violation forces a resync.
type GapEvent struct {
	Reason string
}

// ApplySnapshot sets the book to the snapshot's levels and last_update_id,
// discarding buffered diffs whose end-sequence is already covered and
// applying the remainder in order.
func (b *Book) ApplySnapshot(ev model.MarketEvent) *GapEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[string]decimal.Decimal)
	b.asks = make(map[string]decimal.Decimal)
	b.bidPrices = make(map[string]decimal.Decimal)
	b.askPrices = make(map[string]decimal.Decimal)
	b.viewsValid = false
	for _, lvl := range ev.Bids {
		b.setLevelLocked(b.bids, b.bidPrices, lvl)
	}
	for _, lvl := range ev.Asks {
		b.setLevelLocked(b.asks, b.askPrices, lvl)
	}

	u0 := ev.FinalUpdateID
	b.lastUpdateID = u0
	b.snapshotReady = false

	buffered := b.bufferedDiffs
	b.bufferedDiffs = nil

	startIdx := -1
	for i, d := range buffered {
		if d.FirstUpdateID <= u0+1 && u0+1 <= d.FinalUpdateID {
			startIdx = i
			break
		}
		if d.FinalUpdateID <= u0 {
			continue // superseded by snapshot
		}
	}

	if startIdx == -1 {
		if len(buffered) > 0 {
			return &GapEvent{Reason: "no diff covers snapshot boundary within buffer window"}
		}
		b.snapshotReady = true
		return nil
	}

	for _, d := range buffered[startIdx:] {
		if gap := b.applyDiffLocked(d); gap != nil {
			return gap
		}
	}
	b.snapshotReady = true
	return nil
}

// ApplyDiff applies a BookDelta. While not snapshot_ready, diffs are
// buffered (bounded by bufferWindow); once ready, a sequence violation
// (U != last_update_id+1) flips snapshot_ready false and returns a
// GapEvent.
func (b *Book) ApplyDiff(ev model.MarketEvent) *GapEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.snapshotReady {
		if len(b.bufferedDiffs) >= b.bufferWindow {
			b.bufferedDiffs = b.bufferedDiffs[1:]
		}
		// The publisher's event memory is only valid for the dispatch
		// (arena-backed on the live feed); anything retained past it is
		// copied.
		ev.Bids = cloneLevels(ev.Bids)
		ev.Asks = cloneLevels(ev.Asks)
		b.bufferedDiffs = append(b.bufferedDiffs, ev)
		return nil
	}

	return b.applyDiffLocked(ev)
}

func (b *Book) applyDiffLocked(ev model.MarketEvent) *GapEvent {
	if ev.FirstUpdateID != b.lastUpdateID+1 {
		b.snapshotReady = false
		return &GapEvent{Reason: "sequence violation"}
	}
	for _, lvl := range ev.Bids {
		b.setLevelLocked(b.bids, b.bidPrices, lvl)
	}
	for _, lvl := range ev.Asks {
		b.setLevelLocked(b.asks, b.askPrices, lvl)
	}
	b.lastUpdateID = ev.FinalUpdateID
	return nil
}

func (b *Book) setLevelLocked(levels, prices map[string]decimal.Decimal, lvl model.PriceLevel) {
	b.viewsValid = false
	key := lvl.Price.String()
	if lvl.Qty.IsZero() {
		delete(levels, key)
		delete(prices, key)
		return
	}
	levels[key] = lvl.Qty
	prices[key] = lvl.Price
}

func cloneLevels(levels []model.PriceLevel) []model.PriceLevel {
	if levels == nil {
		return nil
	}
	out := make([]model.PriceLevel, len(levels))
	copy(out, levels)
	return out
}

// Ready reports snapshot_ready.
func (b *Book) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshotReady
}

// Symbol returns the book's symbol.
func (b *Book) Symbol() model.SymbolID { return b.symbol }

func sortedLevels(levels, prices map[string]decimal.Decimal, desc bool) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(levels))
	for key, qty := range levels {
		out = append(out, model.PriceLevel{Price: prices[key], Qty: qty})
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// TopN returns the top n bid/ask ladder. Returns (nil, nil) unless Ready():
// derived views are only valid while the book is in sync. The sorted
// ladders are cached per book update, so repeated view reads between
// updates cost only the slice.
func (b *Book) TopN(n int) (bids, asks []model.PriceLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.snapshotReady {
		return nil, nil
	}
	if n <= 0 || n > b.topN {
		n = b.topN
	}
	if !b.viewsValid {
		b.cachedBids = sortedLevels(b.bids, b.bidPrices, true)
		b.cachedAsks = sortedLevels(b.asks, b.askPrices, false)
		b.viewsValid = true
	}
	bidLevels := b.cachedBids
	askLevels := b.cachedAsks
	if len(bidLevels) > n {
		bidLevels = bidLevels[:n]
	}
	if len(askLevels) > n {
		askLevels = askLevels[:n]
	}
	return bidLevels, askLevels
}

// BestBidAsk returns the top of book, or zero values if not ready or empty.
func (b *Book) BestBidAsk() (bid, ask model.PriceLevel) {
	bids, asks := b.TopN(1)
	if len(bids) > 0 {
		bid = bids[0]
	}
	if len(asks) > 0 {
		ask = asks[0]
	}
	return bid, ask
}

// Spread returns ask - bid, or zero if either side is missing.
func (b *Book) Spread() decimal.Decimal {
	bid, ask := b.BestBidAsk()
	if bid.Price.IsZero() || ask.Price.IsZero() {
		return decimal.Zero
	}
	return ask.Price.Sub(bid.Price)
}

// WeightedMid computes the notional-weighted mid across the top depth
// levels on each side.
func (b *Book) WeightedMid(depth int) decimal.Decimal {
	bids, asks := b.TopN(depth)
	if len(bids) == 0 || len(asks) == 0 {
		return decimal.Zero
	}
	bidNotional, bidWeighted := notionalWeighted(bids)
	askNotional, askWeighted := notionalWeighted(asks)
	totalNotional := bidNotional.Add(askNotional)
	if totalNotional.IsZero() {
		return bids[0].Price.Add(asks[0].Price).Div(decimal.NewFromInt(2))
	}
	return bidWeighted.Add(askWeighted).Div(totalNotional)
}

func notionalWeighted(levels []model.PriceLevel) (notional, weighted decimal.Decimal) {
	notional = decimal.Zero
	weighted = decimal.Zero
	for _, l := range levels {
		n := l.Price.Mul(l.Qty)
		notional = notional.Add(n)
		weighted = weighted.Add(n.Mul(l.Price))
	}
	return notional, weighted
}
