package orderbook

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/veloz/veloz-engine/internal/eventbus"
	"github.com/veloz/veloz-engine/internal/model"
)

// SnapshotFetcher pulls a fresh REST snapshot for symbol. Implemented by a
// venue.Adapter in production wiring.
type SnapshotFetcher func(symbol model.SymbolID) (model.MarketEvent, error)

// Manager owns one Book per symbol and drives the snapshot-refetch loop on
// gap detection.
type Manager struct {
	mu     sync.Mutex
	books  map[string]*Book
	bus    *eventbus.Bus
	fetch  SnapshotFetcher
	bufferWindow, topN int
}

// NewManager creates a Manager publishing derived views and gap events onto
// bus, fetching resync snapshots via fetch.
func NewManager(bus *eventbus.Bus, fetch SnapshotFetcher, bufferWindow, topN int) *Manager {
	return &Manager{
		books:        make(map[string]*Book),
		bus:          bus,
		fetch:        fetch,
		bufferWindow: bufferWindow,
		topN:         topN,
	}
}

func (m *Manager) bookFor(symbol model.SymbolID) *Book {
	key := symbol.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[key]
	if !ok {
		b = New(symbol, m.bufferWindow, m.topN)
		m.books[key] = b
		go m.resync(symbol)
	}
	return b
}

// OnMarketEvent routes BookSnapshot/BookDelta events to the owning book and
// handles gap-triggered resync.
func (m *Manager) OnMarketEvent(ev model.MarketEvent) {
	switch ev.Kind {
	case model.EventBookSnapshot:
		b := m.bookFor(ev.Symbol)
		if gap := b.ApplySnapshot(ev); gap != nil {
			m.onGap(ev.Symbol, gap)
		}
	case model.EventBookDelta:
		b := m.bookFor(ev.Symbol)
		if gap := b.ApplyDiff(ev); gap != nil {
			m.onGap(ev.Symbol, gap)
		}
	}
}

func (m *Manager) onGap(symbol model.SymbolID, gap *GapEvent) {
	log.Warn().Str("symbol", symbol.String()).Str("reason", gap.Reason).Msg("order book snapshot gap")
	if m.bus != nil {
		m.bus.PublishSystem(model.SystemEvent{
			Kind:    model.EventSnapshotGap,
			Symbol:  symbol,
			Message: gap.Reason,
		})
	}
	go m.resync(symbol)
}

func (m *Manager) resync(symbol model.SymbolID) {
	if m.fetch == nil {
		return
	}
	snap, err := m.fetch(symbol)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol.String()).Msg("snapshot refetch failed")
		return
	}
	b := m.bookFor(symbol)
	if gap := b.ApplySnapshot(snap); gap != nil {
		m.onGap(symbol, gap)
	}
}

// Book returns the book for symbol, creating it (not-ready) if absent.
func (m *Manager) Book(symbol model.SymbolID) *Book {
	return m.bookFor(symbol)
}
