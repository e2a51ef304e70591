package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventMeta carries the three timestamps every event record has: when the
// exchange stamped it (if known), when it was received, and when it was
// published onto the bus.
type EventMeta struct {
	TSExchange *time.Time
	TSRecv     time.Time
	TSPublish  time.Time
}

// MarketEventKind discriminates the MarketEvent variant.
type MarketEventKind string

const (
	EventTrade        MarketEventKind = "TRADE"
	EventBookDelta     MarketEventKind = "BOOK_DELTA"
	EventBookSnapshot  MarketEventKind = "BOOK_SNAPSHOT"
	EventKline         MarketEventKind = "KLINE"
	EventTicker        MarketEventKind = "TICKER"
	EventMarkPrice     MarketEventKind = "MARK_PRICE"
	EventFunding       MarketEventKind = "FUNDING"
)

// PriceLevel is a single (price, aggregate qty) book entry.
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// MarketEvent is the variant-over-kind market data record flowing through
// the EventBus. Only the field set matching Kind is populated.
type MarketEvent struct {
	Meta   EventMeta
	Kind   MarketEventKind
	Symbol SymbolID

	// Trade
	TradePrice decimal.Decimal
	TradeQty   decimal.Decimal
	TradeSide  Side

	// BookDelta / BookSnapshot
	FirstUpdateID uint64 // U
	FinalUpdateID uint64 // u
	Bids          []PriceLevel
	Asks          []PriceLevel

	// Kline
	KlineOpen, KlineHigh, KlineLow, KlineClose decimal.Decimal
	KlineVolume                                decimal.Decimal
	KlineOpenTime, KlineCloseTime              time.Time

	// Ticker / MarkPrice / Funding
	Price       decimal.Decimal
	FundingRate decimal.Decimal
	NextFunding time.Time
}

// TradingEventKind discriminates the TradingEvent variant.
type TradingEventKind string

const (
	EventOrderAccepted    TradingEventKind = "ORDER_ACCEPTED"
	EventOrderRejected    TradingEventKind = "ORDER_REJECTED"
	EventOrderPartialFill TradingEventKind = "ORDER_PARTIAL_FILL"
	EventOrderFill        TradingEventKind = "ORDER_FILL"
	EventOrderCanceled    TradingEventKind = "ORDER_CANCELED"
	EventOrderExpired     TradingEventKind = "ORDER_EXPIRED"
	EventBalanceUpdate    TradingEventKind = "BALANCE_UPDATE"
)

// TradingEvent is the variant-over-kind trading record: exchange receipts
// normalized by the venue adapter before entering the bus.
type TradingEvent struct {
	Meta EventMeta
	Kind TradingEventKind

	ClientOrderID string
	VenueOrderID  string
	Symbol        SymbolID
	Seq           uint64 // venue sequence, used for out-of-order tolerance

	// OrderAccepted
	// (VenueOrderID above)

	// OrderRejected
	RejectReason string
	RejectCode   string

	// OrderPartialFill / OrderFill
	Fill       Fill
	CumQty     decimal.Decimal // cumulative filled qty, robust to missing intermediates

	// BalanceUpdate
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// SystemEventKind discriminates the SystemEvent variant.
type SystemEventKind string

const (
	EventConnected           SystemEventKind = "CONNECTED"
	EventDisconnected        SystemEventKind = "DISCONNECTED"
	EventRateLimited         SystemEventKind = "RATE_LIMITED"
	EventSnapshotGap         SystemEventKind = "SNAPSHOT_GAP"
	EventReconcilerDivergence SystemEventKind = "RECONCILER_DIVERGENCE"
	EventCircuitTripped      SystemEventKind = "CIRCUIT_TRIPPED"
	EventShutdownRequested   SystemEventKind = "SHUTDOWN_REQUESTED"
	EventHandlerError        SystemEventKind = "HANDLER_ERROR"
	EventLateFill            SystemEventKind = "LATE_FILL"
	EventOrphanReceipt       SystemEventKind = "ORPHAN_RECEIPT"
	EventOrphanOrder         SystemEventKind = "ORPHAN_ORDER"
	EventForeignOrder        SystemEventKind = "FOREIGN_ORDER"
	EventWALTruncated        SystemEventKind = "WAL_TRUNCATED"
	EventTimeoutPending      SystemEventKind = "TIMEOUT_PENDING"
)

// SystemEvent is the variant-over-kind operational record.
type SystemEvent struct {
	Meta    EventMeta
	Kind    SystemEventKind
	Venue   string
	Symbol  SymbolID
	Message string
	Details map[string]string
}
