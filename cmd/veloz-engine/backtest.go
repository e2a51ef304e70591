package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/veloz/veloz-engine/internal/eventbus"
	"github.com/veloz/veloz-engine/internal/model"
	"github.com/veloz/veloz-engine/internal/oms"
	"github.com/veloz/veloz-engine/internal/orderbook"
	"github.com/veloz/veloz-engine/internal/replay"
	"github.com/veloz/veloz-engine/internal/risk"
	"github.com/veloz/veloz-engine/internal/strategy"
	"github.com/veloz/veloz-engine/internal/wal"
)

// runBacktest drives a replay environment over the historical MarketEvent
// stream named in req, using a fresh OMS/risk/runtime/WAL isolated under
// cfg.DataDir/backtest/<runID> so a backtest never touches live engine
// state: the identical production code path, wired to its own instances
// rather than the live singletons.
func (e *engine) runBacktest(runID string, req backtestRequest) error {
	raw, err := os.ReadFile(req.EventsFile)
	if err != nil {
		return fmt.Errorf("read events file: %w", err)
	}
	var events []model.MarketEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return fmt.Errorf("decode events file: %w", err)
	}
	if len(events) == 0 {
		return fmt.Errorf("events file %s contains no events", req.EventsFile)
	}

	runDir := filepath.Join(e.cfg.DataDir, "backtest", runID)
	walCfg := wal.DefaultConfig(filepath.Join(runDir, "wal"))
	w, err := wal.Open(walCfg)
	if err != nil {
		return fmt.Errorf("open backtest wal: %w", err)
	}
	defer w.Close()

	bus := eventbus.New()
	o := oms.New(w, bus, e.cfg.OrphanGraceWindow)

	fetch := func(symbol model.SymbolID) (model.MarketEvent, error) {
		return model.MarketEvent{}, fmt.Errorf("backtest: no live snapshot source for %s", symbol.String())
	}
	books := orderbook.NewManager(bus, fetch, 256, 20)

	riskEngine := risk.New(risk.Config{
		MaxPositionNotional:          decimal.NewFromFloat(e.cfg.RiskMaxPositionNotional),
		MaxLeverage:                  decimal.NewFromFloat(e.cfg.RiskMaxLeverage),
		PriceDeviationPct:            decimal.NewFromFloat(e.cfg.RiskPriceDeviationPct / 100),
		SubmitRatePerSec:             float64(e.cfg.RiskSubmitRatePerSec),
		CircuitMaxConsecutiveRejects: e.cfg.CircuitFailureThreshold,
		CircuitCooldown:              e.cfg.CircuitCooldown,
	})

	clock := replay.NewClock(eventTime(events[0]))
	matcher := replay.NewMatchingAdapter(replay.MatchConfig{Cost: replay.DefaultCostModel(), Seed: req.Seed}, clock, bus)

	referenceMid := func(symbol model.SymbolID) (decimal.Decimal, bool) {
		book := books.Book(symbol)
		if book == nil {
			return decimal.Zero, false
		}
		mid := book.WeightedMid(10)
		return mid, !mid.IsZero()
	}
	runtime := strategy.New(riskEngine, o, matcher, w, referenceMid)
	runtime.SetSynchronousPlace(true)

	// Matcher receipts flow back through the same bus -> OMS -> strategy
	// path a live run uses; only the venue seam differs.
	bus.SubscribeTrading(func(ev model.TradingEvent) {
		if err := o.ApplyReceipt(ev); err != nil {
			log.Error().Err(err).Str("client_order_id", ev.ClientOrderID).Msg("backtest apply receipt")
		}
		runtime.DispatchTrading(ev)
	})

	factory, ok := e.strategyFactories["momentum-btc"]
	if !ok {
		return fmt.Errorf("no strategy factory registered")
	}
	if err := runtime.Host(factory(), map[string]string{}); err != nil {
		return fmt.Errorf("host strategy: %w", err)
	}

	env := replay.New(bus, books, runtime, o, matcher, clock, events)
	if err := env.Run(); err != nil {
		return fmt.Errorf("run replay: %w", err)
	}

	final := env.FinalOrders()
	summary, _ := json.MarshalIndent(struct {
		RunID      string         `json:"run_id"`
		OrderCount int            `json:"order_count"`
		Orders     []*model.Order `json:"orders"`
	}{RunID: runID, OrderCount: len(final), Orders: final}, "", "  ")
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("mkdir run dir: %w", err)
	}
	return os.WriteFile(filepath.Join(runDir, "result.json"), summary, 0o644)
}

func eventTime(ev model.MarketEvent) time.Time {
	if ev.Meta.TSExchange != nil {
		return *ev.Meta.TSExchange
	}
	return ev.Meta.TSRecv
}
