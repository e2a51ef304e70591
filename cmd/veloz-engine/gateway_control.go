package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/veloz/veloz-engine/internal/gateway"
	"github.com/veloz/veloz-engine/internal/model"
	"github.com/veloz/veloz-engine/internal/oms"
	"github.com/veloz/veloz-engine/internal/risk"
	"github.com/veloz/veloz-engine/internal/venue"
)

// This file implements gateway.Engine over *engine: the control-protocol
// surface, including the "manual" order-submission path (ORDER PLACE from
// an operator or external tool) — the same risk -> OMS -> adapter
// sequence a hosted strategy's Submit uses, attributed to a synthetic
// "manual" strategy ID instead of a hosted Strategy instance.
const manualStrategyID = "manual"

func (e *engine) Status() string {
	state, _ := e.risk.Breaker().Status()
	divergences := 0
	if rows, err := e.store.UnresolvedDivergences(); err == nil {
		divergences = len(rows)
	}
	return fmt.Sprintf("running adapter=%s circuit=%s divergences=%d", e.adapter.Name(), state, divergences)
}

func (e *engine) PlaceOrder(req gateway.PlaceOrderRequest) (string, error) {
	symbol, err := e.lookupSymbol(req.Symbol)
	if err != nil {
		return "", err
	}
	side, err := parseSide(req.Side)
	if err != nil {
		return "", err
	}
	kind, err := parseKind(req.Kind)
	if err != nil {
		return "", err
	}
	qty, err := decimal.NewFromString(req.Qty)
	if err != nil {
		return "", fmt.Errorf("invalid qty: %w", err)
	}
	var limitPrice decimal.Decimal
	if req.Price != "" {
		limitPrice, err = decimal.NewFromString(req.Price)
		if err != nil {
			return "", fmt.Errorf("invalid price: %w", err)
		}
	}
	tif := parseTIF(req.TIF)

	book := e.books.Book(symbol)
	var mid decimal.Decimal
	if book != nil {
		mid = book.WeightedMid(10)
	}
	account := e.oms.Account(symbol.Venue)

	result := e.risk.Check(risk.CheckInput{
		StrategyID:    manualStrategyID,
		Symbol:        symbol,
		Side:          side,
		Qty:           qty,
		LimitPrice:    limitPrice,
		ReferenceMid:  mid,
		Account:       account,
		Position:      e.oms.Position(manualStrategyID, symbol),
		AccountEquity: risk.AccountEquity(account, symbol),
	})
	if !result.Approved {
		return "", fmt.Errorf("risk rejected: %s", result.RejectReason)
	}
	if !result.AdjustedQty.IsZero() {
		qty = result.AdjustedQty
	}

	ord, _, err := e.oms.PrepareSubmit(oms.SubmitIntent{
		Symbol:        symbol,
		Side:          side,
		Kind:          kind,
		TIF:           tif,
		RequestedQty:  qty,
		LimitPrice:    limitPrice,
		StrategyID:    manualStrategyID,
		ClientOrderID: req.ClientOrderID,
	})
	if err != nil {
		return "", fmt.Errorf("prepare submit: %w", err)
	}

	go func() {
		ctx, cancel := venue.WithDeadline(context.Background())
		defer cancel()
		if _, err := e.adapter.Place(ctx, venue.OrderIntent{
			ClientOrderID: ord.ClientOrderID,
			Symbol:        ord.Symbol,
			Side:          ord.Side,
			Kind:          ord.Kind,
			TIF:           ord.TIF,
			Qty:           ord.RequestedQty,
			LimitPrice:    ord.LimitPrice,
		}); err != nil {
			log.Warn().Err(err).Str("client_order_id", ord.ClientOrderID).Msg("place failed; reconciler will resolve")
		}
	}()

	return ord.ClientOrderID, nil
}

func (e *engine) CancelOrder(clientOrderID string) error {
	ord := e.oms.GetOrder(clientOrderID)
	if ord == nil {
		return fmt.Errorf("unknown client_order_id %s", clientOrderID)
	}
	ctx, cancel := venue.WithDeadline(context.Background())
	defer cancel()
	_, err := e.adapter.Cancel(ctx, ord.ClientOrderID, ord.VenueOrderID)
	return err
}

func (e *engine) QueryOrder(clientOrderID string) (*model.Order, error) {
	ord := e.oms.GetOrder(clientOrderID)
	if ord == nil {
		return nil, nil
	}
	return ord, nil
}

func (e *engine) StartStrategy(strategyID string) error {
	factory, ok := e.strategyFactories[strategyID]
	if !ok {
		return fmt.Errorf("unknown strategy_id %s", strategyID)
	}
	return e.runtime.Host(factory(), map[string]string{})
}

func (e *engine) StopStrategy(strategyID string) error {
	return e.runtime.Stop(strategyID)
}

func (e *engine) SetStrategyParams(strategyID string, paramsJSON string) (int, error) {
	var values map[string]string
	if err := json.Unmarshal([]byte(paramsJSON), &values); err != nil {
		return 0, fmt.Errorf("invalid params json: %w", err)
	}
	return e.runtime.UpdateParams(strategyID, values)
}

func (e *engine) StrategyMetrics(strategyID string) (string, error) {
	version := e.runtime.ParamVersion(strategyID)
	if version == 0 {
		return "", fmt.Errorf("strategy %s not hosted", strategyID)
	}

	closed, err := e.store.RecentOrders(strategyID, 100)
	if err != nil {
		return "", fmt.Errorf("load order history: %w", err)
	}
	filled := 0
	fees := decimal.Zero
	for _, rec := range closed {
		if rec.State == string(model.Filled) {
			filled++
		}
		fees = fees.Add(rec.FeesTotal)
	}

	body, err := json.Marshal(struct {
		StrategyID   string `json:"strategy_id"`
		ParamVersion int    `json:"param_version"`
		ClosedOrders int    `json:"closed_orders"`
		FilledOrders int    `json:"filled_orders"`
		FeesTotal    string `json:"fees_total"`
	}{
		StrategyID:   strategyID,
		ParamVersion: version,
		ClosedOrders: len(closed),
		FilledOrders: filled,
		FeesTotal:    fees.String(),
	})
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (e *engine) BacktestRun(configJSON string) (string, error) {
	var req backtestRequest
	if err := json.Unmarshal([]byte(configJSON), &req); err != nil {
		return "", fmt.Errorf("invalid backtest config: %w", err)
	}
	runID := uuid.NewString()
	go func() {
		if err := e.runBacktest(runID, req); err != nil {
			log.Error().Err(err).Str("run_id", runID).Msg("backtest run failed")
		}
	}()
	return runID, nil
}

func (e *engine) KillSwitch(on bool) {
	if on {
		e.risk.Breaker().KillSwitch()
		e.killed = true
		return
	}
	e.risk.Breaker().Reset()
	e.killed = false
}

func (e *engine) lookupSymbol(text string) (model.SymbolID, error) {
	if strings.EqualFold(text, e.defaultSymbol.Text) {
		return e.defaultSymbol, nil
	}
	return model.SymbolID{}, fmt.Errorf("unknown symbol %s (only %s is wired in this build)", text, e.defaultSymbol.Text)
}

func parseSide(s string) (model.Side, error) {
	switch strings.ToUpper(s) {
	case "BUY":
		return model.Buy, nil
	case "SELL":
		return model.Sell, nil
	default:
		return "", fmt.Errorf("invalid side %q", s)
	}
}

func parseKind(s string) (model.Kind, error) {
	switch strings.ToUpper(s) {
	case "MARKET":
		return model.Market, nil
	case "LIMIT":
		return model.Limit, nil
	case "STOP_LIMIT":
		return model.StopLimit, nil
	default:
		return "", fmt.Errorf("invalid order kind %q", s)
	}
}

func parseTIF(s string) model.TIF {
	upper := strings.ToUpper(s)
	tif := model.TIF{Base: model.GTC}
	switch {
	case strings.Contains(upper, "IOC"):
		tif.Base = model.IOC
	case strings.Contains(upper, "FOK"):
		tif.Base = model.FOK
	}
	if strings.Contains(upper, "POSTONLY") || strings.Contains(upper, "POST_ONLY") {
		tif.PostOnly = true
	}
	if strings.Contains(upper, "REDUCEONLY") || strings.Contains(upper, "REDUCE_ONLY") {
		tif.ReduceOnly = true
	}
	return tif
}

// backtestRequest is the JSON body of a "BACKTEST RUN" control command:
// the path to a JSON file holding a []model.MarketEvent history and the
// deterministic seed the matching model's queue-position RNG uses.
type backtestRequest struct {
	EventsFile string `json:"events_file"`
	Seed       int64  `json:"seed"`
}
