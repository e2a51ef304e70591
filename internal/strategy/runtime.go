package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/veloz/veloz-engine/internal/model"
	"github.com/veloz/veloz-engine/internal/oms"
	"github.com/veloz/veloz-engine/internal/risk"
	"github.com/veloz/veloz-engine/internal/venue"
	"github.com/veloz/veloz-engine/internal/wal"
)

// ReferenceMidFunc resolves the reference mid price the RiskEngine
// deviation check and market-order fill reference use.
type ReferenceMidFunc func(symbol model.SymbolID) (decimal.Decimal, bool)

// instance is one hosted strategy plus its bookkeeping.
type instance struct {
	strategy Strategy
	params   ParamSet
}

// Runtime hosts strategy instances, dispatches events/timers, and routes
// each submitted intent through risk -> OMS -> venue adapter. One Runtime
// owns every strategy for a single engine instance and runs exclusively
// on the loop thread.
type Runtime struct {
	mu        sync.Mutex
	instances map[string]*instance

	risk    *risk.Engine
	oms     *oms.OMS
	adapter venue.Adapter
	wal     *wal.WAL

	referenceMid ReferenceMidFunc

	placeSync bool

	nextParamSeq uint64
}

// SetSynchronousPlace makes Submit call the adapter inline instead of on
// its own goroutine. Live wiring keeps the async default so a slow venue
// round-trip never stalls the loop; replay wiring needs the call inline
// so a run's fill sequence is a pure function of its event stream.
func (rt *Runtime) SetSynchronousPlace(sync bool) { rt.placeSync = sync }

// New creates a Runtime wiring risk/oms/adapter/wal together.
func New(riskEngine *risk.Engine, o *oms.OMS, adapter venue.Adapter, w *wal.WAL, referenceMid ReferenceMidFunc) *Runtime {
	return &Runtime{
		instances:    make(map[string]*instance),
		risk:         riskEngine,
		oms:          o,
		adapter:      adapter,
		wal:          w,
		referenceMid: referenceMid,
	}
}

// Host registers s under its ID, calling Initialize and OnStart.
func (rt *Runtime) Host(s Strategy, initialParams map[string]string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	id := s.ID()
	if _, exists := rt.instances[id]; exists {
		return fmt.Errorf("strategy %s already hosted", id)
	}
	inst := &instance{strategy: s, params: ParamSet{Version: 1, Values: initialParams}}
	rt.instances[id] = inst

	api := &boundAPI{rt: rt, strategyID: id}
	if err := s.Initialize(api, initialParams); err != nil {
		delete(rt.instances, id)
		return fmt.Errorf("initialize %s: %w", id, err)
	}
	if err := s.OnStart(); err != nil {
		delete(rt.instances, id)
		return fmt.Errorf("start %s: %w", id, err)
	}
	log.Info().Str("strategy_id", id).Msg("strategy started")
	return nil
}

// Stop calls OnStop and removes a hosted strategy.
func (rt *Runtime) Stop(strategyID string) error {
	rt.mu.Lock()
	inst, ok := rt.instances[strategyID]
	delete(rt.instances, strategyID)
	rt.mu.Unlock()

	if !ok {
		return fmt.Errorf("strategy %s not hosted", strategyID)
	}
	return inst.strategy.OnStop()
}

// DispatchMarket delivers a market event to every hosted strategy,
// logging and continuing past any handler error; a failing strategy
// never halts the loop.
func (rt *Runtime) DispatchMarket(ev model.MarketEvent) {
	rt.dispatch(&ev, nil, nil)
}

// DispatchTrading delivers a trading event to every hosted strategy.
func (rt *Runtime) DispatchTrading(ev model.TradingEvent) {
	rt.dispatch(nil, &ev, nil)
}

// DispatchSystem delivers a system event to every hosted strategy.
func (rt *Runtime) DispatchSystem(ev model.SystemEvent) {
	rt.dispatch(nil, nil, &ev)
}

func (rt *Runtime) dispatch(market *model.MarketEvent, trading *model.TradingEvent, system *model.SystemEvent) {
	rt.mu.Lock()
	insts := make([]*instance, 0, len(rt.instances))
	for _, inst := range rt.instances {
		insts = append(insts, inst)
	}
	rt.mu.Unlock()

	for _, inst := range insts {
		if err := inst.strategy.OnEvent(market, trading, system); err != nil {
			log.Error().Err(err).Str("strategy_id", inst.strategy.ID()).Msg("strategy handler error")
		}
	}
}

// Tick delivers a timer firing to every hosted strategy.
func (rt *Runtime) Tick(now time.Time) {
	rt.mu.Lock()
	insts := make([]*instance, 0, len(rt.instances))
	for _, inst := range rt.instances {
		insts = append(insts, inst)
	}
	rt.mu.Unlock()

	for _, inst := range insts {
		if err := inst.strategy.OnTimer(now); err != nil {
			log.Error().Err(err).Str("strategy_id", inst.strategy.ID()).Msg("strategy timer error")
		}
	}
}

// UpdateParams swaps the runtime's record of a strategy's parameter set,
// recording the new version in the WAL before it takes effect so orders
// carry the parameter version current when they were submitted. The new
// values are not passed to the running Strategy instance, which keeps the
// parameters it received in Initialize.
func (rt *Runtime) UpdateParams(strategyID string, values map[string]string) (int, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	inst, ok := rt.instances[strategyID]
	if !ok {
		return 0, fmt.Errorf("strategy %s not hosted", strategyID)
	}

	newVersion := inst.params.Version + 1
	if rt.wal != nil {
		payload, _ := json.Marshal(struct {
			StrategyID string            `json:"strategy_id"`
			Version    int               `json:"version"`
			Values     map[string]string `json:"values"`
		}{StrategyID: strategyID, Version: newVersion, Values: values})
		if _, err := rt.wal.Append(wal.Snapshot, payload, false); err != nil {
			return 0, fmt.Errorf("wal append param update: %w", err)
		}
	}

	inst.params = ParamSet{Version: newVersion, Values: values}
	return newVersion, nil
}

// ParamVersion returns a hosted strategy's current parameter version, for
// attribution on each intent it submits.
func (rt *Runtime) ParamVersion(strategyID string) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if inst, ok := rt.instances[strategyID]; ok {
		return inst.params.Version
	}
	return 0
}

// boundAPI is the per-strategy RuntimeAPI implementation, closing over
// its owning strategyID so Submit/Cancel/Position never need it passed
// in explicitly.
type boundAPI struct {
	rt         *Runtime
	strategyID string
}

func (a *boundAPI) Submit(intent Intent) (string, error) {
	mid, _ := a.rt.referenceMid(intent.Symbol)
	account := a.rt.oms.Account(intent.Symbol.Venue)

	result := a.rt.risk.Check(risk.CheckInput{
		StrategyID:    a.strategyID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Qty:           intent.Qty,
		LimitPrice:    intent.LimitPrice,
		ReferenceMid:  mid,
		Account:       account,
		Position:      a.rt.oms.Position(a.strategyID, intent.Symbol),
		AccountEquity: risk.AccountEquity(account, intent.Symbol),
	})
	if !result.Approved {
		return "", fmt.Errorf("risk rejected: %s", result.RejectReason)
	}
	qty := result.AdjustedQty
	if qty.IsZero() {
		qty = intent.Qty
	}

	ord, _, err := a.rt.oms.PrepareSubmit(oms.SubmitIntent{
		Symbol:       intent.Symbol,
		Side:         intent.Side,
		Kind:         intent.Kind,
		TIF:          intent.TIF,
		RequestedQty: qty,
		LimitPrice:   intent.LimitPrice,
		StopPrice:    intent.StopPrice,
		StrategyID:   a.strategyID,
		RouteHint:    intent.RouteHint,
		ParamVersion: a.rt.ParamVersion(a.strategyID),
	})
	if err != nil {
		return "", fmt.Errorf("prepare submit: %w", err)
	}

	place := func() {
		ctx, cancel := venue.WithDeadline(context.Background())
		defer cancel()
		_, err := a.rt.adapter.Place(ctx, venue.OrderIntent{
			ClientOrderID: ord.ClientOrderID,
			Symbol:        ord.Symbol,
			Side:          ord.Side,
			Kind:          ord.Kind,
			TIF:           ord.TIF,
			Qty:           ord.RequestedQty,
			LimitPrice:    ord.LimitPrice,
			StopPrice:     ord.StopPrice,
		})
		if err != nil {
			log.Warn().Err(err).Str("client_order_id", ord.ClientOrderID).Msg("place failed; reconciler will resolve")
		}
	}
	if a.rt.placeSync {
		place()
	} else {
		go place()
	}

	return ord.ClientOrderID, nil
}

func (a *boundAPI) Cancel(intent CancelIntent) error {
	ord := a.rt.oms.GetOrder(intent.ClientOrderID)
	if ord == nil {
		return fmt.Errorf("unknown client_order_id %s", intent.ClientOrderID)
	}
	ctx, cancel := venue.WithDeadline(context.Background())
	defer cancel()
	_, err := a.rt.adapter.Cancel(ctx, ord.ClientOrderID, ord.VenueOrderID)
	return err
}

func (a *boundAPI) Position(symbol model.SymbolID) *model.Position {
	return a.rt.oms.Position(a.strategyID, symbol)
}

func (a *boundAPI) Now() time.Time { return time.Now() }
