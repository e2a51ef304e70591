package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veloz/veloz-engine/internal/indicators"
	"github.com/veloz/veloz-engine/internal/model"
)

// MomentumWeights controls how much each indicator contributes to the
// composite score.
type MomentumWeights struct {
	RSI          float64
	Momentum     float64
	OrderBook    float64
	FundingRate  float64
	BuySellRatio float64
}

// DefaultMomentumWeights leans on momentum and book imbalance, with
// funding and taker pressure as smaller tilts.
func DefaultMomentumWeights() MomentumWeights {
	return MomentumWeights{
		RSI:          0.25,
		Momentum:     0.30,
		OrderBook:    0.25,
		FundingRate:  0.10,
		BuySellRatio: 0.10,
	}
}

// MomentumStrategy is a single-symbol momentum strategy combining RSI,
// price momentum, order-book imbalance, funding rate and buy/sell
// pressure into one composite score (-100..100), going long above the
// entry threshold, short below its negative, and flat in between.
type MomentumStrategy struct {
	id      string
	symbol  model.SymbolID
	weights MomentumWeights

	minConfidence float64
	warmupPeriods int
	entryQty      decimal.Decimal
	threshold     float64

	api RuntimeAPI

	prices       []float64
	bidVol       float64
	askVol       float64
	fundingRate  float64
	lastEvalAt   time.Time
	reevalPeriod time.Duration
}

// NewMomentumStrategy creates a momentum strategy trading symbol under id,
// sizing each entry at entryQty.
func NewMomentumStrategy(id string, symbol model.SymbolID, entryQty decimal.Decimal) *MomentumStrategy {
	return &MomentumStrategy{
		id:            id,
		symbol:        symbol,
		weights:       DefaultMomentumWeights(),
		minConfidence: 0.60,
		warmupPeriods: 20,
		entryQty:      entryQty,
		threshold:     20,
		reevalPeriod:  time.Second,
		prices:        make([]float64, 0, 256),
	}
}

func (s *MomentumStrategy) ID() string { return s.id }

func (s *MomentumStrategy) Initialize(api RuntimeAPI, params map[string]string) error {
	s.api = api
	s.applyParams(params)
	return nil
}

func (s *MomentumStrategy) applyParams(params map[string]string) {
	if v, ok := params["threshold"]; ok {
		if f, err := decimal.NewFromString(v); err == nil {
			s.threshold = f.InexactFloat64()
		}
	}
	if v, ok := params["entry_qty"]; ok {
		if q, err := decimal.NewFromString(v); err == nil {
			s.entryQty = q
		}
	}
}

func (s *MomentumStrategy) OnStart() error { return nil }
func (s *MomentumStrategy) OnStop() error  { return nil }

func (s *MomentumStrategy) Reset() error {
	s.prices = s.prices[:0]
	s.bidVol, s.askVol, s.fundingRate = 0, 0, 0
	return nil
}

func (s *MomentumStrategy) OnEvent(market *model.MarketEvent, trading *model.TradingEvent, system *model.SystemEvent) error {
	if market == nil || market.Symbol.String() != s.symbol.String() {
		return nil
	}

	switch market.Kind {
	case model.EventTrade:
		s.pushPrice(indicators.DecimalToFloat(market.TradePrice))
	case model.EventKline:
		s.pushPrice(indicators.DecimalToFloat(market.KlineClose))
	case model.EventBookSnapshot, model.EventBookDelta:
		s.bidVol = sumQty(market.Bids)
		s.askVol = sumQty(market.Asks)
	case model.EventFunding:
		s.fundingRate = indicators.DecimalToFloat(market.FundingRate)
	default:
		return nil
	}

	return s.maybeEvaluate()
}

func (s *MomentumStrategy) OnTimer(now time.Time) error {
	return nil
}

func (s *MomentumStrategy) pushPrice(p float64) {
	if p <= 0 {
		return
	}
	s.prices = append(s.prices, p)
	if len(s.prices) > 512 {
		s.prices = s.prices[len(s.prices)-512:]
	}
}

func sumQty(levels []model.PriceLevel) float64 {
	var total float64
	for _, l := range levels {
		total += indicators.DecimalToFloat(l.Qty)
	}
	return total
}

// maybeEvaluate scores the current market state and submits or flattens a
// position once warmup is satisfied, throttled to reevalPeriod so a burst
// of book deltas doesn't re-price on every tick.
func (s *MomentumStrategy) maybeEvaluate() error {
	if len(s.prices) < s.warmupPeriods {
		return nil
	}
	now := s.api.Now()
	if !s.lastEvalAt.IsZero() && now.Sub(s.lastEvalAt) < s.reevalPeriod {
		return nil
	}
	s.lastEvalAt = now

	score := s.compositeScore()
	pos := s.api.Position(s.symbol)

	switch {
	case score > s.threshold:
		return s.target(model.Buy)
	case score < -s.threshold:
		return s.target(model.Sell)
	default:
		if pos != nil && !pos.SignedQty.IsZero() {
			return s.flatten(pos)
		}
	}
	return nil
}

func (s *MomentumStrategy) compositeScore() float64 {
	var composite, totalWeight float64

	rsi := indicators.RSI(s.prices, 14)
	composite += indicators.RSIScore(rsi) * s.weights.RSI
	totalWeight += s.weights.RSI

	if len(s.prices) >= 10 {
		composite += indicators.MomentumScore(s.prices, 10) * s.weights.Momentum
		totalWeight += s.weights.Momentum
	}

	if s.bidVol > 0 || s.askVol > 0 {
		composite += indicators.OrderBookImbalanceScore(s.bidVol, s.askVol) * s.weights.OrderBook
		totalWeight += s.weights.OrderBook
		composite += indicators.BuySellRatioScore(s.bidVol, s.askVol) * s.weights.BuySellRatio
		totalWeight += s.weights.BuySellRatio
	}

	composite += indicators.FundingRateScore(s.fundingRate) * s.weights.FundingRate
	totalWeight += s.weights.FundingRate

	if totalWeight > 0 && totalWeight < 1.0 {
		composite /= totalWeight
	}
	return composite
}

func (s *MomentumStrategy) target(side model.Side) error {
	pos := s.api.Position(s.symbol)
	if pos != nil && !pos.SignedQty.IsZero() {
		sameSide := (pos.SignedQty.IsPositive() && side == model.Buy) || (pos.SignedQty.IsNegative() && side == model.Sell)
		if sameSide {
			return nil
		}
	}
	_, err := s.api.Submit(Intent{
		Symbol:    s.symbol,
		Side:      side,
		Kind:      model.Market,
		TIF:       model.TIF{Base: model.IOC},
		Qty:       s.entryQty,
		RouteHint: s.id,
	})
	if err != nil {
		return fmt.Errorf("momentum %s: submit: %w", s.id, err)
	}
	return nil
}

func (s *MomentumStrategy) flatten(pos *model.Position) error {
	side := model.Sell
	if pos.SignedQty.IsNegative() {
		side = model.Buy
	}
	_, err := s.api.Submit(Intent{
		Symbol:    s.symbol,
		Side:      side,
		Kind:      model.Market,
		TIF:       model.TIF{Base: model.IOC},
		Qty:       pos.SignedQty.Abs(),
		RouteHint: s.id,
	})
	if err != nil {
		return fmt.Errorf("momentum %s: flatten: %w", s.id, err)
	}
	return nil
}
