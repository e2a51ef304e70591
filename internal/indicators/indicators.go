// Package indicators holds the scoring inputs MomentumStrategy blends
// into its composite signal. Each *Score function maps a raw market
// measurement onto a bounded contribution, positive bullish, negative
// bearish, so the strategy can sum weighted terms without per-indicator
// normalization.
package indicators

import "github.com/shopspring/decimal"

// RSI computes the Wilder-smoothed Relative Strength Index over prices.
// Returns the neutral 50 until enough history has accumulated.
func RSI(prices []float64, period int) float64 {
	if len(prices) < period+1 {
		return 50
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := prices[i] - prices[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(prices); i++ {
		delta := prices[i] - prices[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// RSIScore maps an RSI reading onto a [-20, +20] contribution: oversold
// readings score bullish, overbought bearish, the 40-60 band zero.
func RSIScore(rsi float64) float64 {
	switch {
	case rsi < 30:
		return 10 + (30-rsi)/30*10
	case rsi < 40:
		return (40 - rsi) / 10 * 10
	case rsi > 70:
		return -10 - (rsi-70)/30*10
	case rsi > 60:
		return -(rsi - 60) / 10 * 10
	default:
		return 0
	}
}

// MomentumScore maps the percentage price change over period onto a
// [-30, +30] contribution; a 1% move saturates the scale.
func MomentumScore(prices []float64, period int) float64 {
	return clamp(momentumPct(prices, period)*30, 30)
}

// momentumPct is the percent change between the latest price and the one
// period samples earlier.
func momentumPct(prices []float64, period int) float64 {
	if len(prices) <= period {
		return 0
	}
	last := prices[len(prices)-1]
	base := prices[len(prices)-1-period]
	if base == 0 {
		return 0
	}
	return (last - base) / base * 100
}

// OrderBookImbalanceScore maps resting bid/ask volume imbalance onto a
// [-20, +20] contribution; a 1.5x imbalance saturates the scale.
func OrderBookImbalanceScore(bidVolume, askVolume float64) float64 {
	switch {
	case askVolume == 0:
		return 20
	case bidVolume == 0:
		return -20
	}

	ratio := bidVolume / askVolume
	if ratio >= 1 {
		return clamp((ratio-1)*40, 20)
	}
	return -clamp((1-ratio)*40, 20)
}

// FundingRateScore is a contrarian [-15, +15] contribution: heavily
// positive funding means crowded longs (bearish), heavily negative means
// crowded shorts (bullish).
func FundingRateScore(fundingRate float64) float64 {
	pct := fundingRate * 100
	switch {
	case pct > 0.05:
		return -15
	case pct > 0.02:
		return -10
	case pct < -0.05:
		return 15
	case pct < -0.02:
		return 10
	default:
		return 0
	}
}

// BuySellRatioScore maps taker buy/sell pressure onto a [-15, +15]
// contribution.
func BuySellRatioScore(buyVolume, sellVolume float64) float64 {
	if sellVolume == 0 {
		return 15
	}
	ratio := buyVolume / sellVolume
	switch {
	case ratio > 1.5:
		return 15
	case ratio > 1.2:
		return 10
	case ratio > 1.1:
		return 5
	case ratio < 0.67:
		return -15
	case ratio < 0.83:
		return -10
	case ratio < 0.9:
		return -5
	default:
		return 0
	}
}

// clamp bounds v to [-limit, limit].
func clamp(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

// DecimalToFloat converts a decimal price/quantity to float64 for the
// indicator math, which has no need for exact arithmetic.
func DecimalToFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
