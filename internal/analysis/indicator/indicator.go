package indicator

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"tradeagent/internal/market"
)

// Indicator keys written into types.MarketSnapshot.Indicators.
const (
	KeyPrice          = "price"
	KeyEMA20          = "ema20_1m"
	KeyMACDHist       = "macd_hist_1m"
	KeyRSI7           = "rsi7_1m"
	KeyRSI14          = "rsi14_1m"
	KeyEMA20Ctx       = "ema20_4h"
	KeyEMA50Ctx       = "ema50_4h"
	KeyATR3Ctx        = "atr3_4h"
	KeyATR14Ctx       = "atr14_4h"
	KeyMACDHistCtx    = "macd_hist_4h"
	KeyRSI14Ctx       = "rsi14_4h"
	KeyVolumeCtx      = "volume_4h"
	KeyVolumeAvgCtx   = "volume_avg_4h"
	KeyPivotPP        = "pivot_pp"
	KeyPivotS1        = "pivot_s1"
	KeyPivotS2        = "pivot_s2"
	KeyPivotR1        = "pivot_r1"
	KeyPivotR2        = "pivot_r2"
	KeyFundingRate    = "funding_rate"
	KeyOILatest       = "oi_latest"
	KeyOIAverage      = "oi_average"
	KeyLongShortRatio = "long_short_ratio"
)

const (
	// MACD(12,26,9) needs slow+signal-1 bars before the histogram is defined.
	MinIntradayBars = 34
	MinContextBars  = 50
	volumeAvgWindow = 20
)

// Intraday computes the short-timeframe block: last close, EMA20, MACD
// histogram, RSI7 and RSI14.
func Intraday(candles market.Candles) (map[string]float64, error) {
	if len(candles) < MinIntradayBars {
		return nil, fmt.Errorf("intraday needs %d candles, got %d", MinIntradayBars, len(candles))
	}
	closes := candles.Closes()
	_, _, hist := talib.Macd(closes, 12, 26, 9)
	out := map[string]float64{
		KeyPrice:    closes[len(closes)-1],
		KeyEMA20:    lastValid(talib.Ema(closes, 20)),
		KeyMACDHist: lastValid(hist),
		KeyRSI7:     lastValid(talib.Rsi(closes, 7)),
		KeyRSI14:    lastValid(talib.Rsi(closes, 14)),
	}
	return roundAll(out), nil
}

// Context computes the longer-timeframe block: EMA20/50, ATR3/14, MACD
// histogram, RSI14 and current vs average volume.
func Context(candles market.Candles) (map[string]float64, error) {
	if len(candles) < MinContextBars {
		return nil, fmt.Errorf("context needs %d candles, got %d", MinContextBars, len(candles))
	}
	closes := candles.Closes()
	highs := candles.Highs()
	lows := candles.Lows()
	volumes := candles.Volumes()
	_, _, hist := talib.Macd(closes, 12, 26, 9)
	out := map[string]float64{
		KeyEMA20Ctx:     lastValid(talib.Ema(closes, 20)),
		KeyEMA50Ctx:     lastValid(talib.Ema(closes, 50)),
		KeyATR3Ctx:      lastValid(talib.Atr(highs, lows, closes, 3)),
		KeyATR14Ctx:     lastValid(talib.Atr(highs, lows, closes, 14)),
		KeyMACDHistCtx:  lastValid(hist),
		KeyRSI14Ctx:     lastValid(talib.Rsi(closes, 14)),
		KeyVolumeCtx:    volumes[len(volumes)-1],
		KeyVolumeAvgCtx: mean(tail(volumes, volumeAvgWindow)),
	}
	return roundAll(out), nil
}

// PivotLevels are classic floor pivots.
type PivotLevels struct {
	PP, S1, S2, R1, R2 float64
}

// Pivots derives the levels from one bar's high, low and close.
func Pivots(bar market.Candle) PivotLevels {
	pp := (bar.High + bar.Low + bar.Close) / 3
	rng := bar.High - bar.Low
	return PivotLevels{
		PP: pp,
		S1: 2*pp - bar.High,
		S2: pp - rng,
		R1: 2*pp - bar.Low,
		R2: pp + rng,
	}
}

// Into writes the levels into dst.
func (p PivotLevels) Into(dst map[string]float64) {
	dst[KeyPivotPP] = round4(p.PP)
	dst[KeyPivotS1] = round4(p.S1)
	dst[KeyPivotS2] = round4(p.S2)
	dst[KeyPivotR1] = round4(p.R1)
	dst[KeyPivotR2] = round4(p.R2)
}

// OpenInterest returns the latest and mean open-interest value of the series.
func OpenInterest(points []market.OpenInterestPoint) (latest, average float64, ok bool) {
	if len(points) == 0 {
		return 0, 0, false
	}
	vals := make([]float64, len(points))
	for i, p := range points {
		vals[i] = p.SumOpenInterestValue
	}
	return vals[len(vals)-1], mean(vals), true
}

func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) && !math.IsInf(series[i], 0) {
			return series[i]
		}
	}
	return 0
}

func tail(series []float64, n int) []float64 {
	if len(series) <= n {
		return series
	}
	return series[len(series)-n:]
}

func mean(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	var sum float64
	for _, v := range series {
		sum += v
	}
	return sum / float64(len(series))
}

func roundAll(m map[string]float64) map[string]float64 {
	for k, v := range m {
		m[k] = round4(v)
	}
	return m
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
