package market

import "context"

type OpenInterestPoint struct {
	Symbol               string  `json:"symbol"`
	SumOpenInterest      float64 `json:"sumOpenInterest"`
	SumOpenInterestValue float64 `json:"sumOpenInterestValue"`
	Timestamp            int64   `json:"timestamp"`
}

// Source is the market-data provider the aggregator pulls from. Symbols are
// accepted in any form symbol.Parse understands.
type Source interface {
	FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)

	GetFundingRate(ctx context.Context, symbol string) (float64, error)

	GetOpenInterestHistory(ctx context.Context, symbol, period string, limit int) ([]OpenInterestPoint, error)
}

type LongShortRatioPoint struct {
	Timestamp int64   `json:"timestamp"`
	Ratio     float64 `json:"ratio"`
	Long      float64 `json:"long"`
	Short     float64 `json:"short"`
}

// RatioSource is implemented by sources that expose top-trader positioning.
type RatioSource interface {
	TopPositionRatio(ctx context.Context, symbol, period string, limit int) ([]LongShortRatioPoint, error)
}
