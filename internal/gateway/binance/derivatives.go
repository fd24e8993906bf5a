package binance

import (
	"context"
	"fmt"
	"strings"

	"tradeagent/internal/market"
	"tradeagent/internal/pkg/symbol"
)

const maxStatsLimit = 500

// statsArgs 校验合约统计类接口的公共参数。
func (s *Source) statsArgs(sym, period string, limit int) (string, string, int, error) {
	if s == nil || s.client == nil {
		return "", "", 0, fmt.Errorf("binance source not initialized")
	}
	pair := symbol.Parse(sym).Binance()
	period = strings.ToLower(strings.TrimSpace(period))
	if pair == "" || period == "" {
		return "", "", 0, fmt.Errorf("symbol and period are required (got %q, %q)", sym, period)
	}
	switch {
	case limit <= 0:
		limit = 30
	case limit > maxStatsLimit:
		limit = maxStatsLimit
	}
	return pair, period, limit, nil
}

// GetFundingRate returns the last funding rate, e.g. 0.0001 for 0.01%.
func (s *Source) GetFundingRate(ctx context.Context, sym string) (float64, error) {
	if s == nil || s.client == nil {
		return 0, fmt.Errorf("binance source not initialized")
	}
	pair := symbol.Parse(sym).Binance()
	if pair == "" {
		return 0, fmt.Errorf("invalid symbol: %s", sym)
	}
	res, err := s.client.NewPremiumIndexService().Symbol(pair).Do(ctx)
	if err != nil {
		return 0, classify("premium index", err)
	}
	for _, entry := range res {
		if entry != nil && strings.EqualFold(entry.Symbol, pair) {
			return parseFloat(entry.LastFundingRate), nil
		}
	}
	return 0, fmt.Errorf("funding rate not available for %s", pair)
}

// GetOpenInterestHistory returns open-interest statistics, oldest first.
func (s *Source) GetOpenInterestHistory(ctx context.Context, sym, period string, limit int) ([]market.OpenInterestPoint, error) {
	pair, period, limit, err := s.statsArgs(sym, period, limit)
	if err != nil {
		return nil, err
	}
	stats, err := s.client.NewOpenInterestStatisticsService().Symbol(pair).Period(period).Limit(limit).Do(ctx)
	if err != nil {
		return nil, classify("open interest", err)
	}
	points := make([]market.OpenInterestPoint, 0, len(stats))
	for _, st := range stats {
		if st == nil {
			continue
		}
		points = append(points, market.OpenInterestPoint{
			Symbol:               st.Symbol,
			SumOpenInterest:      parseFloat(st.SumOpenInterest),
			SumOpenInterestValue: parseFloat(st.SumOpenInterestValue),
			Timestamp:            st.Timestamp,
		})
	}
	return points, nil
}

// TopPositionRatio returns the top-trader long/short position ratio series.
func (s *Source) TopPositionRatio(ctx context.Context, sym, period string, limit int) ([]market.LongShortRatioPoint, error) {
	pair, period, limit, err := s.statsArgs(sym, period, limit)
	if err != nil {
		return nil, err
	}
	raw, err := s.client.NewTopLongShortPositionRatioService().Symbol(pair).Period(period).Limit(uint32(limit)).Do(ctx)
	if err != nil {
		return nil, classify("long/short ratio", err)
	}
	points := make([]market.LongShortRatioPoint, 0, len(raw))
	for _, r := range raw {
		if r == nil {
			continue
		}
		points = append(points, market.LongShortRatioPoint{
			Timestamp: int64(r.Timestamp),
			Ratio:     parseFloat(r.LongShortRatio),
			Long:      parseFloat(r.LongAccount),
			Short:     parseFloat(r.ShortAccount),
		})
	}
	return points, nil
}
