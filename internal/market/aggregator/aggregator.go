// Package aggregator builds one MarketSnapshot per asset from a market.Source.
package aggregator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"tradeagent/internal/analysis/indicator"
	"tradeagent/internal/logger"
	"tradeagent/internal/market"
	"tradeagent/internal/types"
)

type Config struct {
	IntradayInterval string
	ContextInterval  string
	CandleLimit      int
	MaxConcurrency   int
	OIPeriod         string
	OILimit          int
}

func (c Config) withDefaults() Config {
	if c.IntradayInterval == "" {
		c.IntradayInterval = "1m"
	}
	if c.ContextInterval == "" {
		c.ContextInterval = "4h"
	}
	if c.CandleLimit < indicator.MinContextBars+1 {
		c.CandleLimit = 100
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 3
	}
	if c.OIPeriod == "" {
		c.OIPeriod = "5m"
	}
	if c.OILimit <= 0 {
		c.OILimit = 100
	}
	return c
}

type Aggregator struct {
	src market.Source
	cfg Config
	now func() time.Time
}

func New(src market.Source, cfg Config) *Aggregator {
	return &Aggregator{src: src, cfg: cfg.withDefaults(), now: time.Now}
}

// Collect fetches every asset concurrently. Snapshots keep the input order;
// assets that failed are left out and reported in the error map.
func (a *Aggregator) Collect(ctx context.Context, assets []string) ([]types.MarketSnapshot, map[string]error) {
	results := make([]*types.MarketSnapshot, len(assets))
	errs := make([]error, len(assets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.MaxConcurrency)
	for i, asset := range assets {
		i, asset := i, asset
		g.Go(func() error {
			snap, err := a.Snapshot(gctx, asset)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = &snap
			return nil
		})
	}
	_ = g.Wait()

	snapshots := make([]types.MarketSnapshot, 0, len(assets))
	failures := make(map[string]error)
	for i, asset := range assets {
		if errs[i] != nil {
			failures[asset] = errs[i]
			continue
		}
		if results[i] != nil {
			snapshots = append(snapshots, *results[i])
		}
	}
	return snapshots, failures
}

// Snapshot computes the indicator set for one asset. Missing intraday or
// context candles fail the asset; derivatives data only degrades it.
func (a *Aggregator) Snapshot(ctx context.Context, asset string) (types.MarketSnapshot, error) {
	intraday, err := a.src.FetchHistory(ctx, asset, a.cfg.IntradayInterval, a.cfg.CandleLimit)
	if err != nil {
		return types.MarketSnapshot{}, fmt.Errorf("%s %s klines: %w", asset, a.cfg.IntradayInterval, err)
	}
	values, err := indicator.Intraday(intraday)
	if err != nil {
		return types.MarketSnapshot{}, fmt.Errorf("%s: %w", asset, err)
	}

	longer, err := a.src.FetchHistory(ctx, asset, a.cfg.ContextInterval, a.cfg.CandleLimit)
	if err != nil {
		return types.MarketSnapshot{}, fmt.Errorf("%s %s klines: %w", asset, a.cfg.ContextInterval, err)
	}
	ctxValues, err := indicator.Context(longer)
	if err != nil {
		return types.MarketSnapshot{}, fmt.Errorf("%s: %w", asset, err)
	}
	for k, v := range ctxValues {
		values[k] = v
	}

	a.pivots(ctx, asset, longer).Into(values)
	a.derivatives(ctx, asset, values)

	return types.MarketSnapshot{
		Asset:      asset,
		Timestamp:  a.now().UTC(),
		Indicators: values,
	}, nil
}

// pivots uses the previous closed daily bar, or the last context bar when
// daily data is unavailable.
func (a *Aggregator) pivots(ctx context.Context, asset string, fallback market.Candles) indicator.PivotLevels {
	daily, err := a.src.FetchHistory(ctx, asset, "1d", 2)
	if err == nil && len(daily) > 0 {
		return indicator.Pivots(daily[len(daily)-1])
	}
	if err != nil {
		logger.Warnf("[aggregator] %s daily klines unavailable, pivots from %s: %v", asset, a.cfg.ContextInterval, err)
	}
	last, _ := fallback.Last()
	return indicator.Pivots(last)
}

func (a *Aggregator) derivatives(ctx context.Context, asset string, values map[string]float64) {
	if rate, err := a.src.GetFundingRate(ctx, asset); err != nil {
		logger.Warnf("[aggregator] %s funding rate: %v", asset, err)
	} else {
		values[indicator.KeyFundingRate] = rate
	}

	points, err := a.src.GetOpenInterestHistory(ctx, asset, a.cfg.OIPeriod, a.cfg.OILimit)
	if err != nil {
		logger.Warnf("[aggregator] %s open interest: %v", asset, err)
	} else if latest, avg, ok := indicator.OpenInterest(points); ok {
		values[indicator.KeyOILatest] = latest
		values[indicator.KeyOIAverage] = avg
	}

	rs, ok := a.src.(market.RatioSource)
	if !ok {
		return
	}
	ratios, err := rs.TopPositionRatio(ctx, asset, a.cfg.OIPeriod, 1)
	if err != nil {
		logger.Debugf("[aggregator] %s long/short ratio: %v", asset, err)
		return
	}
	if n := len(ratios); n > 0 {
		values[indicator.KeyLongShortRatio] = ratios[n-1].Ratio
	}
}
