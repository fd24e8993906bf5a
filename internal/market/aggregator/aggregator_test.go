package aggregator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeagent/internal/analysis/indicator"
	"tradeagent/internal/market"
)

type fakeSource struct {
	mu          sync.Mutex
	failAsset   map[string]bool
	failDaily   bool
	failFunding bool
	calls       int
}

func bars(n int) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		c := 100 + float64(i)
		out[i] = market.Candle{OpenTime: int64(i+1) * 60_000, Open: c, High: c + 2, Low: c - 2, Close: c, Volume: 10}
	}
	return out
}

func (f *fakeSource) FetchHistory(_ context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.failAsset[symbol] {
		return nil, errors.New("exchange unreachable")
	}
	if interval == "1d" {
		if f.failDaily {
			return nil, errors.New("no daily")
		}
		return []market.Candle{{High: 120, Low: 80, Close: 100}}, nil
	}
	return bars(limit), nil
}

func (f *fakeSource) GetFundingRate(context.Context, string) (float64, error) {
	if f.failFunding {
		return 0, errors.New("funding down")
	}
	return 0.0001, nil
}

func (f *fakeSource) GetOpenInterestHistory(context.Context, string, string, int) ([]market.OpenInterestPoint, error) {
	return []market.OpenInterestPoint{{SumOpenInterestValue: 10}, {SumOpenInterestValue: 30}}, nil
}

func TestCollect_AllAssets(t *testing.T) {
	agg := New(&fakeSource{}, Config{})
	snaps, failures := agg.Collect(context.Background(), []string{"BTC", "ETH", "SOL"})

	assert.Empty(t, failures)
	require.Len(t, snaps, 3)
	assert.Equal(t, []string{"BTC", "ETH", "SOL"}, []string{snaps[0].Asset, snaps[1].Asset, snaps[2].Asset})

	ind := snaps[0].Indicators
	assert.Equal(t, 199.0, ind[indicator.KeyPrice])
	assert.Equal(t, 100.0, ind[indicator.KeyPivotPP])
	assert.Equal(t, 0.0001, ind[indicator.KeyFundingRate])
	assert.Equal(t, 30.0, ind[indicator.KeyOILatest])
	assert.Equal(t, 20.0, ind[indicator.KeyOIAverage])
	assert.False(t, snaps[0].Timestamp.IsZero())
}

func TestCollect_PartialFailureDropsAsset(t *testing.T) {
	agg := New(&fakeSource{failAsset: map[string]bool{"ETH": true}}, Config{MaxConcurrency: 1})
	snaps, failures := agg.Collect(context.Background(), []string{"BTC", "ETH", "SOL"})

	require.Len(t, snaps, 2)
	assert.Equal(t, "BTC", snaps[0].Asset)
	assert.Equal(t, "SOL", snaps[1].Asset)
	require.Contains(t, failures, "ETH")
	assert.Contains(t, failures["ETH"].Error(), "unreachable")
}

func TestSnapshot_DegradesOptionalData(t *testing.T) {
	agg := New(&fakeSource{failDaily: true, failFunding: true}, Config{})
	snap, err := agg.Snapshot(context.Background(), "BTC")
	require.NoError(t, err)

	_, ok := snap.Indicator(indicator.KeyFundingRate)
	assert.False(t, ok)
	// last context bar: high 201, low 197, close 199
	assert.InDelta(t, 199, snap.Indicators[indicator.KeyPivotPP], 1e-9)
}

func TestSnapshot_TooFewCandles(t *testing.T) {
	agg := New(&fakeSource{}, Config{})
	agg.cfg.CandleLimit = 20
	_, err := agg.Snapshot(context.Background(), "BTC")
	assert.Error(t, err)
}
