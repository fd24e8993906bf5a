package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"tradeagent/internal/market"
	"tradeagent/internal/pkg/symbol"
)

const maxHistoryLimit = 1500

// Source 基于 go-binance SDK 的 USDⓈ-M 行情源（仅 REST，无需密钥）。
type Source struct {
	cfg    Config
	client *futures.Client
	now    func() time.Time
}

var _ market.Source = (*Source)(nil)
var _ market.RatioSource = (*Source)(nil)

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client, err := newFuturesClient(final)
	if err != nil {
		return nil, err
	}
	return &Source{cfg: final, client: client, now: time.Now}, nil
}

// newFuturesClient is shared by the market source and the order gateway.
func newFuturesClient(cfg Config) (*futures.Client, error) {
	if cfg.Testnet {
		futures.UseTestnet = true
	}
	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.RESTBaseURL != "" {
		client.BaseURL = cfg.RESTBaseURL
	}
	hc := &http.Client{Timeout: cfg.HTTPTimeout}
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		base, ok := http.DefaultTransport.(*http.Transport)
		if !ok {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		tr := base.Clone()
		tr.Proxy = http.ProxyURL(proxy)
		hc.Transport = tr
	}
	client.HTTPClient = hc
	return client, nil
}

// FetchHistory returns closed klines only; the in-progress bar is dropped so
// indicators never see a partial candle.
func (s *Source) FetchHistory(ctx context.Context, sym, interval string, limit int) ([]market.Candle, error) {
	pair := symbol.Binance.ToExchange(strings.TrimSpace(sym))
	interval = strings.ToLower(strings.TrimSpace(interval))
	if pair == "" || interval == "" {
		return nil, fmt.Errorf("symbol and interval are required (got %q, %q)", sym, interval)
	}
	limit = min(max(limit, 1), maxHistoryLimit)

	kls, err := s.client.NewKlinesService().Symbol(pair).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, classify("klines", err)
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl != nil {
			out = append(out, toCandle(kl))
		}
	}
	if dur, ok := market.ParseIntervalDuration(interval); ok {
		out = market.DropUnclosed(out, dur, s.now().UTC(), market.DefaultKlineGrace)
	}
	return out, nil
}

func toCandle(kl *futures.Kline) market.Candle {
	return market.Candle{
		OpenTime:  kl.OpenTime,
		CloseTime: kl.CloseTime,
		Open:      parseFloat(kl.Open),
		High:      parseFloat(kl.High),
		Low:       parseFloat(kl.Low),
		Close:     parseFloat(kl.Close),
		Volume:    parseFloat(kl.Volume),
		Trades:    kl.TradeNum,
	}
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
