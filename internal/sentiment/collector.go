package sentiment

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"tradeagent/internal/logger"
	"tradeagent/internal/pkg/text"
	"tradeagent/internal/types"
)

type Config struct {
	Enabled        bool
	MaxItems       int
	MaxItemChars   int
	MaxConcurrency int
}

// Collector fans out over assets and condenses each feed into a bundle.
type Collector struct {
	provider Provider
	cfg      Config
	now      func() time.Time
}

func NewCollector(provider Provider, cfg Config) *Collector {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 5
	}
	if cfg.MaxItemChars <= 0 {
		cfg.MaxItemChars = 280
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 3
	}
	return &Collector{provider: provider, cfg: cfg, now: time.Now}
}

// Collect returns one bundle per asset that succeeded, in input order.
// A disabled collector returns empty bundles for every asset.
func (c *Collector) Collect(ctx context.Context, assets []string) ([]types.SentimentBundle, map[string]error) {
	bundles := make([]types.SentimentBundle, len(assets))
	errs := make([]error, len(assets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrency)
	for i, asset := range assets {
		i, asset := i, asset
		g.Go(func() error {
			bundles[i], errs[i] = c.Bundle(gctx, asset)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]types.SentimentBundle, 0, len(assets))
	failures := make(map[string]error)
	for i, asset := range assets {
		if errs[i] != nil {
			failures[asset] = errs[i]
			continue
		}
		out = append(out, bundles[i])
	}
	return out, failures
}

// Bundle fetches and condenses the news of one asset, newest first.
func (c *Collector) Bundle(ctx context.Context, asset string) (types.SentimentBundle, error) {
	now := c.now().UTC()
	bundle := types.SentimentBundle{Asset: asset, Timestamp: now, Items: []types.NewsItem{}}
	if !c.cfg.Enabled || c.provider == nil {
		return bundle, nil
	}
	articles, err := c.provider.Fetch(ctx, asset, c.cfg.MaxItems)
	if err != nil {
		return types.SentimentBundle{}, err
	}
	sort.SliceStable(articles, func(i, j int) bool {
		return articles[i].PublishedAt.After(articles[j].PublishedAt)
	})
	for _, a := range articles {
		if len(bundle.Items) >= c.cfg.MaxItems {
			break
		}
		item := types.NewsItem{
			Text:   text.Truncate(condense(a), c.cfg.MaxItemChars),
			Source: a.Source,
		}
		if !a.PublishedAt.IsZero() && now.After(a.PublishedAt) {
			item.Recency = now.Sub(a.PublishedAt).Truncate(time.Minute)
		}
		bundle.Items = append(bundle.Items, item)
	}
	logger.Debugf("[sentiment] %s items=%d", asset, len(bundle.Items))
	return bundle, nil
}

func condense(a Article) string {
	switch {
	case a.Title == "":
		return a.Body
	case a.Body == "" || a.Body == a.Title:
		return a.Title
	default:
		return a.Title + ": " + a.Body
	}
}
