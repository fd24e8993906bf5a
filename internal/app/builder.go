package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"tradeagent/internal/audit"
	"tradeagent/internal/config"
	"tradeagent/internal/decision"
	"tradeagent/internal/execution"
	"tradeagent/internal/gateway/binance"
	"tradeagent/internal/gateway/exchange"
	"tradeagent/internal/gateway/provider"
	"tradeagent/internal/logger"
	"tradeagent/internal/market"
	"tradeagent/internal/market/aggregator"
	"tradeagent/internal/pipeline"
	"tradeagent/internal/pkg/retry"
	"tradeagent/internal/prompt"
	"tradeagent/internal/scheduler"
	"tradeagent/internal/sentiment"
	"tradeagent/internal/store/gormstore"
	"tradeagent/internal/store/ledger"
	audithttp "tradeagent/internal/transport/http/audit"
)

// AppBuilder 负责按配置装配全部组件，各阶段均可在测试中替换。
type AppBuilder struct {
	cfg *config.Config

	marketSourceFn func(config.MarketConfig, config.ExchangeConfig) (market.Source, error)
	exchangeFn     func(config.ExchangeConfig) (exchange.Exchange, error)
	newsProviderFn func(config.NewsConfig) sentiment.Provider
}

type AppBuilderOption func(*AppBuilder)

// WithExchange replaces the order gateway (paper trading, tests).
func WithExchange(ex exchange.Exchange) AppBuilderOption {
	return func(b *AppBuilder) {
		b.exchangeFn = func(config.ExchangeConfig) (exchange.Exchange, error) { return ex, nil }
	}
}

// WithMarketSource replaces the market data source.
func WithMarketSource(src market.Source) AppBuilderOption {
	return func(b *AppBuilder) {
		b.marketSourceFn = func(config.MarketConfig, config.ExchangeConfig) (market.Source, error) { return src, nil }
	}
}

// WithNewsProvider replaces the news feed.
func WithNewsProvider(p sentiment.Provider) AppBuilderOption {
	return func(b *AppBuilder) {
		b.newsProviderFn = func(config.NewsConfig) sentiment.Provider { return p }
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:            cfg,
		marketSourceFn: buildMarketSource,
		exchangeFn:     buildExchange,
		newsProviderFn: buildNewsProvider,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	app := &App{cfg: cfg}
	fail := func(err error) (*App, error) {
		app.Close()
		return nil, err
	}

	src, err := b.marketSourceFn(cfg.Market, cfg.Exchange)
	if err != nil {
		return fail(fmt.Errorf("init market source: %w", err))
	}
	agg := aggregator.New(src, aggregator.Config{
		IntradayInterval: cfg.Market.IntradayInterval,
		ContextInterval:  cfg.Market.ContextInterval,
		CandleLimit:      cfg.Market.CandleLimit,
		MaxConcurrency:   cfg.Pipeline.MaxConcurrency,
	})
	news := sentiment.NewCollector(b.newsProviderFn(cfg.News), sentiment.Config{
		Enabled:        cfg.News.Enabled,
		MaxItems:       cfg.News.MaxItems,
		MaxItemChars:   cfg.News.MaxItemChars,
		MaxConcurrency: cfg.Pipeline.MaxConcurrency,
	})

	registry, err := prompt.NewRegistry(promptPath(cfg.Prompt.TemplatePath))
	if err != nil {
		return fail(fmt.Errorf("load prompt template: %w", err))
	}
	client := provider.New(reasoningConfig(cfg))
	composer := prompt.NewComposer(registry, string(client.StartShape()))
	validator := decision.NewValidator(cfg.Trading.Assets, cfg.Pipeline.MinSize, cfg.Exchange.MaxLeverage)

	ex, err := b.exchangeFn(cfg.Exchange)
	if err != nil {
		return fail(fmt.Errorf("init exchange: %w", err))
	}
	app.ledger, err = ledger.Open(cfg.Exchange.LedgerPath)
	if err != nil {
		return fail(fmt.Errorf("open order ledger: %w", err))
	}
	engine := execution.NewEngine(ex, app.ledger, executionConfig(cfg))

	app.auditStore, err = gormstore.NewGormStore(cfg.Audit.Path)
	if err != nil {
		return fail(fmt.Errorf("open audit store: %w", err))
	}
	if err := app.auditStore.Migrate(); err != nil {
		return fail(fmt.Errorf("migrate audit store: %w", err))
	}
	app.recorder = audit.NewRecorder(app.auditStore, audit.Config{
		FallbackPath:    cfg.Audit.FallbackPath,
		MaxSummaryBytes: cfg.Audit.MaxSummaryBytes,
	})
	if n, err := app.recorder.Replay(ctx); err != nil {
		logger.Warnf("audit fallback replay incomplete (%d moved): %v", n, err)
	} else if n > 0 {
		logger.Infof("audit fallback replayed %d records into the primary store", n)
	}

	orch := pipeline.NewOrchestrator(pipeline.Config{
		Assets:         cfg.Trading.Assets,
		Budget:         cfg.Pipeline.Budget(),
		AccountAddress: cfg.Exchange.AccountAddress,
	}, pipeline.Deps{
		Market:    agg,
		Sentiment: news,
		Account:   ex,
		Composer:  composer,
		Reasoner:  client,
		Validator: validator,
		Executor:  engine,
		Recorder:  app.recorder,
	})
	app.scheduler = scheduler.New(scheduler.Config{
		Interval:         cfg.Scheduler.Interval(),
		RunOnce:          cfg.Scheduler.RunOnce,
		RunImmediately:   true,
		BreakerThreshold: cfg.Scheduler.BreakerThreshold,
		BreakerCooldown:  time.Duration(cfg.Scheduler.BreakerCooldownSeconds) * time.Second,
	}, orch)

	if cfg.HTTP.Enabled && !cfg.Scheduler.RunOnce {
		app.http, err = audithttp.NewServer(audithttp.ServerConfig{
			Addr:   cfg.HTTP.Addr,
			Reader: app.auditStore,
			Health: func() map[string]any {
				return map[string]any{
					"breaker":        app.scheduler.BreakerSnapshot(),
					"audit_fallback": len(app.recorder.Memory()),
				}
			},
		})
		if err != nil {
			return fail(fmt.Errorf("init audit http: %w", err))
		}
	}

	app.Summary = &StartupSummary{
		Assets:       cfg.Trading.Assets,
		Exchange:     ex.Name(),
		Testnet:      cfg.Exchange.Testnet,
		ReasoningURL: cfg.Reasoning.BaseURL,
		Model:        cfg.Reasoning.Model,
		StartShape:   string(client.StartShape()),
		Interval:     cfg.Scheduler.Interval(),
		RunOnce:      cfg.Scheduler.RunOnce,
		Budget:       cfg.Pipeline.Budget(),
		AuditPath:    cfg.Audit.Path,
		LedgerPath:   cfg.Exchange.LedgerPath,
		HTTPAddr:     app.http.Addr(),
	}
	return app, nil
}

func buildMarketSource(m config.MarketConfig, e config.ExchangeConfig) (market.Source, error) {
	return binance.New(binance.Config{
		RESTBaseURL: m.RESTBaseURL,
		HTTPTimeout: m.HTTPTimeout(),
		ProxyURL:    m.ProxyURL,
		Testnet:     e.Testnet,
	})
}

func buildExchange(e config.ExchangeConfig) (exchange.Exchange, error) {
	return binance.NewExchange(binance.Config{
		RESTBaseURL: e.BaseURL,
		HTTPTimeout: e.Timeout(),
		APIKey:      e.APIKey,
		SecretKey:   e.SecretKey,
		Testnet:     e.Testnet,
	})
}

func buildNewsProvider(n config.NewsConfig) sentiment.Provider {
	return sentiment.NewFeedProvider(sentiment.FeedConfig{
		Endpoint: n.Endpoint,
		Token:    n.APIToken,
		Timeout:  n.Timeout(),
	})
}

func reasoningConfig(cfg *config.Config) provider.Config {
	return provider.Config{
		BaseURL:     cfg.Reasoning.BaseURL,
		APIKey:      cfg.Reasoning.APIKey,
		Model:       cfg.Reasoning.Model,
		CompatModel: cfg.Reasoning.CompatModel,
		Shape:       cfg.Reasoning.Shape,
		Effort:      cfg.Reasoning.ReasoningEffort,
		Temperature: cfg.Reasoning.Temperature,
		MaxTokens:   cfg.Reasoning.MaxTokens,
		Timeout:     cfg.Reasoning.Timeout(),
		Policy: retry.Policy{
			MaxAttempts: cfg.Reasoning.MaxAttempts,
			Base:        time.Duration(cfg.Reasoning.BackoffMillis) * time.Millisecond,
			Max:         time.Duration(cfg.Reasoning.MaxBackoffMillis) * time.Millisecond,
		},
		Schema: decision.TradeSchema(cfg.Trading.Assets, cfg.Exchange.MaxLeverage),
	}
}

func executionConfig(cfg *config.Config) execution.Config {
	return execution.Config{
		CapitalUSD:        cfg.Exchange.CapitalUSD,
		QuantityPrecision: cfg.Exchange.QuantityPrecision,
		DefaultPrecision:  3,
		Quote:             cfg.Trading.Quote,
		Policy: retry.Policy{
			MaxAttempts: cfg.Exchange.SubmitAttempts,
			Base:        time.Duration(cfg.Exchange.BackoffMillis) * time.Millisecond,
			Max:         8 * time.Second,
		},
		CallTimeout:       cfg.Exchange.Timeout(),
		ReconcilePolls:    cfg.Exchange.ReconcilePolls,
		ReconcileInterval: time.Duration(cfg.Exchange.ReconcileIntervalMillis) * time.Millisecond,
	}
}

// promptPath 模板文件不存在时退回内置模板。
func promptPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		logger.Warnf("prompt template %s not readable (%v), using built-in template", path, err)
		return ""
	}
	return path
}
