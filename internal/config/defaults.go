package config

import (
	"strings"
)

const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultQuote             = "USDT"
	defaultMarketREST        = "https://fapi.binance.com"
	defaultMarketTimeout     = 15
	defaultIntradayInterval  = "1m"
	defaultContextInterval   = "4h"
	defaultCandleLimit       = 100
	defaultNewsEndpoint      = "https://cryptopanic.com/api/v1/posts/"
	defaultNewsMaxItems      = 5
	defaultNewsItemChars     = 280
	defaultNewsTimeout       = 10
	defaultReasoningBase     = "https://api.openai.com/v1"
	defaultReasoningModel    = "gpt-5.1"
	defaultCompatModel       = "gpt-4"
	defaultPerplexityModel   = "sonar"
	defaultReasoningShape    = "auto"
	defaultReasoningEffort   = "medium"
	defaultTemperature       = 0.7
	defaultMaxTokens         = 1000
	defaultReasoningTimeout  = 90
	defaultReasoningAttempts = 3
	defaultBackoffMillis     = 800
	defaultMaxBackoffMillis  = 8000
	defaultCapitalUSD        = 1000
	defaultMaxLeverage       = 10
	defaultSubmitAttempts    = 3
	defaultExchangeTimeout   = 10
	defaultReconcilePolls    = 3
	defaultReconcileMillis   = 500
	defaultLedgerPath        = "data/ledger.db"
	defaultAuditPath         = "data/audit.db"
	defaultAuditFallback     = "data/audit-fallback.jsonl"
	defaultSummaryBytes      = 4096
	defaultBudgetSeconds     = 300
	defaultMaxConcurrency    = 3
	defaultMinSize           = 0.01
	defaultCycleSeconds      = 9000
	defaultBreakerThreshold  = 3
	defaultBreakerCooldown   = 1800
	defaultHTTPAddr          = ":9991"
	defaultPromptPath        = "configs/prompt.yaml"
)

var defaultAssets = []string{"BTC", "ETH", "SOL"}

// applyDefaults fills only the keys the config files left unset.
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Trading.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.News.applyDefaults(keys)
	c.Reasoning.applyDefaults(keys)
	c.Exchange.applyDefaults(keys)
	c.Audit.applyDefaults(keys)
	c.Pipeline.applyDefaults(keys)
	c.Scheduler.applyDefaults(keys)
	c.HTTP.applyDefaults(keys)
	c.Prompt.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
	)
}

func (t *TradingConfig) applyDefaults(keys keySet) {
	if len(t.Assets) == 0 && !keys.isSet("trading.assets") {
		t.Assets = append([]string(nil), defaultAssets...)
	}
	applyFieldDefaults(keys, stringFieldDefault("trading.quote", &t.Quote, defaultQuote))
	t.Quote = strings.ToUpper(strings.TrimSpace(t.Quote))
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("market.rest_base_url", &m.RESTBaseURL, defaultMarketREST),
		stringFieldDefault("market.intraday_interval", &m.IntradayInterval, defaultIntradayInterval),
		stringFieldDefault("market.context_interval", &m.ContextInterval, defaultContextInterval),
		intFieldDefault("market.http_timeout_seconds", &m.HTTPTimeoutSeconds, defaultMarketTimeout),
		intFieldDefault("market.candle_limit", &m.CandleLimit, defaultCandleLimit),
	)
}

func (n *NewsConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		boolFieldDefault("news.enabled", &n.Enabled, true),
		stringFieldDefault("news.endpoint", &n.Endpoint, defaultNewsEndpoint),
		intFieldDefault("news.max_items", &n.MaxItems, defaultNewsMaxItems),
		intFieldDefault("news.max_item_chars", &n.MaxItemChars, defaultNewsItemChars),
		intFieldDefault("news.timeout_seconds", &n.TimeoutSeconds, defaultNewsTimeout),
	)
}

func (r *ReasoningConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("reasoning.base_url", &r.BaseURL, defaultReasoningBase),
		stringFieldDefault("reasoning.shape", &r.Shape, defaultReasoningShape),
		stringFieldDefault("reasoning.reasoning_effort", &r.ReasoningEffort, defaultReasoningEffort),
		floatFieldDefault("reasoning.temperature", &r.Temperature, defaultTemperature),
		intFieldDefault("reasoning.max_tokens", &r.MaxTokens, defaultMaxTokens),
		intFieldDefault("reasoning.timeout_seconds", &r.TimeoutSeconds, defaultReasoningTimeout),
		intFieldDefault("reasoning.max_attempts", &r.MaxAttempts, defaultReasoningAttempts),
		intFieldDefault("reasoning.backoff_millis", &r.BackoffMillis, defaultBackoffMillis),
		intFieldDefault("reasoning.max_backoff_millis", &r.MaxBackoffMillis, defaultMaxBackoffMillis),
	)
	model, compat := defaultReasoningModel, defaultCompatModel
	if r.StartsOnCompat() {
		model, compat = defaultPerplexityModel, defaultPerplexityModel
	}
	applyFieldDefaults(keys,
		stringFieldDefault("reasoning.model", &r.Model, model),
		stringFieldDefault("reasoning.compat_model", &r.CompatModel, compat),
	)
}

func (e *ExchangeConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("exchange.capital_usd", &e.CapitalUSD, defaultCapitalUSD),
		intFieldDefault("exchange.max_leverage", &e.MaxLeverage, defaultMaxLeverage),
		intFieldDefault("exchange.submit_attempts", &e.SubmitAttempts, defaultSubmitAttempts),
		intFieldDefault("exchange.backoff_millis", &e.BackoffMillis, defaultBackoffMillis),
		intFieldDefault("exchange.timeout_seconds", &e.TimeoutSeconds, defaultExchangeTimeout),
		intFieldDefault("exchange.reconcile_polls", &e.ReconcilePolls, defaultReconcilePolls),
		intFieldDefault("exchange.reconcile_interval_millis", &e.ReconcileIntervalMillis, defaultReconcileMillis),
		stringFieldDefault("exchange.ledger_path", &e.LedgerPath, defaultLedgerPath),
	)
	if e.QuantityPrecision == nil {
		e.QuantityPrecision = map[string]int{"BTC": 3, "ETH": 3, "SOL": 0}
	}
}

func (a *AuditConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("audit.path", &a.Path, defaultAuditPath),
		stringFieldDefault("audit.fallback_path", &a.FallbackPath, defaultAuditFallback),
		intFieldDefault("audit.max_summary_bytes", &a.MaxSummaryBytes, defaultSummaryBytes),
	)
}

func (p *PipelineConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("pipeline.budget_seconds", &p.BudgetSeconds, defaultBudgetSeconds),
		intFieldDefault("pipeline.max_concurrency", &p.MaxConcurrency, defaultMaxConcurrency),
		floatFieldDefault("pipeline.min_size", &p.MinSize, defaultMinSize),
	)
}

func (s *SchedulerConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("scheduler.interval_seconds", &s.IntervalSeconds, defaultCycleSeconds),
		intFieldDefault("scheduler.breaker_threshold", &s.BreakerThreshold, defaultBreakerThreshold),
		intFieldDefault("scheduler.breaker_cooldown_seconds", &s.BreakerCooldownSeconds, defaultBreakerCooldown),
	)
}

func (h *HTTPConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys, stringFieldDefault("http.addr", &h.Addr, defaultHTTPAddr))
}

func (p *PromptConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys, stringFieldDefault("prompt.template_path", &p.TemplatePath, defaultPromptPath))
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:   key,
		apply: func() { *target = def },
	}
}
