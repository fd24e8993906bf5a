package config

import (
	"strings"
	"time"
)

// Config is the root configuration handed to every component constructor.
type Config struct {
	App       AppConfig       `toml:"app"`
	Trading   TradingConfig   `toml:"trading"`
	Market    MarketConfig    `toml:"market"`
	News      NewsConfig      `toml:"news"`
	Reasoning ReasoningConfig `toml:"reasoning"`
	Exchange  ExchangeConfig  `toml:"exchange"`
	Audit     AuditConfig     `toml:"audit"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	HTTP      HTTPConfig      `toml:"http"`
	Trace     TraceConfig     `toml:"trace"`
	Prompt    PromptConfig    `toml:"prompt"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
	LLMLog   string `toml:"llm_log_path"`
	LLMDump  bool   `toml:"llm_dump_payload"`
}

// TradingConfig 可交易资产集合。
type TradingConfig struct {
	Assets []string `toml:"assets"`
	Quote  string   `toml:"quote"`
}

type MarketConfig struct {
	RESTBaseURL        string `toml:"rest_base_url"`
	ProxyURL           string `toml:"proxy_url"`
	HTTPTimeoutSeconds int    `toml:"http_timeout_seconds"`
	IntradayInterval   string `toml:"intraday_interval"`
	ContextInterval    string `toml:"context_interval"`
	CandleLimit        int    `toml:"candle_limit"`
}

func (m MarketConfig) HTTPTimeout() time.Duration {
	return time.Duration(m.HTTPTimeoutSeconds) * time.Second
}

// NewsConfig 新闻/情绪数据源（CryptoPanic 兼容格式）。
type NewsConfig struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	APIToken       string `toml:"api_token"`
	MaxItems       int    `toml:"max_items"`
	MaxItemChars   int    `toml:"max_item_chars"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

func (n NewsConfig) Timeout() time.Duration {
	return time.Duration(n.TimeoutSeconds) * time.Second
}

// ReasoningConfig 推理服务：native（Responses API）与 compat（Chat Completions）两种形态。
type ReasoningConfig struct {
	BaseURL          string  `toml:"base_url"`
	APIKey           string  `toml:"api_key"`
	Model            string  `toml:"model"`
	CompatModel      string  `toml:"compat_model"`
	Shape            string  `toml:"shape"` // auto | native | compat
	ReasoningEffort  string  `toml:"reasoning_effort"`
	Temperature      float64 `toml:"temperature"`
	MaxTokens        int     `toml:"max_tokens"`
	TimeoutSeconds   int     `toml:"timeout_seconds"`
	MaxAttempts      int     `toml:"max_attempts"`
	BackoffMillis    int     `toml:"backoff_millis"`
	MaxBackoffMillis int     `toml:"max_backoff_millis"`
}

func (r ReasoningConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// StartsOnCompat reports whether the configured base address only speaks the
// compatibility shape.
func (r ReasoningConfig) StartsOnCompat() bool {
	switch strings.ToLower(strings.TrimSpace(r.Shape)) {
	case "compat":
		return true
	case "native":
		return false
	}
	return strings.Contains(strings.ToLower(r.BaseURL), "perplexity")
}

// ExchangeConfig Binance USDⓈ-M 合约下单参数。
type ExchangeConfig struct {
	APIKey                  string         `toml:"api_key"`
	SecretKey               string         `toml:"secret_key"`
	AccountAddress          string         `toml:"account_address"`
	Testnet                 bool           `toml:"testnet"`
	BaseURL                 string         `toml:"base_url"`
	CapitalUSD              float64        `toml:"capital_usd"`
	MaxLeverage             int            `toml:"max_leverage"`
	QuantityPrecision       map[string]int `toml:"quantity_precision"`
	SubmitAttempts          int            `toml:"submit_attempts"`
	BackoffMillis           int            `toml:"backoff_millis"`
	TimeoutSeconds          int            `toml:"timeout_seconds"`
	ReconcilePolls          int            `toml:"reconcile_polls"`
	ReconcileIntervalMillis int            `toml:"reconcile_interval_millis"`
	LedgerPath              string         `toml:"ledger_path"`
}

func (e ExchangeConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

type AuditConfig struct {
	Path            string `toml:"path"`
	FallbackPath    string `toml:"fallback_path"`
	MaxSummaryBytes int    `toml:"max_summary_bytes"`
}

type PipelineConfig struct {
	BudgetSeconds  int     `toml:"budget_seconds"`
	MaxConcurrency int     `toml:"max_concurrency"`
	MinSize        float64 `toml:"min_size"`
}

func (p PipelineConfig) Budget() time.Duration {
	return time.Duration(p.BudgetSeconds) * time.Second
}

type SchedulerConfig struct {
	IntervalSeconds        int  `toml:"interval_seconds"`
	RunOnce                bool `toml:"run_once"`
	BreakerThreshold       int  `toml:"breaker_threshold"`
	BreakerCooldownSeconds int  `toml:"breaker_cooldown_seconds"`
}

func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

type HTTPConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

type TraceConfig struct {
	Enabled bool `toml:"enabled"`
	Pretty  bool `toml:"pretty"`
}

type PromptConfig struct {
	TemplatePath string `toml:"template_path"`
}

type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	_, ok := k[strings.ToLower(strings.TrimSpace(path))]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
