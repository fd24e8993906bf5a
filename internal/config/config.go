package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// envBindings maps secret-bearing keys to the environment variables that may
// supply them. The first non-empty variable wins over the file value.
var envBindings = map[string][]string{
	"reasoning.api_key":        {"TRADEAGENT_REASONING_API_KEY", "OPENAI_API_KEY"},
	"reasoning.base_url":       {"TRADEAGENT_REASONING_BASE_URL", "OPENAI_API_BASE"},
	"exchange.api_key":         {"TRADEAGENT_EXCHANGE_API_KEY", "BINANCE_API_KEY"},
	"exchange.secret_key":      {"TRADEAGENT_EXCHANGE_SECRET_KEY", "BINANCE_SECRET_KEY", "PRIVATE_KEY"},
	"exchange.account_address": {"TRADEAGENT_EXCHANGE_ACCOUNT", "WALLET_ADDRESS"},
	"news.api_token":           {"TRADEAGENT_NEWS_TOKEN", "CRYPTOPANIC_TOKEN"},
}

// Load reads path and its includes, overlays secrets from the environment,
// fills defaults for unset keys and validates the result.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	root, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	files, err := newIncludeWalker().walk(root)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	for _, file := range files {
		if err := mergeConfigFile(v, file); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", file, err)
		}
	}
	for key, names := range envBindings {
		_ = v.BindEnv(append([]string{key}, names...)...)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults(explicitKeys(v))
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// explicitKeys 收集配置文件或环境变量中显式给出的键（含父路径）。
func explicitKeys(v *viper.Viper) keySet {
	keys := make(keySet)
	for _, k := range v.AllKeys() {
		if !v.IsSet(k) {
			continue
		}
		parts := strings.Split(k, ".")
		for i := range parts {
			keys.mark(strings.Join(parts[:i+1], "."))
		}
	}
	return keys
}

func mergeConfigFile(v *viper.Viper, path string) error {
	tmp := viper.New()
	tmp.SetConfigFile(path)
	if err := tmp.ReadInConfig(); err != nil {
		return err
	}
	return v.MergeConfigMap(tmp.AllSettings())
}

// includeWalker flattens `include:` lists depth first; included files come
// before the file that includes them so the includer wins on merge.
type includeWalker struct {
	seen  map[string]bool
	stack map[string]bool
	order []string
}

func newIncludeWalker() *includeWalker {
	return &includeWalker{seen: map[string]bool{}, stack: map[string]bool{}}
}

func (w *includeWalker) walk(root string) ([]string, error) {
	if err := w.visit(filepath.Clean(root)); err != nil {
		return nil, err
	}
	return w.order, nil
}

func (w *includeWalker) visit(path string) error {
	if w.stack[path] {
		return fmt.Errorf("include cycle detected: %s", path)
	}
	if w.seen[path] {
		return nil
	}
	w.stack[path] = true
	defer delete(w.stack, path)

	tmp := viper.New()
	tmp.SetConfigFile(path)
	if err := tmp.ReadInConfig(); err != nil {
		return fmt.Errorf("parsing include failed (%s): %w", path, err)
	}
	if raw := tmp.Get("include"); raw != nil {
		if _, ok := raw.([]any); !ok {
			return fmt.Errorf("parsing include failed (%s): include must be a string array", path)
		}
	}
	for _, inc := range tmp.GetStringSlice("include") {
		inc = strings.TrimSpace(inc)
		if inc == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		if err := w.visit(filepath.Clean(inc)); err != nil {
			return err
		}
	}
	w.seen[path] = true
	w.order = append(w.order, path)
	return nil
}
