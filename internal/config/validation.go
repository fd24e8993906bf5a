package config

import (
	"fmt"
	"strings"
)

func validate(c *Config) error {
	if len(c.Trading.Assets) == 0 {
		return fmt.Errorf("trading.assets requires at least one asset")
	}
	if err := c.Reasoning.validate(); err != nil {
		return err
	}
	if err := c.Exchange.validate(); err != nil {
		return err
	}
	if err := c.Pipeline.validate(); err != nil {
		return err
	}
	if c.Scheduler.IntervalSeconds <= 0 {
		return fmt.Errorf("scheduler.interval_seconds must be > 0")
	}
	return nil
}

func (r *ReasoningConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(r.Shape)) {
	case "auto", "native", "compat":
	default:
		return fmt.Errorf("reasoning.shape must be auto, native or compat (got %q)", r.Shape)
	}
	if strings.TrimSpace(r.BaseURL) == "" {
		return fmt.Errorf("reasoning.base_url is required")
	}
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("reasoning.model is required")
	}
	if r.MaxAttempts <= 0 {
		return fmt.Errorf("reasoning.max_attempts must be > 0")
	}
	return nil
}

func (e *ExchangeConfig) validate() error {
	if e.CapitalUSD <= 0 {
		return fmt.Errorf("exchange.capital_usd must be > 0")
	}
	if e.MaxLeverage < 1 || e.MaxLeverage > 125 {
		return fmt.Errorf("exchange.max_leverage must be within [1,125]")
	}
	for asset, p := range e.QuantityPrecision {
		if p < 0 || p > 8 {
			return fmt.Errorf("exchange.quantity_precision.%s must be within [0,8]", asset)
		}
	}
	return nil
}

func (p *PipelineConfig) validate() error {
	if p.MaxConcurrency <= 0 {
		return fmt.Errorf("pipeline.max_concurrency must be > 0")
	}
	if p.MinSize <= 0 || p.MinSize > 1 {
		return fmt.Errorf("pipeline.min_size must be within (0,1]")
	}
	return nil
}
