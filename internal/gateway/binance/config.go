package binance

import (
	"strings"
	"time"
)

// Config covers both the public market-data client and the signed order client.
type Config struct {
	RESTBaseURL string
	HTTPTimeout time.Duration
	ProxyURL    string

	APIKey    string
	SecretKey string
	Testnet   bool
}

func (c *Config) withDefaults() Config {
	out := *c
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.RESTBaseURL == "" && !out.Testnet {
		out.RESTBaseURL = "https://fapi.binance.com"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	out.ProxyURL = strings.TrimSpace(out.ProxyURL)
	out.APIKey = strings.TrimSpace(out.APIKey)
	out.SecretKey = strings.TrimSpace(out.SecretKey)
	return out
}
