package symbol

import (
	"strings"
)

// DefaultQuote is the settlement currency assumed when an asset is given
// without one.
const DefaultQuote = "USDT"

var quoteCurrencies = []string{"USDT", "BUSD", "USDC", "TUSD"}

type Symbol struct {
	Base  string
	Quote string
}

func (s Symbol) Binance() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + s.Quote
}

// Parse accepts "BTC", "btc/usdt", "BTCUSDT" or "BTC/USDT:USDT". A bare asset
// gets DefaultQuote.
func Parse(s string) Symbol {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Symbol{}
	}
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	if parts := strings.SplitN(s, "/", 2); len(parts) == 2 {
		return Symbol{
			Base:  strings.TrimSpace(parts[0]),
			Quote: strings.TrimSpace(parts[1]),
		}
	}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Symbol{Base: s[:len(s)-len(quote)], Quote: quote}
		}
	}
	return Symbol{Base: s, Quote: DefaultQuote}
}

// Asset returns the base asset of s ("btc/usdt" -> "BTC").
func Asset(s string) string {
	return Parse(s).Base
}

// NormalizeAssets upper-cases, strips quotes and de-duplicates, keeping order.
func NormalizeAssets(assets []string) []string {
	if len(assets) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(assets))
	out := make([]string, 0, len(assets))
	for _, a := range assets {
		base := Asset(a)
		if base == "" {
			continue
		}
		if _, ok := seen[base]; ok {
			continue
		}
		seen[base] = struct{}{}
		out = append(out, base)
	}
	return out
}
