package symbol

import "strings"

type BinanceConverter struct {
	Quote string
}

// ToExchange maps an asset or pair to the Binance futures symbol ("BTC" -> "BTCUSDT").
func (c BinanceConverter) ToExchange(asset string) string {
	sym := Parse(asset)
	if q := strings.ToUpper(strings.TrimSpace(c.Quote)); q != "" && !strings.Contains(asset, "/") && !hasKnownQuote(asset) {
		sym.Quote = q
	}
	return sym.Binance()
}

func hasKnownQuote(s string) bool {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, q := range quoteCurrencies {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return true
		}
	}
	return false
}

var Binance = BinanceConverter{Quote: DefaultQuote}
