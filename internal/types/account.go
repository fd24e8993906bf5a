package types

import (
	"strings"
	"time"
)

// Position 交易所上的单个持仓。Quantity 带方向：多头为正，空头为负。
type Position struct {
	Asset         string  `json:"asset"`
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"`
	EntryPrice    float64 `json:"entry_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Leverage      int     `json:"leverage,omitempty"`
}

// Long reports whether the position is net long.
func (p Position) Long() bool { return p.Quantity > 0 }

// AccountSnapshot is the balance and open positions read once per run.
type AccountSnapshot struct {
	Timestamp        time.Time  `json:"timestamp"`
	WalletBalance    float64    `json:"wallet_balance"`
	AvailableBalance float64    `json:"available_balance"`
	UnrealizedPnL    float64    `json:"unrealized_pnl"`
	Positions        []Position `json:"positions"`
}

// Position returns the open position for asset, if any.
func (a AccountSnapshot) Position(asset string) (Position, bool) {
	for _, p := range a.Positions {
		if strings.EqualFold(p.Asset, asset) && p.Quantity != 0 {
			return p, true
		}
	}
	return Position{}, false
}
