package prompt

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"tradeagent/internal/types"
)

// Data is what the templates see.
type Data struct {
	Assets    []string
	Time      string
	Market    string
	News      string
	Portfolio string
}

// Composer builds a ReasoningRequest from the run's snapshots and bundles.
// Output depends only on its inputs and the active template.
type Composer struct {
	registry *Registry
	provider string
}

func NewComposer(registry *Registry, provider string) *Composer {
	return &Composer{registry: registry, provider: provider}
}

// Compose renders the request. The timestamp shown to the model is the
// newest snapshot time, so identical inputs give identical prompts. A nil
// account renders as unavailable.
func (c *Composer) Compose(snapshots []types.MarketSnapshot, bundles []types.SentimentBundle, account *types.AccountSnapshot) (types.ReasoningRequest, error) {
	if len(snapshots) == 0 {
		return types.ReasoningRequest{}, types.ErrNoMarketData
	}
	data := Data{
		Assets:    assetsOf(snapshots),
		Time:      latest(snapshots).UTC().Format(time.RFC3339),
		Market:    RenderMarket(snapshots),
		News:      RenderNews(bundles, assetsOf(snapshots)),
		Portfolio: RenderPortfolio(account),
	}
	tpl := c.registry.Current()
	var sys, user bytes.Buffer
	if err := tpl.System.Execute(&sys, data); err != nil {
		return types.ReasoningRequest{}, fmt.Errorf("render system prompt: %w", err)
	}
	if err := tpl.User.Execute(&user, data); err != nil {
		return types.ReasoningRequest{}, fmt.Errorf("render user prompt: %w", err)
	}
	return types.ReasoningRequest{
		Snapshots: append([]types.MarketSnapshot(nil), snapshots...),
		Sentiment: append([]types.SentimentBundle(nil), bundles...),
		Account:   account,
		System:    strings.TrimSpace(sys.String()),
		Prompt:    strings.TrimSpace(user.String()),
		Provider:  c.provider,
	}, nil
}

// RenderMarket prints one line per asset with indicators in key order.
func RenderMarket(snapshots []types.MarketSnapshot) string {
	var b strings.Builder
	for _, s := range snapshots {
		keys := make([]string, 0, len(s.Indicators))
		for k := range s.Indicators {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(s.Asset)
		b.WriteString(":")
		for _, k := range keys {
			b.WriteString(" ")
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(strconv.FormatFloat(s.Indicators[k], 'g', 8, 64))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// RenderNews prints bundles in asset order; assets without news say so.
func RenderNews(bundles []types.SentimentBundle, assets []string) string {
	byAsset := make(map[string]types.SentimentBundle, len(bundles))
	for _, bnd := range bundles {
		byAsset[bnd.Asset] = bnd
	}
	var b strings.Builder
	for _, asset := range assets {
		bnd, ok := byAsset[asset]
		if !ok || len(bnd.Items) == 0 {
			fmt.Fprintf(&b, "%s: no recent news\n", asset)
			continue
		}
		fmt.Fprintf(&b, "%s:\n", asset)
		for _, item := range bnd.Items {
			fmt.Fprintf(&b, "- [%s, %s ago] %s\n", item.Source, formatRecency(item.Recency), item.Text)
		}
	}
	return b.String()
}

// RenderPortfolio prints balances then one line per open position.
func RenderPortfolio(account *types.AccountSnapshot) string {
	if account == nil {
		return "account status unavailable\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "wallet_balance=%s available=%s unrealized_pnl=%s\n",
		num(account.WalletBalance), num(account.AvailableBalance), num(account.UnrealizedPnL))
	open := 0
	for _, p := range account.Positions {
		if p.Quantity == 0 {
			continue
		}
		side := "short"
		if p.Long() {
			side = "long"
		}
		fmt.Fprintf(&b, "- %s %s qty=%s entry=%s upnl=%s leverage=%d\n",
			p.Asset, side, num(math.Abs(p.Quantity)), num(p.EntryPrice), num(p.UnrealizedPnL), p.Leverage)
		open++
	}
	if open == 0 {
		b.WriteString("no open positions\n")
	}
	return b.String()
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'g', 8, 64)
}

func formatRecency(d time.Duration) string {
	switch {
	case d <= 0:
		return "unknown"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}

func assetsOf(snapshots []types.MarketSnapshot) []string {
	out := make([]string, 0, len(snapshots))
	for _, s := range snapshots {
		out = append(out, s.Asset)
	}
	return out
}

func latest(snapshots []types.MarketSnapshot) time.Time {
	var t time.Time
	for _, s := range snapshots {
		if s.Timestamp.After(t) {
			t = s.Timestamp
		}
	}
	return t
}
