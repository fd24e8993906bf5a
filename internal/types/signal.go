package types

import (
	"strings"
	"time"
)

// Action 是推理服务给出的交易动作。
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// ParseAction matches case-insensitively and returns the canonical form.
func ParseAction(raw string) (Action, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY":
		return ActionBuy, true
	case "SELL":
		return ActionSell, true
	case "HOLD":
		return ActionHold, true
	default:
		return "", false
	}
}

// MarketSnapshot 单个资产在一次运行中的数值指标快照。
type MarketSnapshot struct {
	Asset      string             `json:"asset"`
	Timestamp  time.Time          `json:"timestamp"`
	Indicators map[string]float64 `json:"indicators"`
}

// Indicator returns a named value and whether it was present.
func (s MarketSnapshot) Indicator(name string) (float64, bool) {
	v, ok := s.Indicators[name]
	return v, ok
}

// NewsItem 是压缩后的单条新闻。
type NewsItem struct {
	Text    string        `json:"text"`
	Source  string        `json:"source"`
	Recency time.Duration `json:"recency"`
}

// SentimentBundle 单个资产的新闻/情绪集合，条目按时间由新到旧。
type SentimentBundle struct {
	Asset     string     `json:"asset"`
	Timestamp time.Time  `json:"timestamp"`
	Items     []NewsItem `json:"items"`
}

// ReasoningRequest is built once per run and never mutated afterwards.
type ReasoningRequest struct {
	Snapshots []MarketSnapshot  `json:"snapshots"`
	Sentiment []SentimentBundle `json:"sentiment"`
	Account   *AccountSnapshot  `json:"account,omitempty"`
	System    string            `json:"system"`
	Prompt    string            `json:"prompt"`
	Provider  string            `json:"provider"`
}

// Assets lists the assets present in the request, in request order.
func (r ReasoningRequest) Assets() []string {
	out := make([]string, 0, len(r.Snapshots))
	for _, s := range r.Snapshots {
		out = append(out, s.Asset)
	}
	return out
}

// CandidateSignal 是推理服务解析后的候选信号，校验阶段可能被钳制。
type CandidateSignal struct {
	Action     string  `json:"action"`
	Asset      string  `json:"asset"`
	Size       float64 `json:"size"`
	Confidence float64 `json:"confidence"`
	Leverage   float64 `json:"leverage,omitempty"`
	ReduceOnly bool    `json:"reduce_only,omitempty"`
	Rationale  string  `json:"rationale"`
	Raw        string  `json:"raw,omitempty"`
	Shape      string  `json:"shape,omitempty"`
}

// ValidatedSignal is the only signal type the execution engine accepts.
// Values are only produced by the decision validator.
type ValidatedSignal struct {
	Action     Action  `json:"action"`
	Asset      string  `json:"asset"`
	Size       float64 `json:"size"`
	Confidence float64 `json:"confidence"`
	Leverage   int     `json:"leverage,omitempty"`
	// ReduceOnly 只平掉已有持仓，不会开反向仓位。
	ReduceOnly bool   `json:"reduce_only,omitempty"`
	Rationale  string `json:"rationale"`
}

// Adjustment 记录一次钳制（原值与钳制后的值）。
type Adjustment struct {
	Field    string  `json:"field"`
	Original float64 `json:"original"`
	Clamped  float64 `json:"clamped"`
}
