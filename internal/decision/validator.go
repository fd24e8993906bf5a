package decision

import (
	"fmt"
	"math"
	"strings"

	"tradeagent/internal/pkg/symbol"
	"tradeagent/internal/types"
)

// Rule names reported by InvalidSignal.
const (
	RuleAsset      = "asset"
	RuleAction     = "action"
	RuleSize       = "size"
	RuleConfidence = "confidence"
)

// Validator turns a CandidateSignal into the ValidatedSignal the execution
// engine accepts. It is the only producer of ValidatedSignal values.
type Validator struct {
	tradable    map[string]struct{}
	minSize     float64
	maxLeverage int
}

func NewValidator(assets []string, minSize float64, maxLeverage int) *Validator {
	set := make(map[string]struct{}, len(assets))
	for _, a := range symbol.NormalizeAssets(assets) {
		set[a] = struct{}{}
	}
	if minSize <= 0 || minSize > 1 {
		minSize = 0.01
	}
	if maxLeverage < 1 {
		maxLeverage = 1
	}
	return &Validator{tradable: set, minSize: minSize, maxLeverage: maxLeverage}
}

// Validate applies the rules in order; the first violation wins. Clamps are
// returned as adjustments for the audit trail.
func (v *Validator) Validate(c types.CandidateSignal) (types.ValidatedSignal, []types.Adjustment, error) {
	var adj []types.Adjustment

	asset := symbol.Asset(c.Asset)
	if _, ok := v.tradable[asset]; !ok || asset == "" {
		return types.ValidatedSignal{}, nil, &types.InvalidSignal{Rule: RuleAsset, Detail: fmt.Sprintf("%q is not tradable", c.Asset)}
	}

	action, ok := types.ParseAction(c.Action)
	if !ok {
		return types.ValidatedSignal{}, nil, &types.InvalidSignal{Rule: RuleAction, Detail: fmt.Sprintf("unknown action %q", c.Action)}
	}

	size := c.Size
	if action == types.ActionHold {
		if size != 0 {
			adj = append(adj, types.Adjustment{Field: RuleSize, Original: size, Clamped: 0})
		}
		size = 0
	} else {
		if math.IsNaN(size) || math.IsInf(size, 0) {
			return types.ValidatedSignal{}, nil, &types.InvalidSignal{Rule: RuleSize, Detail: "size is not a number"}
		}
		clamped := size
		switch {
		case size > 1:
			clamped = 1
		case size <= 0:
			clamped = v.minSize
		}
		if clamped != size {
			adj = append(adj, types.Adjustment{Field: RuleSize, Original: size, Clamped: clamped})
		}
		size = clamped
	}

	conf := c.Confidence
	if math.IsNaN(conf) {
		return types.ValidatedSignal{}, nil, &types.InvalidSignal{Rule: RuleConfidence, Detail: "confidence is not a number"}
	}
	if clamped := math.Min(math.Max(conf, 0), 1); clamped != conf {
		adj = append(adj, types.Adjustment{Field: RuleConfidence, Original: conf, Clamped: clamped})
		conf = clamped
	}

	leverage := v.leverage(action, c.Leverage, &adj)

	return types.ValidatedSignal{
		Action:     action,
		Asset:      asset,
		Size:       size,
		Confidence: conf,
		Leverage:   leverage,
		ReduceOnly: c.ReduceOnly && action != types.ActionHold,
		Rationale:  strings.TrimSpace(c.Rationale),
	}, adj, nil
}

// leverage clamps into [1, maxLeverage]. A missing value means 1 and is not
// an adjustment; HOLD carries no leverage.
func (v *Validator) leverage(action types.Action, raw float64, adj *[]types.Adjustment) int {
	if action == types.ActionHold {
		return 0
	}
	if raw == 0 || math.IsNaN(raw) {
		return 1
	}
	lev := math.Round(raw)
	clamped := math.Min(math.Max(lev, 1), float64(v.maxLeverage))
	if clamped != raw {
		*adj = append(*adj, types.Adjustment{Field: "leverage", Original: raw, Clamped: clamped})
	}
	return int(clamped)
}
