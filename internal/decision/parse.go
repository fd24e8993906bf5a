package decision

import (
	"fmt"
	"math"
	"strings"

	"github.com/tidwall/gjson"

	"tradeagent/internal/pkg/jsonutil"
	"tradeagent/internal/types"
)

var (
	actionKeys     = []string{"action", "operation", "decision", "signal"}
	directionKeys  = []string{"direction", "side"}
	assetKeys      = []string{"asset", "symbol", "ticker"}
	sizeKeys       = []string{"size", "target_portion_of_balance", "portion", "fraction"}
	confidenceKeys = []string{"confidence", "probability"}
	leverageKeys   = []string{"leverage"}
	reduceKeys     = []string{"reduce_only", "reduceOnly"}
	rationaleKeys  = []string{"rationale", "reason", "reasoning", "explanation"}
)

// ParseCandidate extracts the JSON payload embedded in raw and coerces it
// into a CandidateSignal. Every failure is a malformed-response error.
func ParseCandidate(raw string) (types.CandidateSignal, error) {
	res := jsonutil.ExtractObject(raw)
	if !res.Found() {
		return types.CandidateSignal{}, types.NewError(types.KindMalformed, "parse candidate", fmt.Errorf("no JSON object in response"))
	}
	if err := checkShape(res.Value); err != nil {
		return types.CandidateSignal{}, types.NewError(types.KindMalformed, "parse candidate", err)
	}
	obj := gjson.Parse(res.Value)

	action, closing := normalizeAction(firstString(obj, actionKeys), firstString(obj, directionKeys))

	return types.CandidateSignal{
		Action:     action,
		Asset:      firstString(obj, assetKeys),
		Size:       firstNumber(obj, sizeKeys, 0),
		Confidence: firstNumber(obj, confidenceKeys, 0),
		Leverage:   firstNumber(obj, leverageKeys, 0),
		ReduceOnly: closing || firstBool(obj, reduceKeys),
		Rationale:  firstString(obj, rationaleKeys),
		Raw:        raw,
	}, nil
}

func firstString(obj gjson.Result, keys []string) string {
	for _, k := range keys {
		if v := obj.Get(k); v.Exists() && v.Type != gjson.Null {
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstBool(obj gjson.Result, keys []string) bool {
	for _, k := range keys {
		if v := obj.Get(k); v.Exists() && v.Type != gjson.Null {
			return v.Bool()
		}
	}
	return false
}

// firstNumber accepts JSON numbers and numeric strings. A present but
// non-numeric value yields NaN so the validator can reject it.
func firstNumber(obj gjson.Result, keys []string, def float64) float64 {
	for _, k := range keys {
		v := obj.Get(k)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		switch v.Type {
		case gjson.Number:
			return v.Num
		case gjson.String:
			s := strings.TrimSuffix(strings.TrimSpace(v.Str), "%")
			if r := gjson.Parse(s); r.Type == gjson.Number {
				if strings.HasSuffix(strings.TrimSpace(v.Str), "%") {
					return r.Num / 100
				}
				return r.Num
			}
			return math.NaN()
		default:
			return math.NaN()
		}
	}
	return def
}
