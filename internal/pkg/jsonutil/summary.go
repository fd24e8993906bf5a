package jsonutil

import (
	"encoding/json"
	"fmt"

	"tradeagent/internal/pkg/text"
)

// Summary renders v as compact JSON capped at max bytes, for audit columns.
// Values that cannot be marshalled fall back to their %v form.
func Summary(v any, max int) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return text.Truncate(s, max)
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return text.Truncate(fmt.Sprintf("%v", v), max)
	}
	return text.Truncate(string(buf), max)
}
