package decision

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// TradeSchema is the strict response schema sent to the reasoning service.
func TradeSchema(assets []string, maxLeverage int) map[string]any {
	if maxLeverage < 1 {
		maxLeverage = 1
	}
	enum := make([]any, 0, len(assets))
	for _, a := range assets {
		enum = append(enum, a)
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"description": "Trading action to perform",
				"enum":        []any{"BUY", "SELL", "HOLD"},
			},
			"asset": map[string]any{
				"type":        "string",
				"description": "The asset to act on",
				"enum":        enum,
			},
			"size": map[string]any{
				"type":        "number",
				"description": "Fraction of allowed capital, 0 for HOLD",
				"minimum":     0,
				"maximum":     1,
			},
			"confidence": map[string]any{
				"type":    "number",
				"minimum": 0,
				"maximum": 1,
			},
			"leverage": map[string]any{
				"type":        "number",
				"description": "Leverage for new exposure, 1 unless the setup is exceptional",
				"minimum":     1,
				"maximum":     maxLeverage,
			},
			"reduce_only": map[string]any{
				"type":        "boolean",
				"description": "true to close the open position on this asset instead of opening one",
			},
			"rationale": map[string]any{
				"type":      "string",
				"minLength": 1,
				"maxLength": 300,
			},
		},
		"required":             []any{"action", "asset", "size", "confidence", "leverage", "reduce_only", "rationale"},
		"additionalProperties": false,
	}
}

// payloadShape only checks what coercion needs: an object naming an action
// and an asset under any of the accepted keys.
const payloadShape = `{
  "type": "object",
  "allOf": [
    {"anyOf": [
      {"required": ["action"]}, {"required": ["operation"]},
      {"required": ["decision"]}, {"required": ["signal"]}
    ]},
    {"anyOf": [
      {"required": ["asset"]}, {"required": ["symbol"]}, {"required": ["ticker"]}
    ]}
  ]
}`

var shapeSchema = mustCompile(payloadShape)

func mustCompile(src string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("payload.json", strings.NewReader(src)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("payload.json")
}

func checkShape(raw string) error {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return err
	}
	return shapeSchema.Validate(doc)
}
