package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"tradeagent/internal/types"
)

// SchemaName is the structured-output format name sent on the native shape.
const SchemaName = "trade_operation"

func buildNative(cfg Config, req types.ReasoningRequest) ([]byte, error) {
	body := map[string]any{
		"model": cfg.Model,
		"input": []map[string]string{
			{"role": "system", "content": req.System},
			{"role": "user", "content": req.Prompt},
		},
		"text": map[string]any{
			"format": map[string]any{
				"type":   "json_schema",
				"name":   SchemaName,
				"schema": cfg.Schema,
				"strict": true,
			},
		},
	}
	if effort := strings.TrimSpace(cfg.Effort); effort != "" {
		body["reasoning"] = map[string]string{"effort": effort}
	}
	if cfg.MaxTokens > 0 {
		body["max_output_tokens"] = cfg.MaxTokens
	}
	return json.Marshal(body)
}

// parseNative returns the first output_text of the first message item.
func parseNative(raw []byte) (string, error) {
	if !gjson.ValidBytes(raw) {
		return "", types.NewError(types.KindMalformed, "native response", fmt.Errorf("body is not JSON"))
	}
	doc := gjson.ParseBytes(raw)
	out := doc.Get(`output.#(type=="message").content.#(type=="output_text").text`)
	if !out.Exists() {
		out = doc.Get("output_text")
	}
	if s := strings.TrimSpace(out.String()); s != "" {
		return s, nil
	}
	if refusal := doc.Get(`output.#(type=="message").content.#(type=="refusal").refusal`); refusal.Exists() {
		return "", types.NewError(types.KindMalformed, "native response", fmt.Errorf("refused: %s", refusal.String()))
	}
	return "", types.NewError(types.KindMalformed, "native response", fmt.Errorf("no output text (status=%s)", doc.Get("status").String()))
}
