package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"tradeagent/internal/types"
)

const schemaInstruction = "\n\nRespond with exactly one JSON object that conforms to this JSON schema, with no other text:\n"

// buildCompat translates the request for Chat Completions hosts: no
// structured-output field, the schema travels inside the user message.
func buildCompat(cfg Config, req types.ReasoningRequest) ([]byte, error) {
	user := req.Prompt
	if len(cfg.Schema) > 0 {
		schema, err := json.Marshal(cfg.Schema)
		if err != nil {
			return nil, fmt.Errorf("marshal schema: %w", err)
		}
		user += schemaInstruction + string(schema)
	}
	messages := make([]map[string]string, 0, 2)
	if req.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.System})
	}
	messages = append(messages, map[string]string{"role": "user", "content": user})

	model := cfg.CompatModel
	if model == "" {
		model = cfg.Model
	}
	body := map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": cfg.Temperature,
	}
	if cfg.MaxTokens > 0 {
		body["max_tokens"] = cfg.MaxTokens
	}
	return json.Marshal(body)
}

func parseCompat(raw []byte) (string, error) {
	if !gjson.ValidBytes(raw) {
		return "", types.NewError(types.KindMalformed, "compat response", fmt.Errorf("body is not JSON"))
	}
	content := strings.TrimSpace(gjson.GetBytes(raw, "choices.0.message.content").String())
	if content == "" {
		return "", types.NewError(types.KindMalformed, "compat response", fmt.Errorf("empty choices"))
	}
	return content, nil
}
