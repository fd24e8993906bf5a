package provider

import "strings"

// Shape 推理端点的请求/响应形态。
type Shape string

const (
	// ShapeNative is the Responses API with structured output and reasoning effort.
	ShapeNative Shape = "native"
	// ShapeCompat is the Chat Completions API understood by most compatible hosts.
	ShapeCompat Shape = "compat"
)

// StartShape picks the first shape for a base address: an explicit setting
// wins, Perplexity-style hosts only speak compat.
func StartShape(baseURL, configured string) Shape {
	switch strings.ToLower(strings.TrimSpace(configured)) {
	case string(ShapeCompat):
		return ShapeCompat
	case string(ShapeNative):
		return ShapeNative
	}
	if strings.Contains(strings.ToLower(baseURL), "perplexity") {
		return ShapeCompat
	}
	return ShapeNative
}

func (s Shape) endpoint(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	// 兼容用户把完整路径写进配置
	for _, suffix := range []string{"/chat/completions", "/responses"} {
		base = strings.TrimSuffix(base, suffix)
	}
	if s == ShapeCompat {
		return base + "/chat/completions"
	}
	return base + "/responses"
}
