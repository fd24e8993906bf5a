package logger

import (
	"io"
	"log"
	"strings"
	"sync"
)

// transcript 推理请求/响应的独立日志，默认关闭。
type transcript struct {
	mu          sync.Mutex
	out         *log.Logger
	dumpPayload bool
}

var llm transcript

// SetLLMWriter routes reasoning transcripts to w; nil disables them.
func SetLLMWriter(w io.Writer) {
	llm.mu.Lock()
	defer llm.mu.Unlock()
	llm.out = nil
	if w != nil {
		llm.out = log.New(w, "", log.LstdFlags)
	}
}

// EnableLLMPayloadDump adds the raw wire request to request transcripts.
func EnableLLMPayloadDump(enabled bool) {
	llm.mu.Lock()
	llm.dumpPayload = enabled
	llm.mu.Unlock()
}

// LogLLMRequest dumps the prompt pair; the wire payload is only included when
// payload dumping is enabled.
func LogLLMRequest(shape, runID, systemPrompt, userPrompt, payload string) {
	llm.mu.Lock()
	dump := llm.dumpPayload
	llm.mu.Unlock()
	sections := [][2]string{{"SYSTEM", systemPrompt}, {"USER", userPrompt}}
	if dump && strings.TrimSpace(payload) != "" {
		sections = append(sections, [2]string{"PAYLOAD", payload})
	}
	llm.write("request", shape, runID, sections)
}

func LogLLMResponse(shape, runID, raw string) {
	llm.write("response", shape, runID, [][2]string{{"RAW", raw}})
}

func (t *transcript) write(kind, shape, runID string, sections [][2]string) {
	t.mu.Lock()
	out := t.out
	t.mu.Unlock()
	if out == nil {
		return
	}
	var b strings.Builder
	b.WriteString("[LLM]")
	for _, tag := range []string{kind, shape, runID} {
		if tag != "" {
			b.WriteString("[" + tag + "]")
		}
	}
	b.WriteString("\n")
	for _, sec := range sections {
		b.WriteString("--- " + sec[0] + " ---\n")
		b.WriteString(sec[1])
		if !strings.HasSuffix(sec[1], "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("=====\n")
	out.Print(b.String())
}
