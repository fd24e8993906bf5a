package jsonutil

import (
	"encoding/json"
	"strings"
)

const codeFence = "```"

// Status tags the outcome of an extraction.
type Status int

const (
	NotFound Status = iota
	Parsed
)

// Result is either Parsed with the JSON text of the payload, or NotFound.
type Result struct {
	Status Status
	Value  string
	Offset int
}

// Found reports whether a payload was located.
func (r Result) Found() bool { return r.Status == Parsed }

func parsed(v string, offset int) Result { return Result{Status: Parsed, Value: v, Offset: offset} }

var notFound = Result{Status: NotFound, Offset: -1}

// ExtractObject locates the first syntactically valid JSON object embedded in
// raw. A fenced code block wins over bare text; inside the remaining text each
// '{' is tried in order so that stray braces in prose do not hide the payload.
func ExtractObject(raw string) Result {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return notFound
	}
	lead := strings.Index(raw, trimmed)
	if json.Valid([]byte(trimmed)) && strings.HasPrefix(trimmed, "{") {
		return parsed(trimmed, lead)
	}
	if block, offset, ok := fencedBlock(trimmed); ok {
		if res := scanObjects(block); res.Found() {
			return parsed(res.Value, lead+offset+res.Offset)
		}
	}
	res := scanObjects(trimmed)
	if res.Found() {
		res.Offset += lead
	}
	return res
}

func fencedBlock(raw string) (string, int, bool) {
	start := strings.Index(raw, codeFence)
	if start == -1 {
		return "", -1, false
	}
	rest := raw[start+len(codeFence):]
	end := strings.Index(rest, codeFence)
	if end == -1 {
		return "", -1, false
	}
	block := rest[:end]
	offset := start + len(codeFence)
	// drop the language tag line (```json)
	if idx := strings.Index(block, "\n"); idx != -1 {
		first := strings.TrimSpace(block[:idx])
		if first != "" && !strings.ContainsAny(first, "[{") {
			block = block[idx+1:]
			offset += idx + 1
		}
	}
	if strings.TrimSpace(block) == "" {
		return "", -1, false
	}
	return block, offset, true
}

func scanObjects(raw string) Result {
	from := 0
	for from < len(raw) {
		rel := strings.Index(raw[from:], "{")
		if rel == -1 {
			return notFound
		}
		start := from + rel
		if end, ok := matchBrace(raw, start); ok {
			candidate := raw[start : end+1]
			if json.Valid([]byte(candidate)) {
				return parsed(candidate, start)
			}
		}
		from = start + 1
	}
	return notFound
}

func matchBrace(raw string, start int) (int, bool) {
	depth := 0
	inString := false
	escape := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			switch {
			case escape:
				escape = false
			case ch == '\\':
				escape = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return -1, false
}
