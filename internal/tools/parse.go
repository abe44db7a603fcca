package tools

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/sindri-dev/sindri/pkg/types"
)

// Parse extracts tool calls from assistant text, in order of
// appearance. It recognizes fenced JSON blocks and inline top-level
// objects, in three shapes: {name, arguments}, {function: {name,
// arguments}}, and {tool, args}.
//
// The second return value reports whether the text contained JSON-like
// content at all; zero calls from JSON-like text is the caller's cue to
// warn about a failed parse.
func Parse(text string) ([]types.ToolCall, bool) {
	cands := extractCandidates(text)
	if len(cands) == 0 {
		return nil, false
	}

	var calls []types.ToolCall
	for _, c := range cands {
		obj, ok := decodeCandidate(c)
		if !ok {
			continue
		}
		if call, ok := callFromObject(obj); ok {
			calls = append(calls, call)
		}
	}
	return calls, true
}

// candidate is one brace-matched snippet. depth and inString describe
// the scanner state at the end of an unterminated snippet; both are
// zero for a balanced one.
type candidate struct {
	raw      string
	depth    int
	inString bool
}

// extractCandidates walks the text once, collecting objects from fenced
// blocks and from the surrounding prose in document order.
func extractCandidates(text string) []candidate {
	var out []candidate
	i := 0
	for i < len(text) {
		if strings.HasPrefix(text[i:], "```") {
			nl := strings.IndexByte(text[i:], '\n')
			if nl < 0 {
				break
			}
			bodyStart := i + nl + 1
			bodyEnd := len(text)
			next := len(text)
			if closing := strings.Index(text[bodyStart:], "```"); closing >= 0 {
				bodyEnd = bodyStart + closing
				next = bodyEnd + 3
			}
			out = append(out, scanWindow(text, bodyStart, bodyEnd)...)
			i = next
			continue
		}
		if text[i] == '{' {
			c, end := scanCandidate(text, i, len(text))
			out = append(out, c)
			i = end
			continue
		}
		i++
	}
	return out
}

func scanWindow(text string, from, to int) []candidate {
	var out []candidate
	i := from
	for i < to {
		if text[i] == '{' {
			c, end := scanCandidate(text, i, to)
			out = append(out, c)
			i = end
			continue
		}
		i++
	}
	return out
}

// scanCandidate walks one top-level object starting at text[start].
// Brace counting is string-aware: quotes suspend it and escapes are
// honored, so braces inside string values never unbalance the scan.
func scanCandidate(text string, start, limit int) (candidate, int) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < limit; i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
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
				return candidate{raw: text[start : i+1]}, i + 1
			}
		}
	}
	return candidate{raw: text[start:limit], depth: depth, inString: inString}, limit
}

// decodeCandidate tries the snippet as-is, then repairs in a fixed
// order: strip trailing commas, close exactly one missing brace when
// string state is terminated, and finally the generic repairer.
func decodeCandidate(c candidate) (map[string]any, bool) {
	if obj, ok := unmarshalObject(c.raw); ok {
		return obj, true
	}

	stripped := stripTrailingCommas(c.raw)
	if stripped != c.raw {
		if obj, ok := unmarshalObject(stripped); ok {
			return obj, true
		}
	}

	if c.depth == 1 && !c.inString {
		if obj, ok := unmarshalObject(stripped + "}"); ok {
			return obj, true
		}
	}

	if repaired, err := jsonrepair.JSONRepair(c.raw); err == nil {
		if obj, ok := unmarshalObject(repaired); ok {
			return obj, true
		}
	}
	return nil, false
}

func unmarshalObject(raw string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// stripTrailingCommas removes commas that directly precede a closing
// brace or bracket, outside strings.
func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			b.WriteByte(ch)
			continue
		}
		if ch == '"' {
			inString = true
			b.WriteByte(ch)
			continue
		}
		if ch == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(ch)
	}
	return b.String()
}

// callFromObject maps a decoded object onto the accepted call shapes.
func callFromObject(obj map[string]any) (types.ToolCall, bool) {
	if name, ok := obj["name"].(string); ok && name != "" {
		return newCall(name, obj["arguments"]), true
	}
	if fn, ok := obj["function"].(map[string]any); ok {
		if name, ok := fn["name"].(string); ok && name != "" {
			return newCall(name, fn["arguments"]), true
		}
	}
	if name, ok := obj["tool"].(string); ok && name != "" {
		return newCall(name, obj["args"]), true
	}
	return types.ToolCall{}, false
}

// newCall normalizes the argument value: objects pass through and
// strings holding encoded JSON are decoded, since models sometimes
// double-encode arguments.
func newCall(name string, args any) types.ToolCall {
	call := types.ToolCall{ID: uuid.NewString(), Name: name, Arguments: map[string]any{}}
	switch v := args.(type) {
	case map[string]any:
		call.Arguments = v
	case string:
		var obj map[string]any
		if err := json.Unmarshal([]byte(v), &obj); err == nil && obj != nil {
			call.Arguments = obj
		}
	}
	return call
}
