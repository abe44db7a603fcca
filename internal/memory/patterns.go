package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"
)

// contextTags maps task vocabulary to a coarse context tag. First
// matching entry wins, so more specific intents come before "edit".
var contextTags = []struct {
	tag   string
	words []string
}{
	{"debug", []string{"debug", "error", "errors", "crash", "fail", "fails", "failing", "fix", "bug", "broken", "investigate", "diagnose"}},
	{"review", []string{"review", "audit", "inspect", "lint", "critique"}},
	{"test", []string{"test", "tests", "testing", "coverage"}},
	{"research", []string{"explain", "understand", "find", "search", "analyze", "analyse", "summarize", "describe", "document", "compare"}},
	{"edit", []string{"implement", "add", "create", "write", "build", "refactor", "rename", "update", "change", "edit", "remove", "delete", "move", "extract"}},
}

// InferContextTag classifies a task description into a context tag used
// to key learned tool-sequence patterns. Unmatched tasks fall into
// "general".
func InferContextTag(task string) string {
	words := make(map[string]bool)
	for _, w := range splitWords(task) {
		words[w] = true
	}
	for _, entry := range contextTags {
		for _, w := range entry.words {
			if words[w] {
				return entry.tag
			}
		}
	}
	return "general"
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"to": true, "of": true, "in": true, "on": true, "for": true,
	"with": true, "this": true, "that": true, "from": true,
	"into": true, "then": true, "when": true, "what": true,
	"please": true, "should": true, "would": true, "could": true,
}

const maxKeywords = 8

// extractKeywords pulls the distinctive words out of a task
// description, lowercased, deduplicated, alphabetical, at most
// maxKeywords.
func extractKeywords(task string) []string {
	seen := make(map[string]bool)
	for _, w := range splitWords(task) {
		if len(w) < 4 || stopwords[w] {
			continue
		}
		seen[w] = true
	}
	out := make([]string, 0, len(seen))
	for w := range seen {
		out = append(out, w)
	}
	sort.Strings(out)
	if len(out) > maxKeywords {
		out = out[:maxKeywords]
	}
	return out
}

func splitWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// patternID derives a stable id from the tag and tool sequence, so the
// same sequence observed again updates the same row.
func patternID(tag string, sequence []string) string {
	h := sha256.New()
	h.Write([]byte(tag))
	for _, s := range sequence {
		h.Write([]byte{0x1f})
		h.Write([]byte(s))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// compressSequence drops consecutive repeats so read_file three times
// in a row learns the same pattern as reading it once.
func compressSequence(sequence []string) []string {
	var out []string
	for _, s := range sequence {
		if s == "" {
			continue
		}
		if len(out) > 0 && out[len(out)-1] == s {
			continue
		}
		out = append(out, s)
	}
	return out
}
