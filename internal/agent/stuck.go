package agent

import (
	"fmt"
	"strings"

	"github.com/sindri-dev/sindri/pkg/types"
)

// repeatedCallLimit is how many identical tool invocations (same name,
// same arguments) count as hammering.
const repeatedCallLimit = 3

// questionStreakLimit is how many consecutive tool-free assistant turns
// may end in a question before the agent counts as stalled on input it
// will never get.
const questionStreakLimit = 3

// stuckDetector watches one loop run for progress-free iterations:
// near-identical consecutive responses, the same tool call hammered
// over and over, or the model stalling on unanswerable questions.
//
// The detector only diagnoses; the loop decides whether a trigger earns
// a nudge turn or ends the run.
type stuckDetector struct {
	threshold float64

	lastResponse string
	haveLast     bool
	callCounts   map[string]int
	questions    int
	nudges       int
}

func newStuckDetector(threshold float64) *stuckDetector {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	return &stuckDetector{
		threshold:  threshold,
		callCounts: make(map[string]int),
	}
}

// Observe records one iteration's assistant text and tool calls and
// reports whether the run looks stuck, with a description of the
// trigger. An observation that does not trigger counts as progress and
// resets the consecutive-nudge counter.
func (d *stuckDetector) Observe(text string, calls []types.ToolCall) (bool, string) {
	triggered, why := d.evaluate(text, calls)

	d.lastResponse = text
	d.haveLast = true
	if !triggered {
		d.nudges = 0
	}
	return triggered, why
}

func (d *stuckDetector) evaluate(text string, calls []types.ToolCall) (bool, string) {
	for _, call := range calls {
		key := call.Name + "\x1f" + call.ArgumentsJSON()
		d.callCounts[key]++
		if d.callCounts[key] >= repeatedCallLimit {
			return true, fmt.Sprintf("tool %s invoked %d times with identical arguments",
				call.Name, d.callCounts[key])
		}
	}

	if len(calls) == 0 && endsWithQuestion(text) {
		d.questions++
	} else {
		d.questions = 0
	}
	if d.questions >= questionStreakLimit {
		return true, fmt.Sprintf("%d consecutive responses ended in an unanswered question", d.questions)
	}

	if len(calls) == 0 && d.haveLast {
		if overlap := wordOverlap(text, d.lastResponse); overlap >= d.threshold {
			return true, fmt.Sprintf("consecutive responses overlap %.0f%% with no tool use", overlap*100)
		}
	}

	return false, ""
}

// Nudges returns how many consecutive nudges have been injected without
// intervening progress.
func (d *stuckDetector) Nudges() int { return d.nudges }

// RecordNudge counts one injected nudge turn.
func (d *stuckDetector) RecordNudge() { d.nudges++ }

// wordOverlap is the Jaccard similarity of the two texts' word sets,
// case-folded with edge punctuation stripped. Two empty texts are
// identical.
func wordOverlap(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 1
	}
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	shared := 0
	for w := range wa {
		if wb[w] {
			shared++
		}
	}
	union := len(wa) + len(wb) - shared
	return float64(shared) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'`()[]{}*_")
		if w != "" {
			set[w] = true
		}
	}
	return set
}

// endsWithQuestion reports whether the text's last sentence is a
// question, ignoring trailing whitespace and markdown decoration.
func endsWithQuestion(text string) bool {
	trimmed := strings.TrimRight(strings.TrimSpace(text), "*_`\" \t\n")
	return strings.HasSuffix(trimmed, "?")
}
