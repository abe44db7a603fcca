package tools

import (
	"testing"
)

func TestParse_Shapes(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantName string
		wantArg  string
		wantVal  any
	}{
		{
			name:     "name arguments",
			text:     `{"name": "read_file", "arguments": {"path": "go.mod"}}`,
			wantName: "read_file",
			wantArg:  "path",
			wantVal:  "go.mod",
		},
		{
			name:     "function wrapper",
			text:     `{"function": {"name": "list_dir", "arguments": {"path": "src"}}}`,
			wantName: "list_dir",
			wantArg:  "path",
			wantVal:  "src",
		},
		{
			name:     "tool args",
			text:     `{"tool": "search_text", "args": {"pattern": "TODO"}}`,
			wantName: "search_text",
			wantArg:  "pattern",
			wantVal:  "TODO",
		},
		{
			name:     "fenced block",
			text:     "I'll read it first.\n```json\n{\"name\": \"read_file\", \"arguments\": {\"path\": \"main.go\"}}\n```\n",
			wantName: "read_file",
			wantArg:  "path",
			wantVal:  "main.go",
		},
		{
			name:     "fence without language tag",
			text:     "```\n{\"name\": \"plan\", \"arguments\": {\"steps\": \"x\"}}\n```",
			wantName: "plan",
			wantArg:  "steps",
			wantVal:  "x",
		},
		{
			name:     "stringified arguments",
			text:     `{"name": "write_file", "arguments": "{\"path\": \"a.go\"}"}`,
			wantName: "write_file",
			wantArg:  "path",
			wantVal:  "a.go",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls, jsonLike := Parse(tt.text)
			if !jsonLike {
				t.Fatal("jsonLike = false")
			}
			if len(calls) != 1 {
				t.Fatalf("calls = %d, want 1", len(calls))
			}
			c := calls[0]
			if c.Name != tt.wantName {
				t.Errorf("name = %q, want %q", c.Name, tt.wantName)
			}
			if c.ID == "" {
				t.Error("missing generated id")
			}
			if got := c.Arguments[tt.wantArg]; got != tt.wantVal {
				t.Errorf("args[%q] = %v, want %v", tt.wantArg, got, tt.wantVal)
			}
		})
	}
}

func TestParse_MultipleCallsPreserveOrder(t *testing.T) {
	text := `First {"name": "read_file", "arguments": {"path": "a"}} and then
` + "```json\n" + `{"name": "write_file", "arguments": {"path": "b", "content": "x"}}` + "\n```\n" +
		`finally {"tool": "list_dir", "args": {}}`

	calls, _ := Parse(text)
	if len(calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(calls))
	}
	want := []string{"read_file", "write_file", "list_dir"}
	for i, name := range want {
		if calls[i].Name != name {
			t.Errorf("calls[%d] = %q, want %q", i, calls[i].Name, name)
		}
	}
}

func TestParse_StringAwareBraces(t *testing.T) {
	// The brace inside the string value must not end the object early.
	text := `{"name": "run_command", "arguments": {"command": "awk '{print $1}' f.txt"}}`

	calls, _ := Parse(text)
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if got := calls[0].Arguments["command"]; got != "awk '{print $1}' f.txt" {
		t.Errorf("command = %v", got)
	}
}

func TestParse_RepairTrailingComma(t *testing.T) {
	text := `{"name": "read_file", "arguments": {"path": "go.mod",},}`

	calls, _ := Parse(text)
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if got := calls[0].Arguments["path"]; got != "go.mod" {
		t.Errorf("path = %v", got)
	}
}

func TestParse_RepairMissingBrace(t *testing.T) {
	// One closing brace short, with a quoted string containing '}'.
	text := `{"name": "run_command", "arguments": {"command": "echo }"}`

	calls, _ := Parse(text)
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	c := calls[0]
	if c.Name != "run_command" {
		t.Errorf("name = %q", c.Name)
	}
	if got := c.Arguments["command"]; got != "echo }" {
		t.Errorf("command = %v, want %q", got, "echo }")
	}
}

func TestParse_RepairerFallback(t *testing.T) {
	// Unquoted keys are beyond the ordered repairs; the generic
	// repairer picks them up.
	text := `{name: "read_file", arguments: {path: "go.mod"}}`

	calls, jsonLike := Parse(text)
	if !jsonLike {
		t.Fatal("jsonLike = false")
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].Name != "read_file" {
		t.Errorf("name = %q", calls[0].Name)
	}
}

func TestParse_NoJSON(t *testing.T) {
	calls, jsonLike := Parse("I finished reading the code. Nothing to run.")
	if jsonLike {
		t.Error("jsonLike = true for plain prose")
	}
	if len(calls) != 0 {
		t.Errorf("calls = %v, want none", calls)
	}
}

func TestParse_JSONLikeButNoCalls(t *testing.T) {
	// Valid JSON that is not a tool call: jsonLike without calls is the
	// caller's cue to warn.
	calls, jsonLike := Parse(`Here is the summary: {"files": 3, "errors": 0}`)
	if !jsonLike {
		t.Error("jsonLike = false")
	}
	if len(calls) != 0 {
		t.Errorf("calls = %v, want none", calls)
	}
}

func TestParse_UnrepairableGarbage(t *testing.T) {
	calls, jsonLike := Parse(`{{{"definitely: not json`)
	if !jsonLike {
		t.Error("jsonLike = false")
	}
	if len(calls) != 0 {
		t.Errorf("calls = %v, want none", calls)
	}
}

func TestStripTrailingCommas_KeepsCommasInsideStrings(t *testing.T) {
	in := `{"a": "x, }", "b": [1, 2,],}`
	want := `{"a": "x, }", "b": [1, 2]}`
	if got := stripTrailingCommas(in); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
