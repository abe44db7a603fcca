package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/sindri-dev/sindri/internal/events"
	"github.com/sindri-dev/sindri/internal/observability"
	"github.com/sindri-dev/sindri/pkg/types"
)

// Plan records the agent's intended steps. It changes nothing on disk;
// its value is the PLAN_PROPOSED event observers can watch.
type Plan struct {
	bus *events.Bus
}

// NewPlan builds the plan tool. A nil bus is allowed; the tool then
// only echoes the plan back.
func NewPlan(bus *events.Bus) *Plan {
	return &Plan{bus: bus}
}

func (*Plan) Name() string { return "plan" }

func (*Plan) Description() string {
	return "Record the step-by-step plan for the current task before acting on it."
}

func (*Plan) Schema() []byte {
	return []byte(`{
		"type": "object",
		"properties": {
			"steps": {
				"type": "array",
				"items": {"type": "string"},
				"minItems": 1,
				"description": "Ordered list of steps"
			},
			"summary": {"type": "string", "description": "One-line goal of the plan"}
		},
		"required": ["steps"]
	}`)
}

func (*Plan) WriteClass() bool { return false }

func (p *Plan) Execute(ctx context.Context, args map[string]any, _ string) types.ToolResult {
	raw, _ := args["steps"].([]any)
	steps := make([]string, 0, len(raw))
	for _, s := range raw {
		step, ok := s.(string)
		if !ok || strings.TrimSpace(step) == "" {
			return types.FailResult(types.CategoryAgent, "steps must be non-empty strings")
		}
		steps = append(steps, step)
	}
	if len(steps) == 0 {
		return types.FailResult(types.CategoryAgent, "steps must list at least one step")
	}

	if p.bus != nil {
		payload := map[string]any{"steps": steps}
		if summary := stringArg(args, "summary"); summary != "" {
			payload["summary"] = summary
		}
		p.bus.Emit(types.EventPlanProposed, observability.TaskIDFrom(ctx), payload)
	}

	var b strings.Builder
	b.WriteString("plan recorded:\n")
	for i, step := range steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	return types.OkResult(strings.TrimRight(b.String(), "\n"))
}
