// Package agent implements the iterative loop that carries one task
// from its description to a completion marker: context assembly,
// streaming LLM calls, tool execution, completion validation, stuck
// detection, and per-iteration checkpointing. It also holds the
// registry of agent definitions loaded from configuration.
//
// The loop never mutates task status; it reports a LoopResult and the
// scheduler maps that onto a transition.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sindri-dev/sindri/internal/backoff"
	"github.com/sindri-dev/sindri/internal/events"
	"github.com/sindri-dev/sindri/internal/memory"
	"github.com/sindri-dev/sindri/internal/observability"
	"github.com/sindri-dev/sindri/internal/providers"
	"github.com/sindri-dev/sindri/internal/storage"
	"github.com/sindri-dev/sindri/internal/tools"
	"github.com/sindri-dev/sindri/pkg/types"
)

// DelegateToolName is the reserved tool name for spawning subtasks.
// The orchestrator registers the implementation; the loop only needs
// the name to extend whitelists and short-circuit after a successful
// delegation.
const DelegateToolName = "delegate"

// correctiveTurn is injected when the model claims completion before
// the work holds up to validation.
const correctiveTurn = "You indicated completion but haven't performed the required work; continue."

// nudgeTurn is injected when the stuck detector triggers.
const nudgeTurn = "You appear to be repeating yourself without making progress. " +
	"Change your approach: use a tool to move the work forward, or emit " +
	types.CompletionMarker + " if the task is already done."

// completionProtocol is appended to every system prompt so models know
// how to end a task.
const completionProtocol = "Work the task with the tools available to you. " +
	"When the work is genuinely finished, include the literal marker " +
	types.CompletionMarker + " in your reply. Do not emit the marker before the work is done."

// ModelLoader makes a model resident before the loop talks to it.
// Satisfied by models.Manager.
type ModelLoader interface {
	EnsureLoaded(ctx context.Context, model string, vram float64) error
}

// ContextBuilder assembles the model context for one iteration.
// Satisfied by memory.Builder.
type ContextBuilder interface {
	Build(ctx context.Context, projectID, task string, recent []types.Turn, maxTokens int) ([]types.Turn, error)
}

// Deps carries the loop's collaborators. Backend and Sessions are
// required; everything else degrades gracefully when nil.
type Deps struct {
	Backend     providers.Backend
	Tools       *tools.Registry
	Sessions    storage.SessionStore
	Checkpoints storage.CheckpointStore
	Models      ModelLoader
	Memory      ContextBuilder

	// Cancelled reports externally requested cancellation for a task.
	// The loop polls it at its cancellation checks, in addition to the
	// context and the task snapshot it was handed.
	Cancelled func(taskID string) bool

	Bus     *events.Bus
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Config tunes the loop. Zero scalar fields fall back to kernel
// defaults; Streaming and CheckpointEnabled come from configuration
// unchanged.
type Config struct {
	DefaultMaxIterations int
	MaxContextTokens     int
	Streaming            bool
	CheckpointEnabled    bool
	SimilarityThreshold  float64
	MaxNudges            int
	Retry                backoff.Policy
}

// DefaultConfig returns the loop defaults: 20 iterations, 8192 context
// tokens, streaming and checkpoints on, stuck threshold 0.8 with 3
// nudges, and the standard transient retry policy.
func DefaultConfig() Config {
	return Config{
		DefaultMaxIterations: 20,
		MaxContextTokens:     8192,
		Streaming:            true,
		CheckpointEnabled:    true,
		SimilarityThreshold:  0.8,
		MaxNudges:            3,
		Retry:                backoff.DefaultPolicy(),
	}
}

func sanitizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.DefaultMaxIterations <= 0 {
		cfg.DefaultMaxIterations = def.DefaultMaxIterations
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = def.MaxContextTokens
	}
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.MaxNudges <= 0 {
		cfg.MaxNudges = def.MaxNudges
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	return cfg
}

// Loop runs tasks for one agent definition.
type Loop struct {
	agent types.AgentDefinition
	deps  Deps
	cfg   Config
	specs []providers.ToolSpec
}

// NewLoop builds a loop for the given definition. Tool specs advertised
// to the backend are resolved once here, so the delegate tool must be
// registered before loops are constructed.
func NewLoop(def types.AgentDefinition, deps Deps, cfg Config) *Loop {
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}
	if deps.Tracer == nil {
		deps.Tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}
	l := &Loop{agent: def, deps: deps, cfg: sanitizeConfig(cfg)}
	l.specs = l.buildSpecs()
	return l
}

// Agent returns the definition this loop runs.
func (l *Loop) Agent() types.AgentDefinition { return l.agent }

// loopState is the mutable state of one Run.
type loopState struct {
	session   *types.Session
	model     string
	persisted int // session turns already written to the store
	baseIter  int // iterations recorded by earlier runs of this session
	iteration int // 1-based within this run

	toolsTotal   int  // tool executions across the session
	writeOK      bool // a write-class tool succeeded
	requireWrite bool

	lastText string
	stuck    *stuckDetector
	failure  error
}

// Run executes the agent loop for one task until completion, failure,
// cancellation, delegation, or iteration exhaustion. The returned error
// is reserved for infrastructure faults (session persistence); every
// agent-level outcome, including failure, arrives as a LoopResult.
func (l *Loop) Run(ctx context.Context, task *types.Task) (*types.LoopResult, error) {
	const op = "agent.run"
	if task == nil {
		return nil, types.NewError(types.CategoryFatal, op, "task is required")
	}
	if l.deps.Backend == nil || l.deps.Sessions == nil {
		return nil, types.NewError(types.CategoryFatal, op, "backend and session store are required")
	}

	ctx = observability.WithTask(ctx, task.ID)
	ctx = observability.WithAgent(ctx, l.agent.Name)
	if task.ProjectID != "" {
		ctx = observability.WithProject(ctx, task.ProjectID)
	}
	ctx, span := l.deps.Tracer.TraceTaskRun(ctx, task.ID, l.agent.Name)
	defer span.End()

	session, fresh, err := l.openSession(ctx, task)
	if err != nil {
		l.emitError(ctx, task, err)
		return nil, err
	}
	ctx = observability.WithSession(ctx, session.ID)

	state := &loopState{
		session:      session,
		model:        l.agent.Model,
		baseIter:     session.IterationCount,
		requireWrite: !l.agent.AnalysisOnly && memory.InferContextTag(task.Description) == "edit",
		stuck:        newStuckDetector(l.similarityThreshold()),
	}
	if !fresh {
		state.persisted = len(session.Turns)
		l.restoreProgress(state)
	}

	if err := l.ensureModel(ctx, task, state); err != nil {
		state.failure = err
		res := &types.LoopResult{Outcome: types.OutcomeFailed, Reason: types.ReasonModelUnavailable}
		l.finish(ctx, task, state, res)
		return res, nil
	}

	maxIter := l.maxIterations(task)
	l.deps.Logger.Info(ctx, "agent loop starting",
		"model", state.model, "max_iterations", maxIter, "resumed", !fresh)

	var res *types.LoopResult
	for state.iteration = 1; state.iteration <= maxIter; state.iteration++ {
		if l.cancelled(ctx, task) {
			res = cancelResult(state.iteration-1, state)
			break
		}
		res = l.iterate(ctx, task, state, maxIter)
		if err := l.persistProgress(ctx, task, state); err != nil {
			l.emitError(ctx, task, err)
			return nil, err
		}
		if res != nil {
			break
		}
	}
	if res == nil {
		state.failure = types.NewError(types.CategoryAgent, op,
			fmt.Sprintf("no completion after %d iterations", maxIter))
		res = &types.LoopResult{
			Outcome:     types.OutcomeFailed,
			Iterations:  maxIter,
			Reason:      types.ReasonMaxIterations,
			FinalOutput: stripMarker(state.lastText),
		}
	}
	l.finish(ctx, task, state, res)
	return res, nil
}

// iterate runs one loop iteration. A nil return means keep going. The
// caller has already checked cancellation at the iteration head.
func (l *Loop) iterate(pctx context.Context, task *types.Task, state *loopState, maxIter int) *types.LoopResult {
	ctx, span := l.deps.Tracer.TraceIteration(pctx, task.ID, state.iteration)
	defer span.End()
	start := time.Now()
	defer func() {
		if l.deps.Metrics != nil {
			l.deps.Metrics.RecordIteration(l.agent.Name, time.Since(start).Seconds())
		}
	}()

	l.emit(types.EventIterationStart, task.ID, map[string]any{
		"iteration": state.iteration,
		"max":       maxIter,
	})

	if remaining := maxIter - state.iteration + 1; remaining == 5 || remaining == 3 || remaining == 1 {
		state.session.Append(types.Turn{Role: types.RoleUser, Content: warningTurn(remaining)})
		l.emit(types.EventIterationWarning, task.ID, map[string]any{"remaining": remaining})
		l.deps.Logger.Warn(ctx, "iteration budget low", "remaining", remaining)
	}

	turns := l.assembleContext(ctx, task, state)

	resp, err := l.complete(ctx, task, state, turns)
	if err != nil {
		// A call aborted by cancellation is a cancellation, not an LLM
		// fault.
		if l.cancelled(ctx, task) {
			return cancelResult(state.iteration, state)
		}
		state.failure = err
		return &types.LoopResult{
			Outcome:     types.OutcomeFailed,
			Iterations:  state.iteration,
			Reason:      types.ReasonLLMError,
			FinalOutput: stripMarker(state.lastText),
		}
	}

	// Cancellation is honored between the LLM call and tool execution,
	// so a cancelled task never launches new tools.
	if l.cancelled(ctx, task) {
		return cancelResult(state.iteration, state)
	}

	calls := l.extractCalls(ctx, task, state, resp)
	state.session.Append(types.Turn{Role: types.RoleAssistant, Content: resp.Text, ToolCalls: calls})
	state.lastText = resp.Text
	l.emit(types.EventAgentOutput, task.ID, map[string]any{
		"iteration":  state.iteration,
		"text":       resp.Text,
		"tool_calls": len(calls),
	})

	executed, delegated := l.executeCalls(ctx, task, state, calls)

	corrected := false
	if executed == 0 && strings.Contains(resp.Text, types.CompletionMarker) {
		ok, deficit := l.validateCompletion(state)
		if ok {
			return &types.LoopResult{
				Outcome:     types.OutcomeCompleted,
				Iterations:  state.iteration,
				FinalOutput: stripMarker(resp.Text),
			}
		}
		corrected = true
		state.session.Append(types.Turn{Role: types.RoleUser, Content: correctiveTurn})
		l.deps.Logger.Warn(ctx, "completion claim rejected", "deficit", deficit)
	}

	if triggered, why := state.stuck.Observe(resp.Text, calls); triggered {
		if state.stuck.Nudges() >= l.maxNudges() {
			state.failure = types.NewError(types.CategoryAgent, "agent.stuck", why)
			return &types.LoopResult{
				Outcome:     types.OutcomeFailed,
				Iterations:  state.iteration,
				Reason:      types.ReasonStuck,
				FinalOutput: stripMarker(resp.Text),
			}
		}
		state.stuck.RecordNudge()
		if !corrected {
			state.session.Append(types.Turn{Role: types.RoleUser, Content: nudgeTurn})
		}
		l.deps.Logger.Info(ctx, "stuck nudge injected",
			"trigger", why, "nudges", state.stuck.Nudges())
	}

	if delegated {
		return &types.LoopResult{
			Outcome:     types.OutcomeWaiting,
			Iterations:  state.iteration,
			Reason:      types.ReasonDelegationWaiting,
			FinalOutput: stripMarker(resp.Text),
		}
	}

	return nil
}

// openSession loads the task's session, or seeds and persists a new one
// with the system prompt and the task description. The bool reports
// whether the session is new.
func (l *Loop) openSession(ctx context.Context, task *types.Task) (*types.Session, bool, error) {
	const op = "agent.session"
	if task.SessionID != "" {
		session, err := l.deps.Sessions.GetSession(ctx, task.SessionID)
		if err == nil {
			return session, false, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, false, types.WrapError(types.CategoryOf(err), op, err)
		}
		l.deps.Logger.Warn(ctx, "session missing, starting fresh", "session_id", task.SessionID)
	}

	session := types.NewSession(task.Description, l.agent.Model)
	session.Append(types.Turn{Role: types.RoleSystem, Content: l.systemPrompt()})
	session.Append(types.Turn{Role: types.RoleUser, Content: task.Description})
	if err := l.deps.Sessions.CreateSession(ctx, session); err != nil {
		return nil, false, types.WrapError(types.CategoryOf(err), op, err)
	}
	task.SessionID = session.ID
	return session, true, nil
}

func (l *Loop) systemPrompt() string {
	prompt := strings.TrimSpace(l.agent.Prompt)
	if prompt == "" {
		prompt = fmt.Sprintf("You are %s.", l.agent.Name)
		if l.agent.Role != "" {
			prompt = fmt.Sprintf("You are %s: %s.", l.agent.Name, strings.TrimSuffix(l.agent.Role, "."))
		}
	}
	return prompt + "\n\n" + completionProtocol
}

// restoreProgress rebuilds the completion-validation counters from a
// resumed session's turn log.
func (l *Loop) restoreProgress(state *loopState) {
	for _, turn := range state.session.Turns {
		if turn.Role != types.RoleTool {
			continue
		}
		state.toolsTotal++
		if !turn.IsError && l.deps.Tools != nil && l.deps.Tools.IsWriteClass(turn.ToolName) {
			state.writeOK = true
		}
	}
}

// ensureModel makes the agent's model resident, degrading to the
// fallback on resource exhaustion.
func (l *Loop) ensureModel(ctx context.Context, task *types.Task, state *loopState) error {
	if l.deps.Models == nil {
		return nil
	}
	mctx, span := l.deps.Tracer.TraceModelLoad(ctx, l.agent.Model)
	defer span.End()

	err := l.deps.Models.EnsureLoaded(mctx, l.agent.Model, l.agent.VRAMGB)
	if err == nil {
		return nil
	}
	if l.agent.FallbackModel == "" || !types.IsResource(err) {
		l.deps.Tracer.RecordError(span, err)
		return err
	}

	l.deps.Logger.Warn(ctx, "primary model unavailable, trying fallback",
		"model", l.agent.Model, "fallback", l.agent.FallbackModel, "error", err)
	if fbErr := l.deps.Models.EnsureLoaded(mctx, l.agent.FallbackModel, l.agent.FallbackVRAMGB); fbErr != nil {
		l.deps.Tracer.RecordError(span, fbErr)
		return fbErr
	}
	state.model = l.agent.FallbackModel
	l.emit(types.EventModelDegraded, task.ID, map[string]any{
		"from":  l.agent.Model,
		"to":    l.agent.FallbackModel,
		"error": err.Error(),
	})
	return nil
}

// assembleContext builds the turns for the next LLM call. Without a
// memory builder, or when it fails, the raw session history is used.
func (l *Loop) assembleContext(ctx context.Context, task *types.Task, state *loopState) []types.Turn {
	if l.deps.Memory == nil {
		return state.session.Turns
	}
	bctx, span := l.deps.Tracer.TraceContextBuild(ctx, task.ProjectID, l.cfg.MaxContextTokens)
	defer span.End()

	turns, err := l.deps.Memory.Build(bctx, task.ProjectID, task.Description,
		state.session.Turns, l.cfg.MaxContextTokens)
	if err != nil {
		l.deps.Logger.Warn(ctx, "context build failed, using raw history", "error", err)
		return state.session.Turns
	}
	return turns
}

// complete runs one LLM call with transient retries, streaming tokens
// onto the bus.
func (l *Loop) complete(ctx context.Context, task *types.Task, state *loopState, turns []types.Turn) (*providers.Response, error) {
	req := &providers.Request{
		Model:       state.model,
		Turns:       turns,
		Tools:       l.specs,
		Temperature: l.agent.Temperature,
	}

	lctx, span := l.deps.Tracer.TraceLLMRequest(ctx, l.deps.Backend.Name(), state.model)
	defer span.End()

	l.emit(types.EventStreamingStart, task.ID, map[string]any{
		"model":     state.model,
		"iteration": state.iteration,
	})

	start := time.Now()
	result, err := backoff.RetryIf(lctx, l.cfg.Retry, types.IsTransient,
		func(int) (*providers.Response, error) {
			if !l.cfg.Streaming {
				return l.deps.Backend.Chat(lctx, req)
			}
			return l.deps.Backend.ChatStream(lctx, req, func(token string) {
				l.emit(types.EventStreamingToken, task.ID, map[string]any{
					"model": state.model,
					"token": token,
				})
			})
		})
	elapsed := time.Since(start)
	if errors.Is(err, backoff.ErrMaxAttemptsExhausted) && result.LastError != nil {
		err = result.LastError
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	if l.deps.Metrics != nil {
		l.deps.Metrics.RecordLLMRequest(l.deps.Backend.Name(), state.model, status, elapsed.Seconds())
	}

	if err != nil {
		l.deps.Tracer.RecordError(span, err)
		l.deps.Logger.Error(ctx, "llm request failed",
			"model", state.model, "attempts", result.Attempts, "error", err)
		l.emit(types.EventStreamingEnd, task.ID, map[string]any{
			"model": state.model,
			"error": err.Error(),
		})
		return nil, types.WrapError(types.CategoryOf(err), "agent.llm", err)
	}

	resp := result.Value
	l.emit(types.EventStreamingEnd, task.ID, map[string]any{
		"model":       state.model,
		"chars":       len(resp.Text),
		"duration_ms": elapsed.Milliseconds(),
	})
	return resp, nil
}

// extractCalls returns the iteration's tool calls: native ones when the
// backend produced them, otherwise whatever the text parser finds.
func (l *Loop) extractCalls(ctx context.Context, task *types.Task, state *loopState, resp *providers.Response) []types.ToolCall {
	calls := resp.ToolCalls
	if len(calls) == 0 {
		parsed, sawJSON := tools.Parse(resp.Text)
		if len(parsed) > 0 {
			calls = parsed
		} else if sawJSON {
			l.emit(types.EventToolParseFailed, task.ID, map[string]any{"iteration": state.iteration})
			l.deps.Logger.Warn(ctx, "tool call text did not parse")
		}
	}
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = uuid.NewString()
		}
	}
	return calls
}

// executeCalls runs every call in order, appending one tool turn per
// call. It reports how many calls ran and whether a delegation
// succeeded.
func (l *Loop) executeCalls(ctx context.Context, task *types.Task, state *loopState, calls []types.ToolCall) (executed int, delegated bool) {
	for _, call := range calls {
		result := l.executeOne(ctx, task, call)
		executed++
		state.toolsTotal++
		if result.Success {
			if call.Name == DelegateToolName {
				delegated = true
			}
			if l.deps.Tools != nil && l.deps.Tools.IsWriteClass(call.Name) {
				state.writeOK = true
			}
		}

		content := result.Output
		if !result.Success {
			content = result.Error
			if content == "" {
				content = "tool execution failed"
			}
		}
		state.session.Append(types.Turn{
			Role:       types.RoleTool,
			Content:    content,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			IsError:    !result.Success,
		})
	}
	return executed, delegated
}

func (l *Loop) executeOne(ctx context.Context, task *types.Task, call types.ToolCall) types.ToolResult {
	tctx, span := l.deps.Tracer.TraceToolExecution(ctx, call.Name)
	defer span.End()

	start := time.Now()
	result := l.dispatch(tctx, task, call)
	elapsed := time.Since(start)

	l.emit(types.EventToolCalled, task.ID, map[string]any{
		"tool":        call.Name,
		"success":     result.Success,
		"duration_ms": elapsed.Milliseconds(),
		"category":    string(result.Category),
	})
	if !result.Success {
		l.deps.Logger.Warn(tctx, "tool failed",
			"tool", call.Name, "category", string(result.Category), "error", result.Error)
	}
	return result
}

// dispatch enforces the agent's whitelist and retries retriable
// failures with backoff.
func (l *Loop) dispatch(ctx context.Context, task *types.Task, call types.ToolCall) types.ToolResult {
	if l.deps.Tools == nil {
		return types.FailResult(types.CategoryFatal, "no tool registry configured")
	}
	if !l.allowed(call.Name) {
		return types.FailResult(types.CategoryAgent,
			fmt.Sprintf("tool %q is not allowed for agent %s", call.Name, l.agent.Name))
	}

	result := l.deps.Tools.Execute(ctx, call, task.WorkDir)
	for attempt := 1; !result.Success && result.Retriable && attempt < l.cfg.Retry.MaxAttempts; attempt++ {
		if err := backoff.SleepWithBackoff(ctx, l.cfg.Retry, attempt); err != nil {
			break
		}
		result = l.deps.Tools.Execute(ctx, call, task.WorkDir)
	}
	return result
}

// validateCompletion applies the marker acceptance rules. The second
// return names the unmet requirement.
func (l *Loop) validateCompletion(state *loopState) (bool, string) {
	if state.toolsTotal == 0 && !l.agent.AnalysisOnly {
		return false, "no tools executed this session"
	}
	if state.requireWrite && !state.writeOK {
		return false, "no write-class tool succeeded"
	}
	return true, ""
}

// persistProgress appends unwritten turns, advances the iteration
// count, and refreshes the running checkpoint.
func (l *Loop) persistProgress(ctx context.Context, task *types.Task, state *loopState) error {
	const op = "agent.persist"
	if pending := state.session.Turns[state.persisted:]; len(pending) > 0 {
		if err := l.deps.Sessions.AppendTurns(ctx, state.session.ID, pending); err != nil {
			return types.WrapError(types.CategoryOf(err), op, err)
		}
		state.persisted = len(state.session.Turns)
	}
	total := state.baseIter + state.iteration
	if err := l.deps.Sessions.SetIterationCount(ctx, state.session.ID, total); err != nil {
		return types.WrapError(types.CategoryOf(err), op, err)
	}
	state.session.IterationCount = total
	l.saveCheckpoint(ctx, task, state.session.ID, total, types.TaskRunning, "")
	return nil
}

// finish maps the result onto session status, checkpoints, and fault
// events. Failures other than cancellation emit ERROR.
func (l *Loop) finish(ctx context.Context, task *types.Task, state *loopState, res *types.LoopResult) {
	iterations := state.baseIter + res.Iterations

	switch res.Outcome {
	case types.OutcomeCompleted:
		l.setSessionStatus(ctx, state, types.SessionCompleted)
		if l.deps.Checkpoints != nil && l.cfg.CheckpointEnabled {
			if err := l.deps.Checkpoints.DeleteCheckpoint(ctx, task.ID); err != nil {
				l.deps.Logger.Warn(ctx, "checkpoint delete failed", "error", err)
			}
		}
		l.deps.Logger.Info(ctx, "task completed", "iterations", res.Iterations)

	case types.OutcomeWaiting:
		l.saveCheckpoint(ctx, task, state.session.ID, iterations, types.TaskWaiting, "")
		l.deps.Logger.Info(ctx, "task waiting on delegation", "iterations", res.Iterations)

	case types.OutcomeFailed:
		errCtx := res.Reason
		if state.failure != nil {
			errCtx = state.failure.Error()
		}
		l.setSessionStatus(ctx, state, types.SessionFailed)

		if res.Reason == types.ReasonCancelled {
			l.saveCheckpoint(ctx, task, state.session.ID, iterations, types.TaskCancelled, errCtx)
			l.deps.Logger.Info(ctx, "task cancelled", "iterations", res.Iterations)
			return
		}
		l.saveCheckpoint(ctx, task, state.session.ID, iterations, types.TaskFailed, errCtx)

		category := types.CategoryAgent
		if state.failure != nil {
			category = types.CategoryOf(state.failure)
		}
		l.emit(types.EventError, task.ID, map[string]any{
			"component": "agent",
			"category":  string(category),
			"reason":    res.Reason,
			"error":     errCtx,
		})
		l.deps.Logger.Error(ctx, "task failed", "reason", res.Reason, "error", errCtx)
	}
}

func (l *Loop) setSessionStatus(ctx context.Context, state *loopState, status types.SessionStatus) {
	if err := l.deps.Sessions.SetSessionStatus(ctx, state.session.ID, status); err != nil {
		l.deps.Logger.Warn(ctx, "session status update failed",
			"status", string(status), "error", err)
		return
	}
	state.session.Status = status
}

func (l *Loop) saveCheckpoint(ctx context.Context, task *types.Task, sessionID string, iteration int, status types.TaskStatus, errCtx string) {
	if l.deps.Checkpoints == nil || !l.cfg.CheckpointEnabled {
		return
	}
	cp := &types.CheckpointRecord{
		TaskID:       task.ID,
		SessionID:    sessionID,
		Iteration:    iteration,
		Status:       status,
		ErrorContext: errCtx,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := l.deps.Checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		l.deps.Logger.Warn(ctx, "checkpoint save failed", "error", err)
	}
}

// cancelled is the loop's cancellation probe: context, task snapshot,
// and the external callback when wired.
func (l *Loop) cancelled(ctx context.Context, task *types.Task) bool {
	if ctx.Err() != nil {
		return true
	}
	if task.CancelRequested {
		return true
	}
	return l.deps.Cancelled != nil && l.deps.Cancelled(task.ID)
}

func (l *Loop) allowed(name string) bool {
	if name == DelegateToolName {
		return len(l.agent.DelegateTo) > 0
	}
	return l.agent.HasTool(name)
}

// buildSpecs resolves the agent's whitelist against the registry into
// the specs advertised on every request.
func (l *Loop) buildSpecs() []providers.ToolSpec {
	if l.deps.Tools == nil {
		return nil
	}
	names := append([]string(nil), l.agent.Tools...)
	if len(l.agent.DelegateTo) > 0 {
		names = append(names, DelegateToolName)
	}

	var specs []providers.ToolSpec
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		t, ok := l.deps.Tools.Get(name)
		if !ok {
			l.deps.Logger.Warn(context.Background(), "agent tool not registered",
				"agent", l.agent.Name, "tool", name)
			continue
		}
		specs = append(specs, providers.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return specs
}

func (l *Loop) maxIterations(task *types.Task) int {
	if task.MaxIterations > 0 {
		return task.MaxIterations
	}
	if l.agent.MaxIterations > 0 {
		return l.agent.MaxIterations
	}
	return l.cfg.DefaultMaxIterations
}

func (l *Loop) similarityThreshold() float64 {
	if l.agent.SimilarityThreshold > 0 && l.agent.SimilarityThreshold <= 1 {
		return l.agent.SimilarityThreshold
	}
	return l.cfg.SimilarityThreshold
}

func (l *Loop) maxNudges() int {
	if l.agent.MaxNudges > 0 {
		return l.agent.MaxNudges
	}
	return l.cfg.MaxNudges
}

func (l *Loop) emit(t types.EventType, taskID string, payload map[string]any) {
	if l.deps.Bus == nil {
		return
	}
	l.deps.Bus.Emit(t, taskID, payload)
}

func (l *Loop) emitError(ctx context.Context, task *types.Task, err error) {
	l.deps.Logger.Error(ctx, "loop aborted", "error", err)
	l.emit(types.EventError, task.ID, map[string]any{
		"component": "agent",
		"category":  string(types.CategoryOf(err)),
		"error":     err.Error(),
	})
}

func cancelResult(iterations int, state *loopState) *types.LoopResult {
	return &types.LoopResult{
		Outcome:     types.OutcomeFailed,
		Iterations:  iterations,
		Reason:      types.ReasonCancelled,
		FinalOutput: stripMarker(state.lastText),
	}
}

func warningTurn(remaining int) string {
	noun := "iterations"
	if remaining == 1 {
		noun = "iteration"
	}
	return fmt.Sprintf("Only %d %s left. Finish the remaining work now and emit %s once it is done.",
		remaining, noun, types.CompletionMarker)
}

// stripMarker removes the completion marker from final output.
func stripMarker(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, types.CompletionMarker, ""))
}
