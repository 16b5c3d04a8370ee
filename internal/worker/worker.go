// Package worker executes claimed tasks on the local node: it plans with a
// model, runs the plan through the tool gateway and completes the task.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/ananta888/ananta/internal/capability"
	"github.com/ananta888/ananta/internal/connectors"
	"github.com/ananta888/ananta/internal/controlplane"
	"github.com/ananta888/ananta/internal/goalcache"
	"github.com/ananta888/ananta/internal/llm"
	"github.com/ananta888/ananta/internal/logging"
	"github.com/ananta888/ananta/internal/modelpool"
	"github.com/ananta888/ananta/internal/models"
	"github.com/ananta888/ananta/internal/toolroute"
)

// Exit code recorded when a task cannot be planned or its plan is blocked.
const exitRejected = 1

// Tasks is the part of the control plane a worker reports to.
type Tasks interface {
	Report(ctx context.Context, taskID string, caller models.Caller, req controlplane.ReportRequest) (*controlplane.ReportResult, error)
	Complete(ctx context.Context, taskID string, req controlplane.CompleteRequest) (*models.CompleteResult, error)
}

// Plan is the model's answer for a task.
type Plan struct {
	Summary   string                `json:"summary"`
	ToolCalls []capability.ToolCall `json:"tool_calls"`
}

// ParsePlan decodes model output into a plan. Code fences are stripped and
// malformed JSON is repaired before giving up.
func ParsePlan(raw string) (*Plan, error) {
	text := stripFences(raw)
	if text == "" {
		return nil, errors.New("empty plan")
	}

	var wire struct {
		Summary   string            `json:"summary"`
		ToolCalls []json.RawMessage `json:"tool_calls"`
	}
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		fixed, repairErr := jsonrepair.JSONRepair(text)
		if repairErr != nil {
			return nil, fmt.Errorf("repair plan json: %w", repairErr)
		}
		if err := json.Unmarshal([]byte(fixed), &wire); err != nil {
			return nil, fmt.Errorf("decode repaired plan: %w", err)
		}
	}
	return &Plan{Summary: wire.Summary, ToolCalls: capability.ParseToolCalls(wire.ToolCalls)}, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

// toCache converts a plan into the goal cache response shape.
func (p *Plan) toCache() map[string]any {
	data, _ := json.Marshal(p)
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return out
}

func planFromCache(resp map[string]any) (*Plan, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return ParsePlan(string(data))
}

// Config selects the model used for planning.
type Config struct {
	Provider string
	Model    string
}

// Deps are the components a worker uses.
type Deps struct {
	Tasks     Tasks
	Gateway   *connectors.Gateway
	Cache     *goalcache.Cache
	Pool      *modelpool.Pool
	Completer llm.Completer
	// Router narrows the tools offered to the model. Nil offers every
	// allowed tool.
	Router *toolroute.Router
	Logger *slog.Logger
}

// Worker runs tasks claimed by this node.
type Worker struct {
	deps   Deps
	caller models.Caller
	cfg    Config
	logger *slog.Logger
}

// New creates a worker acting as caller. The caller's subject must be the
// lease holder used when claiming.
func New(deps Deps, caller models.Caller, cfg Config) (*Worker, error) {
	if deps.Tasks == nil || deps.Gateway == nil || deps.Cache == nil || deps.Pool == nil || deps.Completer == nil {
		return nil, errors.New("worker: tasks, gateway, cache, pool and completer are required")
	}
	if cfg.Provider == "" {
		cfg.Provider = "local"
	}
	if cfg.Model == "" {
		cfg.Model = "static"
	}
	return &Worker{
		deps:   deps,
		caller: caller,
		cfg:    cfg,
		logger: logging.OrDiscard(deps.Logger).With("component", "worker"),
	}, nil
}

// Holder returns the lease holder the worker completes tasks as.
func (w *Worker) Holder() string { return w.caller.Subject }

// Run plans, executes and completes task. The task is always completed,
// as failed when planning or execution goes wrong; the error is returned
// for logging.
func (w *Worker) Run(ctx context.Context, task models.Task) error {
	traceID := uuid.NewString()
	logger := w.logger.With("task_id", task.ID, "trace_id", traceID)

	plan, source, err := w.plan(ctx, task)
	if err != nil {
		logger.Warn("planning failed", "error", err)
		w.complete(ctx, task.ID, "planning failed: "+err.Error(), exitRejected, traceID)
		return fmt.Errorf("plan task %s: %w", task.ID, err)
	}

	report, err := w.deps.Tasks.Report(ctx, task.ID, w.caller, controlplane.ReportRequest{
		Actor:     w.caller.Subject,
		Proposal:  map[string]any{"summary": plan.Summary, "plan_source": source, "trace_id": traceID},
		ToolCalls: plan.ToolCalls,
	})
	if err != nil {
		return fmt.Errorf("report proposal for %s: %w", task.ID, err)
	}
	if report.Tools != nil && !report.Tools.Allowed {
		logger.Warn("plan blocked", "blocked", report.Tools.Blocked)
		output := "tool calls blocked: " + strings.Join(report.Tools.BlockedReasons, ", ")
		return w.complete(ctx, task.ID, output, exitRejected, traceID)
	}

	output, exitCode := plan.Summary, 0
	if len(plan.ToolCalls) > 0 {
		outcome, err := w.deps.Gateway.Execute(ctx, w.caller, plan.ToolCalls)
		if err != nil {
			return fmt.Errorf("execute plan for %s: %w", task.ID, err)
		}
		if !outcome.Allowed {
			output = "tool calls blocked: " + strings.Join(outcome.BlockedReasons, ", ")
			return w.complete(ctx, task.ID, output, exitRejected, traceID)
		}
		output, exitCode = outcome.Output(), outcome.ExitCode()
	}

	logger.Debug("plan executed", "source", source, "tool_calls", len(plan.ToolCalls), "exit_code", exitCode)
	return w.complete(ctx, task.ID, output, exitCode, traceID)
}

func (w *Worker) complete(ctx context.Context, taskID, output string, exitCode int, traceID string) error {
	res, err := w.deps.Tasks.Complete(ctx, taskID, controlplane.CompleteRequest{
		Actor:    w.caller.Subject,
		Output:   output,
		ExitCode: &exitCode,
		TraceID:  traceID,
	})
	if err != nil {
		w.logger.Warn("complete failed", "task_id", taskID, "error", err)
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}
	w.logger.Info("task finished", "task_id", taskID, "status", res.Status, "gate_reason", res.Gate.Reason)
	return nil
}

// plan returns a cached plan for the task goal or asks the model for one.
func (w *Worker) plan(ctx context.Context, task models.Task) (*Plan, string, error) {
	goal := task.Description
	if cached, ok := w.deps.Cache.Get(goal, task.TeamID); ok {
		plan, err := planFromCache(cached)
		if err == nil {
			return plan, "cache", nil
		}
		w.logger.Warn("cached plan unusable", "task_id", task.ID, "error", err)
	}

	tools := capability.SortedNames(w.deps.Gateway.Capabilities().Allowed(w.caller.Admin))
	if w.deps.Router != nil {
		route := w.deps.Router.Route(task.Title, goal, tools)
		w.logger.Debug("tools routed", "task_id", task.ID, "tools", route.Tools, "rules", route.MatchedRules)
		tools = route.Tools
	}
	req := llm.Request{
		Provider: w.cfg.Provider,
		Model:    w.cfg.Model,
		System:   llm.SystemPrompt,
		Prompt:   llm.BuildPrompt(task.Title, goal, tools),
	}

	var raw string
	err := w.deps.Pool.Do(ctx, w.cfg.Provider, w.cfg.Model, func(ctx context.Context) error {
		var err error
		raw, err = w.deps.Completer.Complete(ctx, req)
		return err
	})
	if err != nil {
		return nil, "", fmt.Errorf("completion: %w", err)
	}

	plan, err := ParsePlan(raw)
	if err != nil {
		return nil, "", err
	}
	w.deps.Cache.Set(goal, plan.toCache(), task.TeamID)
	return plan, "model", nil
}
