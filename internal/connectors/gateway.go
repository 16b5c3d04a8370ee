package connectors

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ananta888/ananta/internal/capability"
	"github.com/ananta888/ananta/internal/logging"
	"github.com/ananta888/ananta/internal/models"
)

// Exit codes set on results that did not come from a process.
const (
	ExitNoHandler     = 127
	ExitHandlerFailed = -1
)

// BlockObserver is told about every blocked reason.
type BlockObserver interface {
	IncToolBlocked(reason string)
}

// Outcome is the result of a gateway run. When Allowed is false no call
// was executed.
type Outcome struct {
	Allowed        bool                         `json:"allowed"`
	Blocked        []string                     `json:"blocked_tools"`
	Reasons        map[string]string            `json:"reasons"`
	BlockedReasons []string                     `json:"blocked_reasons"`
	Guardrails     capability.GuardrailDecision `json:"guardrails"`
	Results        []ExecResult                 `json:"results,omitempty"`
}

// ExitCode returns the first non-zero exit code, or 0.
func (o *Outcome) ExitCode() int {
	for _, r := range o.Results {
		if r.ExitCode != 0 {
			return r.ExitCode
		}
	}
	return 0
}

// Output joins the results into a text log.
func (o *Outcome) Output() string {
	var b strings.Builder
	for _, r := range o.Results {
		b.WriteString("$ ")
		b.WriteString(r.Tool)
		if r.Command != "" {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(r.Command + " " + strings.Join(r.Args, " ")))
		}
		b.WriteString("\n")
		if r.Stdout != "" {
			b.WriteString(r.Stdout)
			if !strings.HasSuffix(r.Stdout, "\n") {
				b.WriteString("\n")
			}
		}
		if r.Stderr != "" {
			b.WriteString(r.Stderr)
			if !strings.HasSuffix(r.Stderr, "\n") {
				b.WriteString("\n")
			}
		}
		if r.Error != "" {
			b.WriteString("error: " + r.Error + "\n")
		}
	}
	return b.String()
}

// Gateway is the only path from a proposed tool call to a handler.
type Gateway struct {
	caps     *capability.Registry
	handlers *Registry
	logger   *slog.Logger
	observer BlockObserver
}

// NewGateway creates a gateway. observer may be nil.
func NewGateway(caps *capability.Registry, handlers *Registry, logger *slog.Logger, observer BlockObserver) *Gateway {
	if handlers == nil {
		handlers, _ = NewRegistry()
	}
	return &Gateway{
		caps:     caps,
		handlers: handlers,
		logger:   logging.OrDiscard(logger).With("component", "gateway"),
		observer: observer,
	}
}

// Capabilities returns the capability registry the gateway enforces.
func (g *Gateway) Capabilities() *capability.Registry { return g.caps }

// Handlers returns the handler registry.
func (g *Gateway) Handlers() *Registry { return g.handlers }

// Check validates calls for caller without executing anything.
func (g *Gateway) Check(caller models.Caller, calls []capability.ToolCall) *Outcome {
	verdict := g.caps.Validate(calls, caller.Admin)
	guard := g.caps.Guard(calls)

	out := &Outcome{
		Blocked:    append([]string{}, verdict.Blocked...),
		Reasons:    verdict.Reasons,
		Guardrails: guard,
	}
	seen := make(map[string]struct{}, len(out.Blocked))
	for _, name := range out.Blocked {
		seen[name] = struct{}{}
	}
	for _, name := range guard.Blocked {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			out.Blocked = append(out.Blocked, name)
		}
	}

	reasonSeen := map[string]struct{}{}
	addReason := func(r string) {
		if _, ok := reasonSeen[r]; ok {
			return
		}
		reasonSeen[r] = struct{}{}
		out.BlockedReasons = append(out.BlockedReasons, r)
	}
	for _, name := range verdict.Blocked {
		addReason(verdict.Reasons[name])
	}
	for _, r := range guard.Reasons {
		addReason(r)
	}
	if out.BlockedReasons == nil {
		out.BlockedReasons = []string{}
	}
	out.Allowed = verdict.OK() && guard.Allowed
	return out
}

// Execute validates calls and, only if the whole batch is allowed, runs
// each call in order through its handler. A blocked batch is reported in
// the outcome, not as an error.
func (g *Gateway) Execute(ctx context.Context, caller models.Caller, calls []capability.ToolCall) (*Outcome, error) {
	out := g.Check(caller, calls)
	if !out.Allowed {
		for _, r := range out.BlockedReasons {
			if g.observer != nil {
				g.observer.IncToolBlocked(r)
			}
		}
		g.logger.Warn("tool calls blocked",
			"caller", caller.Subject,
			"blocked", out.Blocked,
			"reasons", out.BlockedReasons,
		)
		return out, nil
	}

	out.Results = make([]ExecResult, 0, len(calls))
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		name := strings.TrimSpace(call.Name)
		h, ok := g.handlers.Get(name)
		if !ok {
			out.Results = append(out.Results, ExecResult{Tool: name, ExitCode: ExitNoHandler, Error: "no handler registered"})
			continue
		}
		res, err := h.Handle(ctx, call)
		if res == nil {
			res = &ExecResult{}
		}
		res.Tool = name
		if err != nil {
			res.Error = err.Error()
			if res.ExitCode == 0 {
				res.ExitCode = ExitHandlerFailed
			}
			g.logger.Warn("tool call failed", "tool", name, "error", err)
		}
		out.Results = append(out.Results, *res)
	}
	g.logger.Debug("tool calls executed", "caller", caller.Subject, "count", len(out.Results))
	return out, nil
}
