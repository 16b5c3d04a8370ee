// Package llm defines the completion interface used by workers to turn a
// task goal into a plan.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Request is one completion request.
type Request struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	System   string `json:"system,omitempty"`
	Prompt   string `json:"prompt"`
}

// Completer produces raw model text for a request. Output is expected to be
// JSON but may be malformed; callers repair it.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// SystemPrompt instructs a model to answer with a plan object.
const SystemPrompt = `You plan work for a task orchestration worker.
Answer with one JSON object: {"summary": string, "tool_calls": [{"name": string, "args": object}]}.
Use only the tools listed in the prompt.`

// BuildPrompt renders the user prompt for a task goal.
func BuildPrompt(title, goal string, tools []string) string {
	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "Task: %s\n", title)
	}
	fmt.Fprintf(&b, "Goal: %s\n", goal)
	if len(tools) > 0 {
		fmt.Fprintf(&b, "Tools: %s\n", strings.Join(tools, ", "))
	}
	return b.String()
}

// Static is a deterministic completer. It plans a single echo through the
// local shell tool, so a node can run end to end without a provider.
type Static struct {
	// Response, when set, is returned verbatim.
	Response string
}

// Complete returns the configured response or the default echo plan.
func (s Static) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.Response != "" {
		return s.Response, nil
	}
	goal := goalFromPrompt(req.Prompt)
	plan := map[string]any{
		"summary": "echo goal",
		"tool_calls": []map[string]any{{
			"name": "execute_shell",
			"args": map[string]any{"cmd": "echo", "args": []string{"ok:", goal}},
		}},
	}
	data, err := json.Marshal(plan)
	if err != nil {
		return "", fmt.Errorf("encode static plan: %w", err)
	}
	return string(data), nil
}

func goalFromPrompt(prompt string) string {
	for _, line := range strings.Split(prompt, "\n") {
		if rest, ok := strings.CutPrefix(line, "Goal: "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(prompt)
}
