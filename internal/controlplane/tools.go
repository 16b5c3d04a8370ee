package controlplane

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ananta888/ananta/internal/capability"
	"github.com/ananta888/ananta/internal/connectors"
	"github.com/ananta888/ananta/internal/models"
)

// Tool names served by the control plane itself.
const (
	ToolListTasks        = "list_tasks"
	ToolReadTaskTimeline = "read_task_timeline"
)

// DescribeTools lists the capability contract for caller.
func (s *Service) DescribeTools(caller models.Caller) capability.Description {
	return s.gateway.Capabilities().Describe(caller.Admin)
}

// ValidateTools checks calls for caller without running them.
func (s *Service) ValidateTools(caller models.Caller, calls []capability.ToolCall) *connectors.Outcome {
	return s.gateway.Check(caller, calls)
}

// ToolHandlers returns the handlers for the read-only task tools. They are
// registered with the gateway's handler registry at startup.
func (s *Service) ToolHandlers() []connectors.Handler {
	return []connectors.Handler{
		connectors.HandlerFunc(ToolListTasks, s.listTasksTool),
		connectors.HandlerFunc(ToolReadTaskTimeline, s.readTimelineTool),
	}
}

func (s *Service) listTasksTool(ctx context.Context, call capability.ToolCall) (*connectors.ExecResult, error) {
	status, _ := call.Arguments["status"].(string)
	limit := 20
	if v, ok := call.Arguments["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}
	tasks, err := s.ListTasks(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	rows := make([]models.TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, models.TaskSummary{ID: t.ID, Title: t.Title, Status: t.Status, Source: t.Source, UpdatedAt: t.UpdatedAt})
	}
	return toolResult(rows)
}

func (s *Service) readTimelineTool(ctx context.Context, call capability.ToolCall) (*connectors.ExecResult, error) {
	id, _ := call.Arguments["task_id"].(string)
	if id == "" {
		return nil, fmt.Errorf("read_task_timeline requires task_id")
	}
	errorsOnly, _ := call.Arguments["errors_only"].(bool)
	events, err := s.Timeline(ctx, id, errorsOnly)
	if err != nil {
		return nil, err
	}
	return toolResult(events)
}

func toolResult(v any) (*connectors.ExecResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return &connectors.ExecResult{Stdout: string(data), Data: v}, nil
}
