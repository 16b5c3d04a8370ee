// Package timeline projects a task and its history into a flat event list
// for display.
package timeline

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ananta888/ananta/internal/models"
)

// Event types synthesized from task fields.
const (
	EventTaskActivity     = "task_activity"
	EventProposalSnapshot = "proposal_snapshot"
)

// QualityGateMarker prefixes the line appended to task output when a
// quality gate fails.
const QualityGateMarker = "[quality_gate] failed:"

const previewRunes = 220

var errorEventTypes = map[string]struct{}{
	models.EventToolBlocked:             {},
	"autopilot_security_policy_blocked": {},
	"autopilot_worker_failed":           {},
	models.EventQualityGateFailed:       {},
}

// Event is one row of a task timeline.
type Event struct {
	EventType  string            `json:"event_type"`
	TaskID     string            `json:"task_id"`
	TeamID     string            `json:"team_id,omitempty"`
	TaskStatus models.TaskStatus `json:"task_status"`
	Timestamp  time.Time         `json:"timestamp"`
	Actor      string            `json:"actor"`
	Details    map[string]any    `json:"details"`
}

// TaskEvents builds the timeline for t. Events are in insertion order:
// creation, history, proposal, execution result, handoff. Callers that
// need strict time order sort by Timestamp.
func TaskEvents(t *models.Task) []Event {
	if t == nil {
		return nil
	}
	base := func(eventType string, ts time.Time, actor string, details map[string]any) Event {
		return Event{
			EventType:  eventType,
			TaskID:     t.ID,
			TeamID:     t.TeamID,
			TaskStatus: t.Status,
			Timestamp:  ts,
			Actor:      actor,
			Details:    details,
		}
	}
	owner := firstNonEmpty(t.AssignedAgentURL, "system")

	events := make([]Event, 0, len(t.History)+4)
	events = append(events, base(models.EventTaskCreated, t.CreatedAt, owner, map[string]any{
		"title":          t.Title,
		"description":    t.Description,
		"parent_task_id": t.ParentTaskID,
	}))

	for _, h := range t.History {
		eventType := firstNonEmpty(h.EventType, EventTaskActivity)
		ts := h.Timestamp
		if ts.IsZero() {
			ts = t.UpdatedAt
		}
		delegatedTo, _ := h.Details["delegated_to"].(string)
		actor := firstNonEmpty(delegatedTo, h.Actor, t.AssignedAgentURL, "system")
		details := h.Details
		if details == nil {
			details = map[string]any{}
		}
		events = append(events, base(eventType, ts, actor, details))
	}

	if len(t.LastProposal) > 0 {
		events = append(events, base(EventProposalSnapshot, t.UpdatedAt, owner, t.LastProposal))
	}

	if t.LastOutput != "" || t.LastExitCode != nil {
		var exitCode any
		if t.LastExitCode != nil {
			exitCode = *t.LastExitCode
		}
		events = append(events, base(models.EventExecutionResult, t.UpdatedAt, owner, map[string]any{
			"exit_code":           exitCode,
			"output_preview":      Preview(t.LastOutput),
			"quality_gate_failed": strings.Contains(t.LastOutput, QualityGateMarker),
		}))
	}

	if t.ParentTaskID != "" {
		events = append(events, base(models.EventTaskHandoff, t.CreatedAt, "system", map[string]any{
			"parent_task_id": t.ParentTaskID,
			"reason":         "followup_or_delegation",
		}))
	}
	return events
}

// Preview truncates output to the preview length.
func Preview(s string) string {
	r := []rune(s)
	if len(r) <= previewRunes {
		return s
	}
	return string(r[:previewRunes])
}

// IsError reports whether an event should be highlighted as an error. It
// is a display heuristic: a string value mentioning "failed" or "error"
// counts, as does a true flag whose key does. Keys alone never count, so a
// false quality_gate_failed stays clean.
func IsError(e Event) bool {
	if _, ok := errorEventTypes[strings.ToLower(e.EventType)]; ok {
		return true
	}
	if e.Details == nil {
		return false
	}
	if nonEmpty(e.Details["blocked_reasons"]) {
		return true
	}
	if nonZeroExit(e.Details["exit_code"]) {
		return true
	}
	raw, err := json.Marshal(e.Details)
	if err != nil {
		return false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return false
	}
	return mentionsFailure("", generic)
}

func mentionsFailure(key string, v any) bool {
	switch x := v.(type) {
	case string:
		return hasFailureWord(x)
	case bool:
		return x && hasFailureWord(key)
	case map[string]any:
		for k, item := range x {
			if mentionsFailure(k, item) {
				return true
			}
		}
	case []any:
		for _, item := range x {
			if mentionsFailure(key, item) {
				return true
			}
		}
	}
	return false
}

func hasFailureWord(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "failed") || strings.Contains(s, "error")
}

// Filter returns the events for which keep is true.
func Filter(events []Event, keep func(Event) bool) []Event {
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func nonEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	case []string:
		return len(x) > 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	case map[string]string:
		return len(x) > 0
	case bool:
		return x
	default:
		return true
	}
}

func nonZeroExit(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case *int:
		return x != nil && *x != 0
	case json.Number:
		return x.String() != "0"
	default:
		return true
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
