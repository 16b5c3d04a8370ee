// Package models defines the core domain types for Ananta.
package models

import (
	"strings"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusArchived   TaskStatus = "archived"
)

var statusAliases = map[string]TaskStatus{
	"todo":        TaskStatusTodo,
	"to-do":       TaskStatusTodo,
	"backlog":     TaskStatusTodo,
	"in_progress": TaskStatusInProgress,
	"in-progress": TaskStatusInProgress,
	"claimed":     TaskStatusInProgress,
	"completed":   TaskStatusCompleted,
	"complete":    TaskStatusCompleted,
	"done":        TaskStatusCompleted,
	"failed":      TaskStatusFailed,
	"archived":    TaskStatusArchived,
}

// NormalizeStatus maps user-facing status spellings onto the canonical set.
// Unknown values are returned lowercased and trimmed.
func NormalizeStatus(s string) TaskStatus {
	key := strings.ToLower(strings.TrimSpace(s))
	if st, ok := statusAliases[key]; ok {
		return st
	}
	return TaskStatus(key)
}

// IsTerminal reports whether no further claim or completion is possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusArchived
}

// History event types written by the orchestration engine.
const (
	EventTaskCreated       = "task_created"
	EventTaskClaimed       = "task_claimed"
	EventExecutionResult   = "execution_result"
	EventExecutionReported = "execution_reported"
	EventProposalRecorded  = "proposal_recorded"
	EventTaskHandoff       = "task_handoff"
	EventTaskDelegated     = "task_delegated"
	EventToolBlocked       = "tool_guardrail_blocked"
	EventQualityGateFailed = "quality_gate_failed"
	EventFollowupCreated   = "followup_created"
	EventSubtaskCallback   = "subtask_callback"
)

// Task represents a unit of work in the control plane.
type Task struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	Status           TaskStatus     `json:"status"`
	Priority         string         `json:"priority"`
	Source           string         `json:"source"`
	CreatedBy        string         `json:"created_by"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	ArchivedAt       *time.Time     `json:"archived_at,omitempty"`
	TeamID           string         `json:"team_id,omitempty"`
	AssignedAgentURL string         `json:"assigned_agent_url,omitempty"`
	ParentTaskID     string         `json:"parent_task_id,omitempty"`
	DependsOn        []string       `json:"depends_on"`
	History          []HistoryEvent `json:"history"`
	LastProposal     map[string]any `json:"last_proposal,omitempty"`
	LastOutput       string         `json:"last_output,omitempty"`
	LastExitCode     *int           `json:"last_exit_code,omitempty"`
	FailCount        int            `json:"fail_count"`
	Lease            *Lease         `json:"lease,omitempty"`
	CallbackURL      string         `json:"callback_url,omitempty"`
	CallbackToken    string         `json:"-"`
	TraceID          string         `json:"trace_id,omitempty"`

	// Version is bumped on every write and used as the compare-and-swap token.
	Version int64 `json:"version"`
}

// HistoryEvent is one append-only entry in a task's history.
type HistoryEvent struct {
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Lease represents a temporary claim on a task.
type Lease struct {
	Holder         string    `json:"holder"`
	ExpiresAt      time.Time `json:"expires_at"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// ActiveAt reports whether the lease is still live at now.
func (l *Lease) ActiveAt(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// ClaimResult is the outcome of a claim attempt. Refusals are results, not errors.
type ClaimResult struct {
	TaskID    string     `json:"task_id"`
	Claimed   bool       `json:"claimed"`
	Reason    string     `json:"reason,omitempty"`
	Holder    string     `json:"holder,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Replayed  bool       `json:"replayed,omitempty"`
	Unmet     []string   `json:"unmet_dependencies,omitempty"`
}

// Claim refusal reasons.
const (
	ReasonUnmetDependencies = "unmet_dependencies"
	ReasonLeaseHeld         = "lease_held"
	ReasonNotClaimable      = "not_claimable"
)

// GateResults carries the quality gate verdict reported with a completion.
type GateResults struct {
	Passed bool           `json:"passed"`
	Reason string         `json:"reason,omitempty"`
	Checks map[string]any `json:"checks,omitempty"`
}

// CompleteResult is returned by a successful completion.
type CompleteResult struct {
	TaskID    string      `json:"task_id"`
	Status    TaskStatus  `json:"status"`
	Gate      GateResults `json:"gate_results"`
	Unblocked []string    `json:"unblocked,omitempty"`
}

// ReadModel is the dashboard aggregate over the live task set.
type ReadModel struct {
	Queue        map[TaskStatus]int `json:"queue"`
	BySource     map[string]int     `json:"by_source"`
	ByAgent      map[string]int     `json:"by_agent"`
	ActiveLeases int                `json:"active_leases"`
	RecentTasks  []TaskSummary      `json:"recent_tasks"`
	GeneratedAt  time.Time          `json:"generated_at"`
}

// TaskSummary is the compact task row used by the read-model.
type TaskSummary struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Status    TaskStatus `json:"status"`
	Source    string     `json:"source"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskID     string    `json:"task_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Caller identifies who is making a request.
type Caller struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
	Admin   bool   `json:"admin"`
}
