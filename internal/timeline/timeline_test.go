package timeline

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ananta888/ananta/internal/models"
)

func sampleTask() *models.Task {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	exit := 1
	return &models.Task{
		ID:               "tsk-1",
		Title:            "Fix login",
		Description:      "fix the login bug",
		Status:           models.TaskStatusFailed,
		TeamID:           "team-a",
		AssignedAgentURL: "http://alpha:5001",
		ParentTaskID:     "tsk-0",
		CreatedAt:        created,
		UpdatedAt:        created.Add(time.Hour),
		History: []models.HistoryEvent{
			{EventType: models.EventTaskClaimed, Timestamp: created.Add(time.Minute), Actor: "http://alpha:5001"},
			{Details: map[string]any{"note": "progress"}},
			{EventType: models.EventTaskDelegated, Timestamp: created.Add(2 * time.Minute), Actor: "hub", Details: map[string]any{"delegated_to": "http://beta:5002"}},
		},
		LastProposal: map[string]any{"summary": "patch auth"},
		LastOutput:   strings.Repeat("x", 300) + "\n" + QualityGateMarker + " non_zero_exit_code",
		LastExitCode: &exit,
	}
}

func TestTaskEventsOrder(t *testing.T) {
	task := sampleTask()
	events := TaskEvents(task)

	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{
		models.EventTaskCreated,
		models.EventTaskClaimed,
		EventTaskActivity,
		models.EventTaskDelegated,
		EventProposalSnapshot,
		models.EventExecutionResult,
		models.EventTaskHandoff,
	}, types)

	for _, e := range events {
		assert.Equal(t, "tsk-1", e.TaskID)
		assert.Equal(t, "team-a", e.TeamID)
		assert.Equal(t, models.TaskStatusFailed, e.TaskStatus)
	}
}

func TestTaskEventsActorsAndTimestamps(t *testing.T) {
	task := sampleTask()
	events := TaskEvents(task)

	assert.Equal(t, task.CreatedAt, events[0].Timestamp)
	assert.Equal(t, "http://alpha:5001", events[0].Actor)
	assert.Equal(t, "http://alpha:5001", events[1].Actor)

	// Missing timestamp falls back to updated_at; missing actor to the assignee.
	assert.Equal(t, task.UpdatedAt, events[2].Timestamp)
	assert.Equal(t, "http://alpha:5001", events[2].Actor)

	assert.Equal(t, "http://beta:5002", events[3].Actor)
	assert.Equal(t, "system", events[6].Actor)
	assert.Equal(t, "tsk-0", events[6].Details["parent_task_id"])
}

func TestExecutionResultDetails(t *testing.T) {
	events := TaskEvents(sampleTask())
	var result Event
	for _, e := range events {
		if e.EventType == models.EventExecutionResult {
			result = e
		}
	}
	require.NotNil(t, result.Details)
	assert.Equal(t, 1, result.Details["exit_code"])
	assert.Equal(t, true, result.Details["quality_gate_failed"])
	assert.Len(t, []rune(result.Details["output_preview"].(string)), 220)
}

func TestTaskEventsMinimal(t *testing.T) {
	events := TaskEvents(&models.Task{ID: "tsk-2", Status: models.TaskStatusTodo})
	require.Len(t, events, 1)
	assert.Equal(t, "system", events[0].Actor)
	assert.Nil(t, TaskEvents(nil))
}

func TestPreviewRunes(t *testing.T) {
	s := strings.Repeat("ü", 250)
	assert.Equal(t, strings.Repeat("ü", 220), Preview(s))
	assert.Equal(t, "short", Preview("short"))
}

func TestIsError(t *testing.T) {
	zero := 0
	two := 2
	tests := []struct {
		name  string
		event Event
		want  bool
	}{
		{"blocklisted type", Event{EventType: models.EventToolBlocked}, true},
		{"blocklisted type any case", Event{EventType: "Autopilot_Worker_Failed"}, true},
		{"blocked reasons", Event{EventType: "x", Details: map[string]any{"blocked_reasons": []string{"unknown_tool"}}}, true},
		{"empty blocked reasons", Event{EventType: "x", Details: map[string]any{"blocked_reasons": []string{}}}, false},
		{"non-zero exit", Event{EventType: "x", Details: map[string]any{"exit_code": 2}}, true},
		{"non-zero exit float", Event{EventType: "x", Details: map[string]any{"exit_code": 2.0}}, true},
		{"non-zero exit pointer", Event{EventType: "x", Details: map[string]any{"exit_code": &two}}, true},
		{"zero exit pointer", Event{EventType: "x", Details: map[string]any{"exit_code": &zero}}, false},
		{"zero exit", Event{EventType: "x", Details: map[string]any{"exit_code": 0}}, false},
		{"nil exit", Event{EventType: "x", Details: map[string]any{"exit_code": nil}}, false},
		{"failed substring", Event{EventType: "x", Details: map[string]any{"msg": "Build FAILED"}}, true},
		{"error substring", Event{EventType: "x", Details: map[string]any{"msg": "an Error happened"}}, true},
		{"nested failed value", Event{EventType: "x", Details: map[string]any{"steps": []any{map[string]any{"state": "failed"}}}}, true},
		{"gate failed flag", Event{EventType: models.EventExecutionResult, Details: map[string]any{"exit_code": 0, "quality_gate_failed": true}}, true},
		{"clean completion", Event{EventType: models.EventExecutionResult, Details: map[string]any{"exit_code": 0, "output_preview": "all good", "quality_gate_failed": false}}, false},
		{"error key with clean value", Event{EventType: "x", Details: map[string]any{"error_count": 0}}, false},
		{"clean", Event{EventType: models.EventTaskClaimed, Details: map[string]any{"holder": "alpha"}}, false},
		{"no details", Event{EventType: models.EventTaskCreated}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsError(tt.event))
		})
	}
}

func TestFilterErrors(t *testing.T) {
	events := TaskEvents(sampleTask())
	errs := Filter(events, IsError)
	require.NotEmpty(t, errs)
	for _, e := range errs {
		assert.True(t, IsError(e))
	}
	assert.Less(t, len(errs), len(events))
}
