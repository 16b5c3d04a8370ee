package controlplane

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/ananta888/ananta/internal/config"
	"github.com/ananta888/ananta/internal/goalcache"
	"github.com/ananta888/ananta/internal/models"
	"github.com/ananta888/ananta/internal/store"
	"github.com/ananta888/ananta/internal/timeline"
)

const delegationPolicy = "hub_central_queue"

// DelegateRequest hands part of a task to a worker agent.
type DelegateRequest struct {
	AgentURL           string `json:"agent_url"`
	AgentToken         string `json:"agent_token,omitempty"`
	SubtaskDescription string `json:"subtask_description"`
	Title              string `json:"title,omitempty"`
	Priority           string `json:"priority,omitempty"`
	CallbackURL        string `json:"callback_url,omitempty"`
	CallbackToken      string `json:"callback_token,omitempty"`
}

// Delegate creates a subtask of taskID assigned to req.AgentURL. Only hub
// callers may delegate. With forwarding enabled the subtask is sent to the
// agent first and a failed send aborts the delegation.
func (s *Service) Delegate(ctx context.Context, taskID string, caller models.Caller, req DelegateRequest) (*models.Task, error) {
	if caller.Role != config.RoleHub {
		return nil, &models.PermissionError{Reason: models.ReasonHubRoleRequired}
	}
	agentURL := strings.TrimRight(strings.TrimSpace(req.AgentURL), "/")
	if agentURL == "" {
		return nil, models.NewValidationError("agent_url", "agent_url_required")
	}
	if strings.TrimSpace(req.SubtaskDescription) == "" {
		return nil, models.NewValidationError("subtask_description", "description_required")
	}
	parent, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	callbackURL := strings.TrimSpace(req.CallbackURL)
	if callbackURL == "" {
		callbackURL = strings.TrimRight(firstNonEmpty(s.cfg.AgentURL, agentURL), "/") + "/tasks/" + parent.ID + "/subtask-callback"
	}
	child, err := s.newTask(ctx, IngestRequest{
		Title:         req.Title,
		Description:   req.SubtaskDescription,
		Source:        "agent",
		CreatedBy:     firstNonEmpty(s.cfg.AgentName, "hub"),
		Priority:      firstNonEmpty(req.Priority, parent.Priority),
		ParentTaskID:  parent.ID,
		TeamID:        parent.TeamID,
		CallbackURL:   callbackURL,
		CallbackToken: firstNonEmpty(req.CallbackToken, req.AgentToken),
	}, "sub-")
	if err != nil {
		return nil, err
	}
	child.AssignedAgentURL = agentURL

	if s.cfg.Forward {
		payload := map[string]any{
			"id":             child.ID,
			"title":          child.Title,
			"description":    child.Description,
			"priority":       child.Priority,
			"parent_task_id": child.ParentTaskID,
			"team_id":        child.TeamID,
			"source":         child.Source,
			"created_by":     child.CreatedBy,
			"callback_url":   child.CallbackURL,
			"callback_token": child.CallbackToken,
		}
		if _, err := s.agents.ForwardTask(ctx, agentURL, req.AgentToken, payload); err != nil {
			s.pdr.Record(ctx, "task.delegate", req, "failed", parent.ID, err.Error())
			s.logger.Warn("delegation forward failed", "task_id", parent.ID, "agent_url", agentURL, "error", err)
			return nil, fmt.Errorf("%w: %v", ErrDelegationFailed, err)
		}
	}

	now := s.store.Now()
	child.History = append(child.History, models.HistoryEvent{
		EventType: models.EventTaskHandoff,
		Timestamp: now,
		Actor:     "hub",
		Details: map[string]any{
			"parent_task_id": parent.ID,
			"delegated_to":   agentURL,
			"reason":         "delegation",
		},
	})
	if err := s.insert(ctx, child); err != nil {
		return nil, err
	}

	if _, err := s.store.UpdateTask(ctx, parent.ID, func(t *models.Task) error {
		t.History = append(t.History, models.HistoryEvent{
			EventType: models.EventTaskDelegated,
			Timestamp: now,
			Actor:     "hub",
			Details: map[string]any{
				"delegated_to": agentURL,
				"subtask_id":   child.ID,
				"policy":       delegationPolicy,
			},
		})
		return nil
	}); err != nil {
		return nil, err
	}

	s.pdr.Record(ctx, "task.delegate", req, "success", parent.ID, child.ID)
	s.logger.Info("task delegated", "task_id", parent.ID, "subtask_id", child.ID, "agent_url", agentURL)
	return child, nil
}

// FollowupRequest describes a task re-ingested under a finished parent.
type FollowupRequest struct {
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description"`
	Priority    string   `json:"priority,omitempty"`
	CreatedBy   string   `json:"created_by,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// Followup ingests a new child of a completed or failed task. The parent
// is never reopened.
func (s *Service) Followup(ctx context.Context, taskID string, req FollowupRequest) (*models.Task, error) {
	parent, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if parent.Status != models.TaskStatusCompleted && parent.Status != models.TaskStatusFailed {
		return nil, models.NewValidationError("status", "parent_not_finished")
	}

	norm := goalcache.Normalize(req.Description)
	siblings, err := s.store.ListTasks(ctx, store.ListFilter{ParentID: parent.ID})
	if err != nil {
		return nil, err
	}
	for _, sib := range siblings {
		if norm != "" && goalcache.Normalize(sib.Description) == norm {
			return nil, models.NewValidationError("description", "followup_exists")
		}
	}

	child, err := s.Ingest(ctx, IngestRequest{
		Title:        req.Title,
		Description:  req.Description,
		Source:       "followup",
		CreatedBy:    req.CreatedBy,
		Priority:     firstNonEmpty(req.Priority, parent.Priority),
		DependsOn:    req.DependsOn,
		ParentTaskID: parent.ID,
		TeamID:       parent.TeamID,
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.store.UpdateTask(ctx, parent.ID, func(t *models.Task) error {
		t.History = append(t.History, models.HistoryEvent{
			EventType: models.EventFollowupCreated,
			Timestamp: s.store.Now(),
			Actor:     firstNonEmpty(req.CreatedBy, "system"),
			Details:   map[string]any{"followup_task_id": child.ID},
		})
		return nil
	}); err != nil {
		return nil, err
	}
	return child, nil
}

// SubtaskCallback is what a worker agent posts back when a delegated
// subtask finishes.
type SubtaskCallback struct {
	SubtaskID     string `json:"subtask_id"`
	Status        string `json:"status"`
	ExitCode      *int   `json:"exit_code,omitempty"`
	OutputPreview string `json:"output_preview,omitempty"`

	// Token is the bearer token the callback arrived with.
	Token string `json:"-"`
	// Caller is set when the request also authenticated as a node caller.
	Caller *models.Caller `json:"-"`
}

// RecordSubtaskCallback appends the callback to the parent task. The
// subtask must be a known child of parentID. When it carries a callback
// token, cb.Token must match; otherwise cb.Caller must be set.
func (s *Service) RecordSubtaskCallback(ctx context.Context, parentID string, cb SubtaskCallback) (*models.Task, error) {
	if strings.TrimSpace(cb.SubtaskID) == "" {
		return nil, models.NewValidationError("subtask_id", "subtask_id_required")
	}
	child, err := s.store.GetTask(ctx, cb.SubtaskID)
	if err != nil {
		return nil, err
	}
	if child == nil {
		return nil, models.NewValidationError("subtask_id", "unknown_subtask")
	}
	if child.ParentTaskID != parentID {
		return nil, models.NewValidationError("subtask_id", "not_a_subtask")
	}
	switch {
	case child.CallbackToken != "":
		if subtle.ConstantTimeCompare([]byte(child.CallbackToken), []byte(cb.Token)) != 1 {
			return nil, &models.PermissionError{Reason: "invalid_callback_token"}
		}
	case cb.Caller == nil:
		return nil, &models.PermissionError{Reason: "callback_token_required"}
	}
	actor := firstNonEmpty(child.AssignedAgentURL, "agent")
	if child.CallbackToken == "" {
		actor = firstNonEmpty(cb.Caller.Subject, actor)
	}

	details := map[string]any{
		"subtask_id":     cb.SubtaskID,
		"status":         string(models.NormalizeStatus(cb.Status)),
		"output_preview": timeline.Preview(cb.OutputPreview),
	}
	if cb.ExitCode != nil {
		details["exit_code"] = *cb.ExitCode
	}
	return s.store.UpdateTask(ctx, parentID, func(t *models.Task) error {
		t.History = append(t.History, models.HistoryEvent{
			EventType: models.EventSubtaskCallback,
			Timestamp: s.store.Now(),
			Actor:     actor,
			Details:   details,
		})
		return nil
	})
}

// notifyCallback posts the final state of task to its callback URL in the
// background.
func (s *Service) notifyCallback(task *models.Task) {
	payload := SubtaskCallback{
		SubtaskID:     task.ID,
		Status:        string(task.Status),
		ExitCode:      task.LastExitCode,
		OutputPreview: timeline.Preview(task.LastOutput),
	}
	url, token := task.CallbackURL, task.CallbackToken

	s.notifies.Add(1)
	go func() {
		defer s.notifies.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := s.agents.Notify(ctx, url, token, payload); err != nil {
			s.logger.Warn("subtask callback failed", "task_id", payload.SubtaskID, "callback_url", url, "error", err)
			return
		}
		s.logger.Debug("subtask callback sent", "task_id", payload.SubtaskID)
	}()
}
