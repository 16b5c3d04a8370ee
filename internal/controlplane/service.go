// Package controlplane provides the HTTP API and service layer for Ananta.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ananta888/ananta/internal/agentclient"
	"github.com/ananta888/ananta/internal/audit"
	"github.com/ananta888/ananta/internal/capability"
	"github.com/ananta888/ananta/internal/config"
	"github.com/ananta888/ananta/internal/connectors"
	"github.com/ananta888/ananta/internal/depgraph"
	"github.com/ananta888/ananta/internal/goalcache"
	"github.com/ananta888/ananta/internal/logging"
	"github.com/ananta888/ananta/internal/metrics"
	"github.com/ananta888/ananta/internal/modelpool"
	"github.com/ananta888/ananta/internal/models"
	"github.com/ananta888/ananta/internal/quality"
	"github.com/ananta888/ananta/internal/store"
	"github.com/ananta888/ananta/internal/timeline"
)

const (
	defaultPriority  = "medium"
	defaultSource    = "ui"
	defaultCreatedBy = "unknown"
	titleRunes       = 80
	notifyTimeout    = 15 * time.Second
)

// Config holds the service settings taken from the node configuration.
type Config struct {
	Role          string
	AgentName     string
	AgentURL      string
	Lease         config.LeaseConfig
	RetentionDays int
	RecentLimit   int
	Quality       quality.Policy
	Forward       bool
}

// ConfigFrom extracts the service settings from cfg.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Role:          cfg.Role,
		AgentName:     cfg.AgentName,
		AgentURL:      cfg.AgentURL,
		Lease:         cfg.Lease,
		RetentionDays: cfg.Retention.Days,
		RecentLimit:   cfg.ReadModel.RecentLimit,
		Quality:       cfg.QualityGates,
		Forward:       cfg.Delegation.Forward,
	}
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = logging.OrDiscard(l).With("component", "controlplane") }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithGateway sets the tool gateway.
func WithGateway(g *connectors.Gateway) Option {
	return func(s *Service) { s.gateway = g }
}

// WithGoalCache sets the goal cache.
func WithGoalCache(c *goalcache.Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithModelPool sets the model pool.
func WithModelPool(p *modelpool.Pool) Option {
	return func(s *Service) { s.pool = p }
}

// WithAgentClient sets the client used to reach worker agents.
func WithAgentClient(c *agentclient.Client) Option {
	return func(s *Service) { s.agents = c }
}

// Service provides the control plane business logic.
type Service struct {
	store   *store.Store
	pdr     *audit.PDRWriter
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	gateway *connectors.Gateway
	cache   *goalcache.Cache
	pool    *modelpool.Pool
	agents  *agentclient.Client

	notifies sync.WaitGroup
}

// NewService creates a new control plane service. Components not supplied
// through options get defaults.
func NewService(s *store.Store, cfg Config, opts ...Option) *Service {
	if cfg.Lease.MaxSeconds == 0 {
		cfg.Lease = config.LeaseConfig{DefaultSeconds: 120, MinSeconds: 10, MaxSeconds: 3600}
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 40
	}
	if cfg.Role == "" {
		cfg.Role = config.RoleHub
	}

	svc := &Service{
		store:  s,
		cfg:    cfg,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.pdr = audit.NewPDRWriter(s, svc.logger)
	if svc.gateway == nil {
		policy := capability.Policy{Allowlist: capability.ParseAllowlist(nil), Guardrails: capability.DefaultGuardrails()}
		svc.gateway = connectors.NewGateway(capability.NewRegistry(policy), nil, svc.logger, svc.metrics)
	}
	if svc.cache == nil {
		svc.cache = goalcache.New(goalcache.Config{}, goalcache.WithObserver(svc.metrics))
	}
	if svc.pool == nil {
		svc.pool = modelpool.New(svc.metrics)
	}
	if svc.agents == nil {
		svc.agents = agentclient.New(agentclient.DefaultConfig(), svc.logger)
	}
	return svc
}

// Store returns the underlying store.
func (s *Service) Store() *store.Store { return s.store }

// Gateway returns the tool gateway.
func (s *Service) Gateway() *connectors.Gateway { return s.gateway }

// GoalCache returns the goal cache.
func (s *Service) GoalCache() *goalcache.Cache { return s.cache }

// ModelPool returns the model pool.
func (s *Service) ModelPool() *modelpool.Pool { return s.pool }

// LocalCaller is the identity used for work this node performs itself.
func (s *Service) LocalCaller() models.Caller {
	return models.Caller{Subject: s.localAgent(), Role: s.cfg.Role, Admin: true}
}

func (s *Service) localAgent() string {
	if s.cfg.AgentURL != "" {
		return s.cfg.AgentURL
	}
	if s.cfg.AgentName != "" {
		return s.cfg.AgentName
	}
	return "local"
}

// Wait blocks until in-flight callback notifications finish.
func (s *Service) Wait() {
	s.notifies.Wait()
}

// --- Task Operations ---

// IngestRequest describes a new task.
type IngestRequest struct {
	ID            string   `json:"id,omitempty"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Source        string   `json:"source,omitempty"`
	CreatedBy     string   `json:"created_by,omitempty"`
	Priority      string   `json:"priority,omitempty"`
	DependsOn     []string `json:"depends_on,omitempty"`
	ParentTaskID  string   `json:"parent_task_id,omitempty"`
	TeamID        string   `json:"team_id,omitempty"`
	CallbackURL   string   `json:"callback_url,omitempty"`
	CallbackToken string   `json:"callback_token,omitempty"`
}

// Ingest validates and stores a new task in todo.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*models.Task, error) {
	task, err := s.newTask(ctx, req, "tsk-")
	if err != nil {
		return nil, err
	}
	actor := firstNonEmpty(strings.TrimSpace(req.CreatedBy), "system")
	task.History = append(task.History, models.HistoryEvent{
		EventType: models.EventTaskCreated,
		Timestamp: task.CreatedAt,
		Actor:     actor,
		Details: map[string]any{
			"source":         task.Source,
			"priority":       task.Priority,
			"depends_on":     task.DependsOn,
			"parent_task_id": task.ParentTaskID,
		},
	})
	if err := s.insert(ctx, task); err != nil {
		return nil, err
	}

	s.pdr.Record(ctx, "task.ingest", req, "success", task.ID, "")
	s.logger.Info("task ingested", "task_id", task.ID, "source", task.Source, "depends_on", len(task.DependsOn))
	return task, nil
}

// newTask validates req against the current graph and builds the task
// without storing it.
func (s *Service) newTask(ctx context.Context, req IngestRequest, idPrefix string) (*models.Task, error) {
	description := strings.TrimSpace(req.Description)
	if description == "" {
		return nil, models.NewValidationError("description", "description_required")
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = idPrefix + uuid.New().String()
	}
	parent := strings.TrimSpace(req.ParentTaskID)
	deps := depgraph.Normalize(req.DependsOn, id)

	graph, err := s.store.DependencyGraph(ctx)
	if err != nil {
		return nil, err
	}
	if _, exists := graph[id]; exists {
		return nil, models.NewValidationError("id", "task_exists")
	}
	if err := depgraph.Validate(id, depgraph.Effective(id, parent, deps), graph); err != nil {
		var missing *depgraph.MissingError
		if errors.As(err, &missing) {
			return nil, models.NewValidationError("depends_on", missing.Error())
		}
		if errors.Is(err, depgraph.ErrCycle) {
			return nil, models.NewValidationError("depends_on", depgraph.ErrCycle.Error())
		}
		return nil, err
	}

	now := s.store.Now()
	return &models.Task{
		ID:            id,
		Title:         firstNonEmpty(strings.TrimSpace(req.Title), truncateRunes(description, titleRunes)),
		Description:   description,
		Status:        models.TaskStatusTodo,
		Priority:      firstNonEmpty(strings.TrimSpace(req.Priority), defaultPriority),
		Source:        strings.ToLower(firstNonEmpty(strings.TrimSpace(req.Source), defaultSource)),
		CreatedBy:     firstNonEmpty(strings.TrimSpace(req.CreatedBy), defaultCreatedBy),
		CreatedAt:     now,
		UpdatedAt:     now,
		TeamID:        strings.TrimSpace(req.TeamID),
		ParentTaskID:  parent,
		DependsOn:     deps,
		CallbackURL:   strings.TrimSpace(req.CallbackURL),
		CallbackToken: req.CallbackToken,
	}, nil
}

func (s *Service) insert(ctx context.Context, task *models.Task) error {
	if err := s.store.CreateTask(ctx, task); err != nil {
		if errors.Is(err, store.ErrTaskExists) {
			return models.NewValidationError("id", "task_exists")
		}
		return err
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	return task, nil
}

// ListTasks returns tasks filtered by status. Status spellings are
// normalized.
func (s *Service) ListTasks(ctx context.Context, status string, limit int) ([]models.Task, error) {
	f := store.ListFilter{Limit: limit}
	if strings.TrimSpace(status) != "" {
		f.Status = models.NormalizeStatus(status)
	}
	tasks, err := s.store.ListTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	return tasks, nil
}

// ListClaimable returns tasks this node may pick up: todo tasks plus
// in-progress tasks whose lease has lapsed, unassigned or assigned to it,
// with every dependency completed. Oldest first.
func (s *Service) ListClaimable(ctx context.Context, limit int) ([]models.Task, error) {
	tasks, err := s.store.ListTasks(ctx, store.ListFilter{Status: models.TaskStatusTodo})
	if err != nil {
		return nil, err
	}
	running, err := s.store.ListTasks(ctx, store.ListFilter{Status: models.TaskStatusInProgress})
	if err != nil {
		return nil, err
	}
	now := s.store.Now()
	for _, t := range running {
		if !t.Lease.ActiveAt(now) {
			tasks = append(tasks, t)
		}
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })

	local := s.localAgent()
	var out []models.Task
	for _, t := range tasks {
		if t.AssignedAgentURL != "" && t.AssignedAgentURL != local {
			continue
		}
		unmet, err := s.store.UnmetDependencies(ctx, &t)
		if err != nil {
			return nil, err
		}
		if len(unmet) > 0 {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- Claim / Complete ---

// ClaimRequest asks for a lease on a task.
type ClaimRequest struct {
	AgentURL       string `json:"agent_url"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	LeaseSeconds   int    `json:"lease_seconds,omitempty"`
}

// Claim runs the claim protocol. Refusals are returned as results.
func (s *Service) Claim(ctx context.Context, taskID string, req ClaimRequest) (*models.ClaimResult, error) {
	holder := strings.TrimSpace(req.AgentURL)
	if holder == "" {
		return nil, models.NewValidationError("agent_url", "agent_url_required")
	}
	leaseSeconds := s.cfg.Lease.Clamp(req.LeaseSeconds)

	res, err := s.store.ClaimTask(ctx, store.ClaimParams{
		TaskID:         taskID,
		Holder:         holder,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		LeaseSeconds:   leaseSeconds,
	})
	if err != nil {
		return nil, err
	}

	outcome := "granted"
	switch {
	case res.Replayed:
		outcome = "replayed"
	case !res.Claimed:
		outcome = res.Reason
	}
	s.metrics.IncClaim(outcome)
	s.pdr.Record(ctx, "task.claim", map[string]any{
		"task_id":         taskID,
		"agent_url":       holder,
		"idempotency_key": req.IdempotencyKey,
		"lease_seconds":   leaseSeconds,
	}, outcome, taskID, res.Reason)
	s.logger.Debug("claim evaluated", "task_id", taskID, "agent_url", holder, "outcome", outcome)
	return res, nil
}

// CompleteRequest reports the final result of a task. When GateResults is
// nil the configured quality gate decides.
type CompleteRequest struct {
	Actor       string              `json:"actor"`
	GateResults *models.GateResults `json:"gate_results,omitempty"`
	Output      string              `json:"output"`
	ExitCode    *int                `json:"exit_code,omitempty"`
	TraceID     string              `json:"trace_id,omitempty"`
}

// Complete finishes an in-progress task held by req.Actor.
func (s *Service) Complete(ctx context.Context, taskID string, req CompleteRequest) (*models.CompleteResult, error) {
	actor := strings.TrimSpace(req.Actor)
	var gate models.GateResults

	task, err := s.store.UpdateTask(ctx, taskID, func(t *models.Task) error {
		if t.Status != models.TaskStatusInProgress {
			return fmt.Errorf("task %s is %s: %w", t.ID, t.Status, models.ErrInvalidTransition)
		}
		if t.Lease == nil || t.Lease.Holder != actor {
			return fmt.Errorf("task %s: %w", t.ID, models.ErrLeaseMismatch)
		}

		if req.GateResults != nil {
			gate = *req.GateResults
		} else {
			gate = quality.Evaluate(t, req.Output, req.ExitCode, s.cfg.Quality)
		}

		now := s.store.Now()
		output := req.Output
		if gate.Passed {
			t.Status = models.TaskStatusCompleted
		} else {
			t.Status = models.TaskStatusFailed
			t.FailCount++
			if !strings.Contains(output, timeline.QualityGateMarker) {
				if output != "" && !strings.HasSuffix(output, "\n") {
					output += "\n"
				}
				output += timeline.QualityGateMarker + " " + gate.Reason
			}
		}
		t.CompletedAt = &now
		t.LastOutput = output
		t.LastExitCode = req.ExitCode
		t.TraceID = firstNonEmpty(req.TraceID, t.TraceID)
		t.Lease = nil

		var exitCode any
		if req.ExitCode != nil {
			exitCode = *req.ExitCode
		}
		t.History = append(t.History, models.HistoryEvent{
			EventType: models.EventExecutionResult,
			Timestamp: now,
			Actor:     actor,
			Details: map[string]any{
				"exit_code":           exitCode,
				"gate_passed":         gate.Passed,
				"gate_reason":         gate.Reason,
				"checks":              gate.Checks,
				"quality_gate_failed": !gate.Passed,
				"output_preview":      timeline.Preview(output),
				"trace_id":            t.TraceID,
			},
		})
		if !gate.Passed {
			t.History = append(t.History, models.HistoryEvent{
				EventType: models.EventQualityGateFailed,
				Timestamp: now,
				Actor:     actor,
				Details:   map[string]any{"reason": gate.Reason},
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &models.CompleteResult{TaskID: task.ID, Status: task.Status, Gate: gate}
	if task.Status == models.TaskStatusCompleted {
		result.Unblocked, err = s.unblocked(ctx, task.ID)
		if err != nil {
			s.logger.Warn("dependents lookup failed", "task_id", task.ID, "error", err)
		}
	}

	s.metrics.IncCompletion(string(task.Status))
	s.pdr.Record(ctx, "task.complete", map[string]any{
		"task_id":   task.ID,
		"actor":     actor,
		"exit_code": req.ExitCode,
	}, string(task.Status), task.ID, gate.Reason)
	s.logger.Info("task completed", "task_id", task.ID, "status", task.Status, "gate_reason", gate.Reason)

	if task.CallbackURL != "" {
		s.notifyCallback(task)
	}
	return result, nil
}

// unblocked returns the todo dependents of id whose dependencies are now
// all completed.
func (s *Service) unblocked(ctx context.Context, id string) ([]string, error) {
	dependents, err := s.store.ListDependents(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, d := range dependents {
		if d.Status != models.TaskStatusTodo {
			continue
		}
		unmet, err := s.store.UnmetDependencies(ctx, &d)
		if err != nil {
			return nil, err
		}
		if len(unmet) == 0 {
			out = append(out, d.ID)
		}
	}
	return out, nil
}

// ReportRequest carries interim results from the lease holder.
type ReportRequest struct {
	Actor     string                `json:"actor"`
	Proposal  map[string]any        `json:"proposal,omitempty"`
	ToolCalls []capability.ToolCall `json:"-"`
	Output    string                `json:"output,omitempty"`
	ExitCode  *int                  `json:"exit_code,omitempty"`
}

// ReportResult is the stored task plus the gateway verdict on any proposed
// tool calls.
type ReportResult struct {
	Task  *models.Task        `json:"task"`
	Tools *connectors.Outcome `json:"tools,omitempty"`
}

// Report records a proposal or interim output. Proposed tool calls are
// checked for caller; blocked calls are recorded on the task.
func (s *Service) Report(ctx context.Context, taskID string, caller models.Caller, req ReportRequest) (*ReportResult, error) {
	actor := strings.TrimSpace(req.Actor)
	var outcome *connectors.Outcome
	if len(req.ToolCalls) > 0 {
		outcome = s.gateway.Check(caller, req.ToolCalls)
	}

	task, err := s.store.UpdateTask(ctx, taskID, func(t *models.Task) error {
		if t.Status != models.TaskStatusInProgress {
			return fmt.Errorf("task %s is %s: %w", t.ID, t.Status, models.ErrInvalidTransition)
		}
		if t.Lease == nil || t.Lease.Holder != actor {
			return fmt.Errorf("task %s: %w", t.ID, models.ErrLeaseMismatch)
		}

		now := s.store.Now()
		proposal := req.Proposal
		if proposal == nil && len(req.ToolCalls) > 0 {
			proposal = map[string]any{}
		}
		if proposal != nil && len(req.ToolCalls) > 0 {
			proposal["tool_calls"] = req.ToolCalls
		}
		eventType := models.EventExecutionReported
		if proposal != nil {
			t.LastProposal = proposal
			eventType = models.EventProposalRecorded
		}
		if req.Output != "" {
			t.LastOutput = req.Output
		}
		if req.ExitCode != nil {
			t.LastExitCode = req.ExitCode
		}

		details := map[string]any{"output_preview": timeline.Preview(req.Output)}
		if req.ExitCode != nil {
			details["exit_code"] = *req.ExitCode
		}
		if outcome != nil {
			details["tool_calls"] = len(req.ToolCalls)
		}
		t.History = append(t.History, models.HistoryEvent{
			EventType: eventType,
			Timestamp: now,
			Actor:     actor,
			Details:   details,
		})

		if outcome != nil && !outcome.Allowed {
			t.History = append(t.History, models.HistoryEvent{
				EventType: models.EventToolBlocked,
				Timestamp: now,
				Actor:     actor,
				Details: map[string]any{
					"blocked_tools":   outcome.Blocked,
					"blocked_reasons": outcome.BlockedReasons,
					"reasons":         outcome.Reasons,
				},
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if outcome != nil && !outcome.Allowed {
		for _, r := range outcome.BlockedReasons {
			s.metrics.IncToolBlocked(r)
		}
		s.pdr.Record(ctx, "tools.block", req.ToolCalls, "blocked", task.ID, strings.Join(outcome.BlockedReasons, ","))
		s.logger.Warn("proposed tool calls blocked", "task_id", task.ID, "blocked", outcome.Blocked)
	}
	return &ReportResult{Task: task, Tools: outcome}, nil
}

// --- Read Side ---

// ReadModel aggregates the live task set for dashboards.
func (s *Service) ReadModel(ctx context.Context) (*models.ReadModel, error) {
	tasks, err := s.store.ListTasks(ctx, store.ListFilter{})
	if err != nil {
		return nil, err
	}
	now := s.store.Now()

	rm := &models.ReadModel{
		Queue: map[models.TaskStatus]int{
			models.TaskStatusTodo:       0,
			models.TaskStatusInProgress: 0,
			models.TaskStatusCompleted:  0,
			models.TaskStatusFailed:     0,
		},
		BySource:    map[string]int{},
		ByAgent:     map[string]int{},
		RecentTasks: []models.TaskSummary{},
		GeneratedAt: now,
	}
	for _, t := range tasks {
		if _, ok := rm.Queue[t.Status]; ok {
			rm.Queue[t.Status]++
		}
		rm.BySource[firstNonEmpty(t.Source, "unknown")]++
		if t.Lease.ActiveAt(now) {
			rm.ActiveLeases++
			rm.ByAgent[t.Lease.Holder]++
		}
	}
	// ListTasks orders by updated_at descending.
	for i := 0; i < len(tasks) && i < s.cfg.RecentLimit; i++ {
		t := tasks[i]
		rm.RecentTasks = append(rm.RecentTasks, models.TaskSummary{
			ID:        t.ID,
			Title:     t.Title,
			Status:    t.Status,
			Source:    t.Source,
			UpdatedAt: t.UpdatedAt,
		})
	}
	return rm, nil
}

// Timeline returns the event projection for a task.
func (s *Service) Timeline(ctx context.Context, id string, errorsOnly bool) ([]timeline.Event, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	events := timeline.TaskEvents(task)
	if errorsOnly {
		events = timeline.Filter(events, timeline.IsError)
	}
	return events, nil
}

// --- Archival ---

// Sweep archives terminal tasks older than the retention window.
func (s *Service) Sweep(ctx context.Context) ([]string, error) {
	if s.cfg.RetentionDays <= 0 {
		return []string{}, nil
	}
	cutoff := s.store.Now().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
	ids, err := s.store.ArchiveTerminal(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		s.metrics.AddArchived(len(ids))
		s.pdr.Record(ctx, "task.archive", map[string]any{"cutoff": cutoff}, "success", "", strings.Join(ids, ","))
		s.logger.Info("archived terminal tasks", "count", len(ids), "cutoff", cutoff)
	}
	return ids, nil
}

// ListArchived returns archived tasks, newest first.
func (s *Service) ListArchived(ctx context.Context, limit int) ([]store.ArchivedTask, error) {
	out, err := s.store.ListArchived(ctx, limit)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []store.ArchivedTask{}
	}
	return out, nil
}

// ListPDR returns decision records for a task.
func (s *Service) ListPDR(ctx context.Context, taskID string) ([]models.PDREntry, error) {
	return s.store.ListPDR(ctx, taskID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
