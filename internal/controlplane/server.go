package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ananta888/ananta/internal/auth"
	"github.com/ananta888/ananta/internal/capability"
	"github.com/ananta888/ananta/internal/goalcache"
	"github.com/ananta888/ananta/internal/logging"
	"github.com/ananta888/ananta/internal/metrics"
	"github.com/ananta888/ananta/internal/models"
)

// Version is reported by the health endpoint.
var Version = "0.1.0"

const maxBodyBytes = 1 << 20

// ServerConfig configures the HTTP server. A nil Auth serves every caller
// as the local node.
type ServerConfig struct {
	Addr    string
	Auth    *auth.Authenticator
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server provides the HTTP API for Ananta.
type Server struct {
	service *Service
	auth    *auth.Authenticator
	metrics *metrics.Metrics
	logger  *slog.Logger
	addr    string
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, cfg ServerConfig) *Server {
	authn := cfg.Auth
	if authn == nil {
		authn = auth.NewAuthenticator(nil, service.LocalCaller())
	}
	s := &Server{
		service: service,
		auth:    authn,
		metrics: cfg.Metrics,
		logger:  logging.OrDiscard(cfg.Logger).With("component", "http"),
		addr:    cfg.Addr,
	}
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the routed handler with logging, metrics and caller
// resolution applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Task endpoints
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)

	// Orchestration and tools
	mux.HandleFunc("/orchestration/read-model", s.handleReadModel)
	mux.HandleFunc("/tools/capabilities", s.handleToolCapabilities)
	mux.HandleFunc("/tools/validate", s.handleToolValidate)

	// Goal cache and model pool
	mux.HandleFunc("/goal-cache/get", s.handleGoalCacheGet)
	mux.HandleFunc("/goal-cache/set", s.handleGoalCacheSet)
	mux.HandleFunc("/goal-cache/stats", s.handleGoalCacheStats)
	mux.HandleFunc("/model-pool/status", s.handleModelPoolStatus)

	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())

	return s.instrument(s.authenticate(mux))
}

// Start starts the HTTP server. It returns http.ErrServerClosed once
// Shutdown was called, including when Shutdown ran first.
func (s *Server) Start() error {
	s.logger.Info("starting ananta daemon", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// --- Middleware ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := routeLabel(r.URL.Path)
		s.metrics.IncHTTPRequest(r.Method, route, rec.status)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// authenticate resolves the caller for every route except health, metrics
// and subtask callbacks, which carry their own token.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" || strings.HasSuffix(r.URL.Path, "/subtask-callback") {
			next.ServeHTTP(w, r)
			return
		}
		caller, err := s.auth.Resolve(r)
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithCaller(r.Context(), caller)))
	})
}

// routeLabel collapses task ids so metrics labels stay bounded.
func routeLabel(path string) string {
	rest, ok := strings.CutPrefix(path, "/tasks/")
	if !ok {
		return path
	}
	if rest == "archived" || rest == "archive/sweep" {
		return path
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 1 {
		return "/tasks/{id}"
	}
	return "/tasks/{id}/" + parts[1]
}

func (s *Server) caller(r *http.Request) models.Caller {
	if c, ok := auth.CallerFrom(r.Context()); ok {
		return c
	}
	return s.service.LocalCaller()
}

func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

// --- Health ---

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	resp := HealthResponse{OK: true, DB: "ok", Version: Version, Time: time.Now().UTC().Format(time.RFC3339)}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.service.Store().Ping(ctx); err != nil {
		resp.OK = false
		resp.DB = "error: " + err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// --- Task Handlers ---

// handleTasks handles POST /tasks and GET /tasks
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createTask(w, r)
	case http.MethodGet:
		s.listTasks(w, r)
	default:
		methodNotAllowed(w)
	}
}

// handleTaskByID handles /tasks/{id}/*
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/tasks/"), "/")
	switch path {
	case "archived":
		s.listArchived(w, r)
		return
	case "archive/sweep":
		s.sweep(w, r)
		return
	}

	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	taskID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getTask(w, r, taskID)
	case action == "claim" && r.Method == http.MethodPost:
		s.claimTask(w, r, taskID)
	case action == "complete" && r.Method == http.MethodPost:
		s.completeTask(w, r, taskID)
	case action == "report" && r.Method == http.MethodPost:
		s.reportTask(w, r, taskID)
	case action == "delegate" && r.Method == http.MethodPost:
		s.delegateTask(w, r, taskID)
	case action == "followup" && r.Method == http.MethodPost:
		s.followupTask(w, r, taskID)
	case action == "subtask-callback" && r.Method == http.MethodPost:
		s.subtaskCallback(w, r, taskID)
	case action == "timeline" && r.Method == http.MethodGet:
		s.getTimeline(w, r, taskID)
	case action == "pdr" && r.Method == http.MethodGet:
		s.getPDR(w, r, taskID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = s.caller(r).Subject
	}

	task, err := s.service.Ingest(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	tasks, err := s.service.ListTasks(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := s.service.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) claimTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var req ClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.AgentURL == "" {
		req.AgentURL = s.caller(r).Subject
	}

	res, err := s.service.Claim(r.Context(), taskID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var req CompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Actor == "" {
		req.Actor = s.caller(r).Subject
	}

	res, err := s.service.Complete(r.Context(), taskID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type reportBody struct {
	Actor     string            `json:"actor"`
	Proposal  map[string]any    `json:"proposal"`
	ToolCalls []json.RawMessage `json:"tool_calls"`
	Output    string            `json:"output"`
	ExitCode  *int              `json:"exit_code"`
}

func (s *Server) reportTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var body reportBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	caller := s.caller(r)
	raw := body.ToolCalls
	if len(raw) == 0 && body.Proposal != nil {
		raw = rawToolCalls(body.Proposal["tool_calls"])
	}

	res, err := s.service.Report(r.Context(), taskID, caller, ReportRequest{
		Actor:     firstNonEmpty(body.Actor, caller.Subject),
		Proposal:  body.Proposal,
		ToolCalls: capability.ParseToolCalls(raw),
		Output:    body.Output,
		ExitCode:  body.ExitCode,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// rawToolCalls re-encodes a decoded tool_calls value so it can be parsed
// like a request field.
func rawToolCalls(v any) []json.RawMessage {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	return out
}

func (s *Server) delegateTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var req DelegateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	task, err := s.service.Delegate(r.Context(), taskID, s.caller(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) followupTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var req FollowupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = s.caller(r).Subject
	}

	task, err := s.service.Followup(r.Context(), taskID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) subtaskCallback(w http.ResponseWriter, r *http.Request, taskID string) {
	var cb SubtaskCallback
	if err := decodeJSON(r, &cb); err != nil {
		writeError(w, err)
		return
	}
	cb.Token = auth.BearerToken(r)
	if caller, err := s.auth.Resolve(r); err == nil {
		cb.Caller = &caller
	}

	task, err := s.service.RecordSubtaskCallback(r.Context(), taskID, cb)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) getTimeline(w http.ResponseWriter, r *http.Request, taskID string) {
	errorsOnly, _ := strconv.ParseBool(r.URL.Query().Get("errors_only"))
	events, err := s.service.Timeline(r.Context(), taskID, errorsOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "events": events})
}

func (s *Server) getPDR(w http.ResponseWriter, r *http.Request, taskID string) {
	entries, err := s.service.ListPDR(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.PDREntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) listArchived(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	archived, err := s.service.ListArchived(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, archived)
}

func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.caller(r).Admin {
		writeError(w, &models.PermissionError{Reason: models.ReasonAdminRequired})
		return
	}
	ids, err := s.service.Sweep(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"archived": ids, "count": len(ids)})
}

// --- Orchestration Handlers ---

func (s *Server) handleReadModel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rm, err := s.service.ReadModel(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rm)
}

func (s *Server) handleToolCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.service.DescribeTools(s.caller(r)))
}

type validateRequest struct {
	ToolCalls []json.RawMessage `json:"tool_calls"`
}

func (s *Server) handleToolValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req validateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.service.ValidateTools(s.caller(r), capability.ParseToolCalls(req.ToolCalls)))
}

// --- Goal Cache / Model Pool Handlers ---

type goalCacheRequest struct {
	Goal     string         `json:"goal"`
	Context  string         `json:"context"`
	Response map[string]any `json:"response"`
}

func (s *Server) handleGoalCacheGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req goalCacheRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, ok := s.service.GoalCache().Get(req.Goal, req.Context)
	writeJSON(w, http.StatusOK, map[string]any{"hit": ok, "response": resp})
}

func (s *Server) handleGoalCacheSet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req goalCacheRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Goal) == "" {
		writeError(w, models.NewValidationError("goal", "goal_required"))
		return
	}
	s.service.GoalCache().Set(req.Goal, req.Response, req.Context)
	writeJSON(w, http.StatusOK, map[string]any{"stored": true, "key": goalcache.Key(req.Goal, req.Context)})
}

func (s *Server) handleGoalCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.service.GoalCache().Stats())
}

func (s *Server) handleModelPoolStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.service.ModelPool().Status())
}
