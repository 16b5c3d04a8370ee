// Package store provides SQLite-backed persistence for Ananta.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ananta888/ananta/internal/depgraph"
	"github.com/ananta888/ananta/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrTaskExists is returned when inserting a task whose id is taken.
var ErrTaskExists = errors.New("task already exists")

// errVersionConflict signals a lost compare-and-swap on the task row.
var errVersionConflict = errors.New("task modified concurrently")

// maxCASAttempts bounds optimistic retries of a task write.
const maxCASAttempts = 8

// Store provides access to the Ananta SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for leases and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new Store and runs migrations.
func New(dbPath string, opts ...Option) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Now returns the store clock reading.
func (s *Store) Now() time.Time {
	return s.now()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'todo',
		priority TEXT NOT NULL DEFAULT 'medium',
		source TEXT NOT NULL DEFAULT 'ui',
		created_by TEXT NOT NULL DEFAULT 'unknown',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME,
		team_id TEXT NOT NULL DEFAULT '',
		assigned_agent_url TEXT NOT NULL DEFAULT '',
		parent_task_id TEXT NOT NULL DEFAULT '',
		depends_on TEXT NOT NULL DEFAULT '[]',
		history TEXT NOT NULL DEFAULT '[]',
		last_proposal TEXT NOT NULL DEFAULT '',
		last_output TEXT NOT NULL DEFAULT '',
		last_exit_code INTEGER,
		fail_count INTEGER NOT NULL DEFAULT 0,
		lease_holder TEXT NOT NULL DEFAULT '',
		lease_expires_at DATETIME,
		lease_idempotency_key TEXT NOT NULL DEFAULT '',
		callback_url TEXT NOT NULL DEFAULT '',
		callback_token TEXT NOT NULL DEFAULT '',
		trace_id TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS claim_keys (
		task_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		holder TEXT NOT NULL,
		expires_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (task_id, idempotency_key)
	);

	CREATE TABLE IF NOT EXISTS archived_tasks (
		id TEXT PRIMARY KEY,
		final_status TEXT NOT NULL,
		archived_at DATETIME NOT NULL,
		payload TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		task_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at);
	CREATE INDEX IF NOT EXISTS idx_pdr_task_id ON pdr(task_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Task Operations ---

const taskColumns = `id, title, description, status, priority, source, created_by, created_at, updated_at,
	completed_at, team_id, assigned_agent_url, parent_task_id, depends_on, history, last_proposal,
	last_output, last_exit_code, fail_count, lease_holder, lease_expires_at, lease_idempotency_key,
	callback_url, callback_token, trace_id, version`

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanTask(r rowScanner) (*models.Task, error) {
	var (
		t                         models.Task
		completedAt, leaseExpires sql.NullTime
		exitCode                  sql.NullInt64
		dependsOn, history        string
		proposal                  string
		leaseHolder, leaseKey     string
	)
	err := r.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.Source, &t.CreatedBy,
		&t.CreatedAt, &t.UpdatedAt, &completedAt, &t.TeamID, &t.AssignedAgentURL, &t.ParentTaskID,
		&dependsOn, &history, &proposal, &t.LastOutput, &exitCode, &t.FailCount, &leaseHolder,
		&leaseExpires, &leaseKey, &t.CallbackURL, &t.CallbackToken, &t.TraceID, &t.Version)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		t.LastExitCode = &code
	}
	if leaseHolder != "" && leaseExpires.Valid {
		t.Lease = &models.Lease{Holder: leaseHolder, ExpiresAt: leaseExpires.Time, IdempotencyKey: leaseKey}
	}
	if err := json.Unmarshal([]byte(dependsOn), &t.DependsOn); err != nil {
		return nil, fmt.Errorf("decode depends_on: %w", err)
	}
	if err := json.Unmarshal([]byte(history), &t.History); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if proposal != "" {
		if err := json.Unmarshal([]byte(proposal), &t.LastProposal); err != nil {
			return nil, fmt.Errorf("decode last_proposal: %w", err)
		}
	}
	if t.DependsOn == nil {
		t.DependsOn = []string{}
	}
	return &t, nil
}

// taskArgs encodes the mutable columns of a task, in taskColumns order
// after id.
func taskArgs(t *models.Task) ([]any, error) {
	deps := t.DependsOn
	if deps == nil {
		deps = []string{}
	}
	dependsOn, err := json.Marshal(deps)
	if err != nil {
		return nil, fmt.Errorf("encode depends_on: %w", err)
	}
	hist := t.History
	if hist == nil {
		hist = []models.HistoryEvent{}
	}
	history, err := json.Marshal(hist)
	if err != nil {
		return nil, fmt.Errorf("encode history: %w", err)
	}
	var proposal []byte
	if t.LastProposal != nil {
		if proposal, err = json.Marshal(t.LastProposal); err != nil {
			return nil, fmt.Errorf("encode last_proposal: %w", err)
		}
	}

	var completedAt, leaseExpires sql.NullTime
	if t.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *t.CompletedAt, Valid: true}
	}
	var exitCode sql.NullInt64
	if t.LastExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*t.LastExitCode), Valid: true}
	}
	var leaseHolder, leaseKey string
	if t.Lease != nil {
		leaseHolder = t.Lease.Holder
		leaseKey = t.Lease.IdempotencyKey
		leaseExpires = sql.NullTime{Time: t.Lease.ExpiresAt, Valid: true}
	}

	return []any{t.Title, t.Description, t.Status, t.Priority, t.Source, t.CreatedBy, t.CreatedAt,
		t.UpdatedAt, completedAt, t.TeamID, t.AssignedAgentURL, t.ParentTaskID, string(dependsOn),
		string(history), string(proposal), t.LastOutput, exitCode, t.FailCount, leaseHolder,
		leaseExpires, leaseKey, t.CallbackURL, t.CallbackToken, t.TraceID}, nil
}

// CreateTask inserts a new task. The task must carry an id.
func (s *Store) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		return fmt.Errorf("insert task: empty id")
	}
	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	args = append([]any{task.ID}, args...)
	args = append(args, task.Version)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrTaskExists
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID. It returns nil, nil when the task does
// not exist.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return getTask(ctx, s.db, id)
}

func getTask(ctx context.Context, q queryer, id string) (*models.Task, error) {
	task, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// ListFilter narrows ListTasks.
type ListFilter struct {
	Status   models.TaskStatus
	ParentID string
	Limit    int
}

// ListTasks returns tasks ordered by most recent update first.
func (s *Store) ListTasks(ctx context.Context, f ListFilter) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, f.Status)
	}
	if f.ParentID != "" {
		where = append(where, `parent_task_id = ?`)
		args = append(args, f.ParentID)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY updated_at DESC, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// ListDependents returns the live tasks whose depends_on contains id.
func (s *Store) ListDependents(ctx context.Context, id string) ([]models.Task, error) {
	needle, _ := json.Marshal(id)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE depends_on LIKE ? ORDER BY created_at`,
		"%"+string(needle)+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("query dependents: %w", err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		for _, d := range task.DependsOn {
			if d == id {
				out = append(out, *task)
				break
			}
		}
	}
	return out, rows.Err()
}

// DependencyGraph maps every known task id, live or archived, to its
// effective dependencies.
func (s *Store) DependencyGraph(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, parent_task_id, depends_on FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("query dependency graph: %w", err)
	}
	defer rows.Close()

	graph := make(map[string][]string)
	for rows.Next() {
		var id, parent, raw string
		if err := rows.Scan(&id, &parent, &raw); err != nil {
			return nil, fmt.Errorf("scan dependency row: %w", err)
		}
		var deps []string
		if err := json.Unmarshal([]byte(raw), &deps); err != nil {
			return nil, fmt.Errorf("decode depends_on for %s: %w", id, err)
		}
		graph[id] = depgraph.Effective(id, parent, deps)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	archived, err := s.db.QueryContext(ctx, `SELECT id FROM archived_tasks`)
	if err != nil {
		return nil, fmt.Errorf("query archived ids: %w", err)
	}
	defer archived.Close()
	for archived.Next() {
		var id string
		if err := archived.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan archived id: %w", err)
		}
		if _, ok := graph[id]; !ok {
			graph[id] = nil
		}
	}
	return graph, archived.Err()
}

// dependencyStatuses resolves the status of each id. Archived tasks report
// their final status; unknown ids are absent from the map.
func dependencyStatuses(ctx context.Context, q queryer, ids []string) (map[string]models.TaskStatus, error) {
	out := make(map[string]models.TaskStatus, len(ids))
	for _, id := range ids {
		var st string
		err := q.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&st)
		if err == nil {
			out[id] = models.TaskStatus(st)
			continue
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("query dependency %s: %w", id, err)
		}
		err = q.QueryRowContext(ctx, `SELECT final_status FROM archived_tasks WHERE id = ?`, id).Scan(&st)
		if err == nil {
			out[id] = models.TaskStatus(st)
			continue
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("query archived dependency %s: %w", id, err)
		}
	}
	return out, nil
}

// UnmetDependencies returns the dependencies of task that are not completed.
func (s *Store) UnmetDependencies(ctx context.Context, task *models.Task) ([]string, error) {
	statuses, err := dependencyStatuses(ctx, s.db, task.DependsOn)
	if err != nil {
		return nil, err
	}
	return unmet(task.DependsOn, statuses), nil
}

func unmet(deps []string, statuses map[string]models.TaskStatus) []string {
	var out []string
	for _, d := range deps {
		if statuses[d] != models.TaskStatusCompleted {
			out = append(out, d)
		}
	}
	return out
}

// UpdateTask applies fn to the current task inside a transaction and
// persists the result with a version compare-and-swap. fn may return an
// error to abort without writing. Lost races are retried.
func (s *Store) UpdateTask(ctx context.Context, id string, fn func(task *models.Task) error) (*models.Task, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		task, err := s.tryUpdate(ctx, id, fn)
		if errors.Is(err, errVersionConflict) {
			continue
		}
		return task, err
	}
	return nil, fmt.Errorf("update task %s: %w", id, errVersionConflict)
}

func (s *Store) tryUpdate(ctx context.Context, id string, fn func(task *models.Task) error) (*models.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	task, err := getTask(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}

	expected := task.Version
	if err := fn(task); err != nil {
		return nil, err
	}
	task.UpdatedAt = s.now()
	if err := writeTask(ctx, tx, task, expected); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return task, nil
}

// writeTask persists task if its stored version still equals expected.
func writeTask(ctx context.Context, tx *sql.Tx, task *models.Task, expected int64) error {
	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	args = append(args, task.ID, expected)

	result, err := tx.ExecContext(ctx,
		`UPDATE tasks SET title = ?, description = ?, status = ?, priority = ?, source = ?, created_by = ?,
			created_at = ?, updated_at = ?, completed_at = ?, team_id = ?, assigned_agent_url = ?,
			parent_task_id = ?, depends_on = ?, history = ?, last_proposal = ?, last_output = ?,
			last_exit_code = ?, fail_count = ?, lease_holder = ?, lease_expires_at = ?,
			lease_idempotency_key = ?, callback_url = ?, callback_token = ?, trace_id = ?,
			version = version + 1
		 WHERE id = ? AND version = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return errVersionConflict
	}
	task.Version = expected + 1
	return nil
}

// --- Claim Operations ---

// ClaimParams describes a claim request. LeaseSeconds must already be
// clamped by the caller.
type ClaimParams struct {
	TaskID         string
	Holder         string
	IdempotencyKey string
	LeaseSeconds   int
}

// ClaimTask runs the claim protocol for one task in a single transaction.
// Policy refusals are reported in the result; only unknown tasks and
// storage failures are errors.
func (s *Store) ClaimTask(ctx context.Context, p ClaimParams) (*models.ClaimResult, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		res, err := s.tryClaim(ctx, p)
		if errors.Is(err, errVersionConflict) {
			continue
		}
		return res, err
	}
	return nil, fmt.Errorf("claim task %s: %w", p.TaskID, errVersionConflict)
}

func (s *Store) tryClaim(ctx context.Context, p ClaimParams) (*models.ClaimResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	task, err := getTask(ctx, tx, p.TaskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %s: %w", p.TaskID, models.ErrNotFound)
	}
	refuse := func(reason string) *models.ClaimResult {
		return &models.ClaimResult{TaskID: task.ID, Claimed: false, Reason: reason}
	}

	statuses, err := dependencyStatuses(ctx, tx, task.DependsOn)
	if err != nil {
		return nil, err
	}
	if missing := unmet(task.DependsOn, statuses); len(missing) > 0 {
		res := refuse(models.ReasonUnmetDependencies)
		res.Unmet = missing
		return res, nil
	}

	if task.Lease.ActiveAt(now) && task.Lease.Holder != p.Holder {
		res := refuse(models.ReasonLeaseHeld)
		res.Holder = task.Lease.Holder
		expires := task.Lease.ExpiresAt
		res.ExpiresAt = &expires
		return res, nil
	}

	if task.Status.IsTerminal() {
		return refuse(models.ReasonNotClaimable), nil
	}

	expiresAt := now.Add(time.Duration(p.LeaseSeconds) * time.Second)

	if p.IdempotencyKey != "" {
		var holder string
		var keyExpires time.Time
		err := tx.QueryRowContext(ctx,
			`SELECT holder, expires_at FROM claim_keys WHERE task_id = ? AND idempotency_key = ?`,
			task.ID, p.IdempotencyKey,
		).Scan(&holder, &keyExpires)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("query claim key: %w", err)
		}
		if err == nil {
			res := &models.ClaimResult{TaskID: task.ID, Claimed: true, Holder: holder, Replayed: true}
			sameHolderLive := holder == p.Holder && task.Lease.ActiveAt(now) && task.Lease.Holder == holder
			if !sameHolderLive {
				res.ExpiresAt = &keyExpires
				return res, nil
			}
			expected := task.Version
			task.Lease.ExpiresAt = expiresAt
			task.UpdatedAt = now
			if err := writeTask(ctx, tx, task, expected); err != nil {
				return nil, err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE claim_keys SET expires_at = ? WHERE task_id = ? AND idempotency_key = ?`,
				expiresAt, task.ID, p.IdempotencyKey,
			); err != nil {
				return nil, fmt.Errorf("refresh claim key: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("commit transaction: %w", err)
			}
			res.ExpiresAt = &expiresAt
			return res, nil
		}
	}

	expected := task.Version
	previous := task.Status
	task.Status = models.TaskStatusInProgress
	task.AssignedAgentURL = p.Holder
	task.Lease = &models.Lease{Holder: p.Holder, ExpiresAt: expiresAt, IdempotencyKey: p.IdempotencyKey}
	task.UpdatedAt = now
	task.History = append(task.History, models.HistoryEvent{
		EventType: models.EventTaskClaimed,
		Timestamp: now,
		Actor:     p.Holder,
		Details: map[string]any{
			"agent_url":       p.Holder,
			"idempotency_key": p.IdempotencyKey,
			"lease_seconds":   p.LeaseSeconds,
			"lease_expires":   expiresAt.Format(time.RFC3339),
			"previous_status": string(previous),
		},
	})
	if err := writeTask(ctx, tx, task, expected); err != nil {
		return nil, err
	}

	if p.IdempotencyKey != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO claim_keys (task_id, idempotency_key, holder, expires_at, created_at) VALUES (?, ?, ?, ?, ?)`,
			task.ID, p.IdempotencyKey, p.Holder, expiresAt, now,
		); err != nil {
			return nil, fmt.Errorf("insert claim key: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return &models.ClaimResult{TaskID: task.ID, Claimed: true, Holder: p.Holder, ExpiresAt: &expiresAt}, nil
}

// --- Archive Operations ---

// ArchiveTerminal moves completed and failed tasks whose completed_at is
// before cutoff into archived_tasks. It returns the archived ids.
func (s *Store) ArchiveTerminal(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN (?, ?)`,
		models.TaskStatusCompleted, models.TaskStatusFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("query terminal tasks: %w", err)
	}
	var due []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if task.CompletedAt != nil && task.CompletedAt.Before(cutoff) {
			due = append(due, task)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := s.now()
	ids := make([]string, 0, len(due))
	for _, task := range due {
		final := task.Status
		task.Status = models.TaskStatusArchived
		task.ArchivedAt = &now
		task.Lease = nil
		payload, err := json.Marshal(task)
		if err != nil {
			return nil, fmt.Errorf("encode archived task: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO archived_tasks (id, final_status, archived_at, payload) VALUES (?, ?, ?, ?)`,
			task.ID, final, now, string(payload),
		); err != nil {
			return nil, fmt.Errorf("insert archived task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, task.ID); err != nil {
			return nil, fmt.Errorf("delete archived task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM claim_keys WHERE task_id = ?`, task.ID); err != nil {
			return nil, fmt.Errorf("delete claim keys: %w", err)
		}
		ids = append(ids, task.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return ids, nil
}

// ArchivedTask is an archived task together with its final status.
type ArchivedTask struct {
	Task        models.Task       `json:"task"`
	FinalStatus models.TaskStatus `json:"final_status"`
}

// ListArchived returns archived tasks, most recently archived first.
func (s *Store) ListArchived(ctx context.Context, limit int) ([]ArchivedTask, error) {
	query := `SELECT final_status, payload FROM archived_tasks ORDER BY archived_at DESC, id`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query archived tasks: %w", err)
	}
	defer rows.Close()

	var out []ArchivedTask
	for rows.Next() {
		var final, payload string
		if err := rows.Scan(&final, &payload); err != nil {
			return nil, fmt.Errorf("scan archived task: %w", err)
		}
		var a ArchivedTask
		if err := json.Unmarshal([]byte(payload), &a.Task); err != nil {
			return nil, fmt.Errorf("decode archived task: %w", err)
		}
		a.FinalStatus = models.TaskStatus(final)
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(ctx context.Context, action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error) {
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		TaskID:     taskID,
		Details:    details,
		Timestamp:  s.now(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pdr (id, action, inputs_hash, outcome, task_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.TaskID, pdr.Details, pdr.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return pdr, nil
}

// ListPDR returns decision records for a task, oldest first.
func (s *Store) ListPDR(ctx context.Context, taskID string) ([]models.PDREntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, inputs_hash, outcome, task_id, details, timestamp FROM pdr WHERE task_id = ? ORDER BY timestamp, id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var out []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var tid, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &tid, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.TaskID = tid.String
		e.Details = details.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "primary key")
}
