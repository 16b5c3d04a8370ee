package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ananta888/ananta/internal/controlplane"
	"github.com/ananta888/ananta/internal/logging"
	"github.com/ananta888/ananta/internal/models"
)

// Tasks is the part of the control plane the scheduler drives.
type Tasks interface {
	ListClaimable(ctx context.Context, limit int) ([]models.Task, error)
	Claim(ctx context.Context, taskID string, req controlplane.ClaimRequest) (*models.ClaimResult, error)
	Sweep(ctx context.Context) ([]string, error)
}

// Runner executes one claimed task. Holder is the lease holder used when
// claiming on its behalf.
type Runner interface {
	Holder() string
	Run(ctx context.Context, task models.Task) error
}

// Gauge receives the active worker count.
type Gauge interface {
	SetWorkersActive(n int)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithGauge reports the active worker count to g.
func WithGauge(g Gauge) Option {
	return func(s *Scheduler) { s.gauge = g }
}

// Scheduler manages task dispatching and the worker pool.
type Scheduler struct {
	tasks  Tasks
	runner Runner
	config *Config
	logger *slog.Logger
	gauge  Gauge

	// Worker pool state
	mu            sync.Mutex
	activeWorkers int
	dispatched    int
	failed        int
	archived      int
	lastSweep     time.Time

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a new scheduler. A nil runner only runs the archival sweep.
func New(tasks Tasks, runner Runner, cfg *Config, opts ...Option) *Scheduler {
	sch := &Scheduler{
		tasks:  tasks,
		runner: runner,
		config: cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(sch)
	}
	sch.logger = logging.OrDiscard(sch.logger).With("component", "scheduler")
	return sch
}

// Start begins the scheduler loops. They run until ctx is done or Stop is
// called.
func (sch *Scheduler) Start(ctx context.Context) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	if sch.started {
		return
	}
	sch.started = true
	sch.ctx, sch.cancel = context.WithCancel(ctx)

	if sch.config.SweepInterval > 0 {
		sch.wg.Add(1)
		go sch.sweepLoop()
	}
	if sch.runner == nil {
		sch.logger.Info("scheduler started without worker", "sweep_interval", sch.config.SweepInterval)
		return
	}
	sch.wg.Add(1)
	go sch.schedulerLoop()
	sch.logger.Info("scheduler started",
		"global_max", sch.config.GlobalMax,
		"poll_interval", sch.config.PollInterval,
		"holder", sch.runner.Holder(),
	)
}

// Stop cancels the loops and running workers and waits for them. A task
// interrupted this way keeps its lease until it expires.
func (sch *Scheduler) Stop() {
	sch.mu.Lock()
	cancel := sch.cancel
	sch.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	sch.wg.Wait()
	sch.logger.Info("scheduler stopped")
}

// schedulerLoop polls for claimable tasks and dispatches them to workers.
func (sch *Scheduler) schedulerLoop() {
	defer sch.wg.Done()

	ticker := time.NewTicker(sch.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case <-ticker.C:
			sch.pollAndDispatch(sch.ctx)
		}
	}
}

func (sch *Scheduler) sweepLoop() {
	defer sch.wg.Done()

	ticker := time.NewTicker(sch.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case <-ticker.C:
			sch.sweep(sch.ctx)
		}
	}
}

func (sch *Scheduler) sweep(ctx context.Context) {
	ids, err := sch.tasks.Sweep(ctx)
	if err != nil {
		sch.logger.Error("archive sweep failed", "error", err)
		return
	}
	sch.mu.Lock()
	sch.archived += len(ids)
	sch.lastSweep = time.Now()
	sch.mu.Unlock()
	if len(ids) > 0 {
		sch.logger.Info("archived tasks", "count", len(ids))
	}
}

// pollAndDispatch claims up to the free worker capacity and starts a
// worker for every granted claim. It returns the number dispatched.
func (sch *Scheduler) pollAndDispatch(ctx context.Context) int {
	if sch.runner == nil {
		return 0
	}
	sch.mu.Lock()
	free := sch.config.GlobalMax - sch.activeWorkers
	sch.mu.Unlock()
	if free <= 0 {
		return 0
	}

	candidates, err := sch.tasks.ListClaimable(ctx, free)
	if err != nil {
		sch.logger.Error("list claimable tasks", "error", err)
		return 0
	}

	holder := sch.runner.Holder()
	dispatched := 0
	for _, task := range candidates {
		if dispatched >= free {
			break
		}
		res, err := sch.tasks.Claim(ctx, task.ID, controlplane.ClaimRequest{
			AgentURL:       holder,
			IdempotencyKey: uuid.NewString(),
			LeaseSeconds:   sch.config.LeaseSeconds,
		})
		if err != nil {
			sch.logger.Warn("claim failed", "task_id", task.ID, "error", err)
			continue
		}
		if !res.Claimed {
			sch.logger.Debug("claim refused", "task_id", task.ID, "reason", res.Reason)
			continue
		}

		sch.mu.Lock()
		sch.activeWorkers++
		sch.dispatched++
		active := sch.activeWorkers
		sch.mu.Unlock()
		sch.gaugeSet(active)

		sch.logger.Info("dispatched task", "task_id", task.ID, "title", task.Title)
		task.Status = models.TaskStatusInProgress
		sch.wg.Add(1)
		go sch.runWorker(ctx, task)
		dispatched++
	}
	return dispatched
}

// runWorker executes a task and frees its worker slot.
func (sch *Scheduler) runWorker(ctx context.Context, task models.Task) {
	defer sch.wg.Done()
	defer func() {
		sch.mu.Lock()
		sch.activeWorkers--
		active := sch.activeWorkers
		sch.mu.Unlock()
		sch.gaugeSet(active)
	}()

	if err := sch.runner.Run(ctx, task); err != nil {
		sch.mu.Lock()
		sch.failed++
		sch.mu.Unlock()
		sch.logger.Warn("task run failed", "task_id", task.ID, "error", err)
		return
	}
	sch.logger.Debug("task run finished", "task_id", task.ID)
}

func (sch *Scheduler) gaugeSet(n int) {
	if sch.gauge != nil {
		sch.gauge.SetWorkersActive(n)
	}
}

// GetStats returns current scheduler statistics.
func (sch *Scheduler) GetStats() map[string]any {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	stats := map[string]any{
		"active_workers": sch.activeWorkers,
		"global_max":     sch.config.GlobalMax,
		"dispatched":     sch.dispatched,
		"failed":         sch.failed,
		"archived":       sch.archived,
	}
	if !sch.lastSweep.IsZero() {
		stats["last_sweep"] = sch.lastSweep
	}
	return stats
}
