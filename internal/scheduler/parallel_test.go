package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ananta888/ananta/internal/controlplane"
)

// Test10ParallelWorkers verifies that several schedulers polling the same
// control plane never run a task twice.
func Test10ParallelWorkers(t *testing.T) {
	svc, _ := newTestService(t, controlplane.Config{AgentURL: "http://node"})

	numTasks := 10
	createTasks(t, svc, numTasks)

	runners := make([]*mockRunner, 4)
	schedulers := make([]*Scheduler, len(runners))
	for i := range runners {
		runners[i] = newMockRunner(svc, fmt.Sprintf("http://worker-%d", i))
		schedulers[i] = New(svc, runners[i], &Config{GlobalMax: numTasks, PollInterval: time.Hour})
	}

	ctx := context.Background()
	timeout := time.After(30 * time.Second)
	for {
		var wg sync.WaitGroup
		for _, sch := range schedulers {
			wg.Add(1)
			go func(sch *Scheduler) {
				defer wg.Done()
				sch.pollAndDispatch(ctx)
			}(sch)
		}
		wg.Wait()

		claimed := 0
		for _, r := range runners {
			tasks, _ := r.runCount()
			claimed += tasks
		}
		if claimed >= numTasks {
			break
		}
		select {
		case <-timeout:
			t.Fatalf("Timeout waiting for %d claimed tasks, got %d", numTasks, claimed)
		case <-time.After(10 * time.Millisecond):
		}
	}

	seen := make(map[string]string)
	for i, r := range runners {
		r.mu.Lock()
		for id, n := range r.runs {
			if n != 1 {
				t.Errorf("Task %s was run %d times by worker %d", id, n, i)
			}
			if other, ok := seen[id]; ok {
				t.Errorf("Task %s was claimed by %s and %s", id, other, r.holder)
			}
			seen[id] = r.holder
		}
		r.mu.Unlock()
	}
	if len(seen) != numTasks {
		t.Errorf("Expected %d unique claimed tasks, got %d", numTasks, len(seen))
	}

	for _, r := range runners {
		close(r.release)
	}
	for _, sch := range schedulers {
		sch.wg.Wait()
	}

	rm, err := svc.ReadModel(ctx)
	if err != nil {
		t.Fatalf("ReadModel failed: %v", err)
	}
	if rm.ActiveLeases != 0 {
		t.Errorf("Expected no active leases after completion, got %d", rm.ActiveLeases)
	}
}
