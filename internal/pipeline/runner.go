package pipeline

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/dossier/internal/model"
)

// Runner drives submitted jobs in the background. Each job runs in its own
// goroutine; at most maxJobs run at once and the rest wait for a slot.
//
// A job submitted while the runner is already driving it is run once more
// after the current run returns, so a retry accepted mid-run is never lost.
type Runner struct {
	run    func(ctx context.Context, jobID string) (*model.ResearchJob, error)
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu sync.Mutex
	// active holds the jobs with a driver goroutine. The value records
	// whether another run was requested meanwhile.
	active map[string]bool
}

// NewRunner returns a runner bound to orch.
func NewRunner(orch *Orchestrator, maxJobs int) *Runner {
	if maxJobs <= 0 {
		maxJobs = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		run:    orch.Run,
		sem:    semaphore.NewWeighted(int64(maxJobs)),
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]bool),
	}
}

// Submit schedules jobID to run to completion. It returns immediately.
func (r *Runner) Submit(jobID string) {
	r.mu.Lock()
	if _, ok := r.active[jobID]; ok {
		r.active[jobID] = true
		r.mu.Unlock()
		zap.L().Debug("runner: job already scheduled, queueing another run", zap.String("job_id", jobID))
		return
	}
	r.active[jobID] = false
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.sem.Acquire(r.ctx, 1); err != nil {
			r.finish(jobID)
			return
		}
		defer r.sem.Release(1)

		for {
			r.drive(jobID)
			if !r.rerun(jobID) {
				return
			}
		}
	}()
}

func (r *Runner) drive(jobID string) {
	job, err := r.run(r.ctx, jobID)
	switch {
	case errors.Is(err, ErrJobBusy):
		zap.L().Debug("runner: job already being driven", zap.String("job_id", jobID))
	case err != nil && !errors.Is(err, context.Canceled):
		zap.L().Error("runner: job run failed", zap.String("job_id", jobID), zap.Error(err))
	case job != nil:
		zap.L().Info("runner: job run returned",
			zap.String("job_id", jobID),
			zap.String("status", string(job.Status)),
		)
	}
}

// rerun consumes a pending run request, or releases the job when there is
// none.
func (r *Runner) rerun(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[jobID] && r.ctx.Err() == nil {
		r.active[jobID] = false
		return true
	}
	delete(r.active, jobID)
	return false
}

func (r *Runner) finish(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, jobID)
}

// Wait blocks until every submitted job has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown stops dispatching new waves and waits for running sections to
// return, or for ctx to end.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
