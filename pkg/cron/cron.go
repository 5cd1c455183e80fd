// Package cron re-runs a job on a cron schedule, never overlapping runs.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/tgguard/tgguard/pkg/logger"
)

type Job func(ctx context.Context)

type Runner struct {
	name string
	expr string
	job  Job
	now  func() time.Time

	mu      sync.Mutex
	running bool
	runs    int
	wg      sync.WaitGroup
}

func New(name, expr string, job Job) (*Runner, error) {
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("invalid cron expression %q", expr)
	}
	return &Runner{name: name, expr: expr, job: job, now: time.Now}, nil
}

// Next returns the first tick strictly after t.
func (r *Runner) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(r.expr, t, false)
}

// Run blocks, firing the job at every tick until ctx is done. It waits for an
// in-flight job before returning.
func (r *Runner) Run(ctx context.Context) {
	defer r.wg.Wait()
	logger.InfoCF("cron", "Scheduler started", map[string]interface{}{"job": r.name, "cron": r.expr})
	for {
		next, err := r.Next(r.now().UTC())
		if err != nil {
			logger.ErrorCF("cron", "Cannot compute next tick", map[string]interface{}{
				"job":   r.name,
				"error": err.Error(),
			})
			next = r.now().Add(30 * time.Second)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.InfoCF("cron", "Scheduler stopping", map[string]interface{}{"job": r.name})
			return
		case <-timer.C:
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.TryRun(ctx)
			}()
		}
	}
}

// TryRun runs the job now unless a previous run is still in progress.
func (r *Runner) TryRun(ctx context.Context) bool {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		logger.WarnCF("cron", "Previous run still in progress, skipping tick", map[string]interface{}{"job": r.name})
		return false
	}
	r.running = true
	r.runs++
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()
	r.job(ctx)
	return true
}

func (r *Runner) Runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}
