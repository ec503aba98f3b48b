package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned when another daemon holds the lock.
var ErrAlreadyRunning = errors.New("another scheduler daemon is already running")

// Job is the work bound to a cadence.
type Job func(ctx context.Context) error

// Runner executes due jobs on every tick while holding a file lock.
type Runner struct {
	sched    *Scheduler
	jobs     map[Cadence]Job
	lockPath string
	lock     *flock.Flock
	tick     time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewRunner creates a runner that locks lockPath while running.
func NewRunner(sched *Scheduler, lockPath string, tick time.Duration, logger *slog.Logger) *Runner {
	if tick <= 0 {
		tick = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		sched:    sched,
		jobs:     make(map[Cadence]Job),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
		tick:     tick,
		now:      time.Now,
		logger:   logger,
	}
}

// Bind sets the job for a cadence. Unbound cadences never run.
func (r *Runner) Bind(c Cadence, job Job) {
	r.jobs[c] = job
}

// RunDue runs every due cadence once, in Order. A cadence is marked run only
// when its job succeeds, so a failed job is retried on the next tick.
func (r *Runner) RunDue(ctx context.Context) ([]Cadence, error) {
	var ran []Cadence
	var errs []error
	for _, c := range Order {
		job, ok := r.jobs[c]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return ran, err
		}
		start := r.now()
		due, err := r.sched.ShouldRun(c, start)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !due {
			continue
		}

		r.logger.Info("running scheduled job", "cadence", c)
		if err := job(ctx); err != nil {
			r.logger.Error("scheduled job failed", "cadence", c, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", c, err))
			continue
		}
		if err := r.sched.MarkRun(c, start); err != nil {
			errs = append(errs, fmt.Errorf("recording %s run: %w", c, err))
			continue
		}
		ran = append(ran, c)
		r.logger.Info("scheduled job finished", "cadence", c, "elapsed", r.now().Sub(start).Round(time.Second))
	}
	return ran, errors.Join(errs...)
}

// Run checks due cadences immediately and then on every tick until ctx is
// done. It fails with ErrAlreadyRunning if another process holds the lock.
func (r *Runner) Run(ctx context.Context) error {
	ok, err := r.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}
	defer func() {
		if err := r.lock.Unlock(); err != nil {
			r.logger.Warn("failed to release scheduler lock", "err", err)
		}
	}()

	r.logger.Info("scheduler started", "lock", r.lockPath, "tick", r.tick)
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	for {
		if _, err := r.RunDue(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("scheduler tick had failures", "err", err)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}
