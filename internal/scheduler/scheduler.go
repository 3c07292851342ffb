// Package scheduler runs periodic background jobs.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Task is the work a job runs on every tick. Errors are logged only.
type Task func(ctx context.Context) error

// Job runs a task on a fixed period. At most one run loop exists at a time:
// Start while running replaces the existing loop.
type Job struct {
	name   string
	period time.Duration
	task   Task
	log    *log.Logger
	now    bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Job.
type Option func(*Job)

// RunImmediately runs the task once when the job starts, then every period.
func RunImmediately() Option {
	return func(j *Job) { j.now = true }
}

// New creates a stopped job.
func New(name string, period time.Duration, task Task, logger *log.Logger, opts ...Option) *Job {
	j := &Job{name: name, period: period, task: task, log: logger}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Start launches the run loop, stopping any loop already running. The loop
// ends when ctx is done or Stop is called.
func (j *Job) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stopLocked()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	j.cancel = cancel
	j.done = done
	go j.loop(ctx, done)
	j.log.Debug("job started", "job", j.name, "period", j.period)
}

// Stop ends the run loop and waits for a running task to return. It is a
// no-op when the job is not running.
func (j *Job) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stopLocked()
}

func (j *Job) stopLocked() {
	if j.cancel == nil {
		return
	}
	j.cancel()
	<-j.done
	j.cancel = nil
	j.done = nil
	j.log.Debug("job stopped", "job", j.name)
}

// Running reports whether the run loop is active.
func (j *Job) Running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done == nil {
		return false
	}
	select {
	case <-j.done:
		return false
	default:
		return true
	}
}

func (j *Job) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	if j.now {
		j.run(ctx)
	}
	ticker := time.NewTicker(j.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.run(ctx)
		}
	}
}

func (j *Job) run(ctx context.Context) {
	if err := j.task(ctx); err != nil && ctx.Err() == nil {
		j.log.Error("scheduled run error", "job", j.name, "err", err)
	}
}
