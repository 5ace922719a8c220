// Package taskqueue runs deferred actions strictly one at a time, in the
// order they were enqueued, without blocking the caller.
package taskqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maruel/ksid"
)

// Task is one queued unit of work.
type Task struct {
	ID          ksid.ID
	EnqueuedAt  time.Time
	Description string

	action func(context.Context) error
}

// Queue is a single-lane FIFO executor. The zero value is not usable; use
// New.
type Queue struct {
	ctx context.Context
	log *slog.Logger

	mu      sync.Mutex
	tasks   []*Task // head is the running task while running is true
	running bool
	empty   chan struct{} // closed while the queue is idle; replaced when work arrives
}

// New returns an idle queue. Actions run with a context derived from ctx that
// is never cancelled, so already accepted work finishes after the request
// that enqueued it goes away.
func New(ctx context.Context, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	empty := make(chan struct{})
	close(empty)
	return &Queue{ctx: context.WithoutCancel(ctx), log: logger, empty: empty}
}

// Enqueue appends action and returns immediately. The queue starts draining
// if it was idle.
func (q *Queue) Enqueue(description string, action func(context.Context) error) ksid.ID {
	t := &Task{ID: ksid.NewID(), EnqueuedAt: time.Now().UTC(), Description: description, action: action}
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	start := !q.running
	if start {
		q.running = true
		q.empty = make(chan struct{})
	}
	q.mu.Unlock()
	if start {
		go q.drain()
	}
	return t.ID
}

// Len returns the number of tasks not yet settled, including the running one.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Pending returns a copy of the tasks not yet settled, head first.
func (q *Queue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, len(q.tasks))
	for i, t := range q.tasks {
		out[i] = Task{ID: t.ID, EnqueuedAt: t.EnqueuedAt, Description: t.Description}
	}
	return out
}

// WaitForDrain blocks until the queue is empty or timeout elapses. It returns
// true on timeout. A non-positive timeout waits forever.
func (q *Queue) WaitForDrain(timeout time.Duration) bool {
	q.mu.Lock()
	empty := q.empty
	q.mu.Unlock()
	if timeout <= 0 {
		<-empty
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-empty:
		return false
	case <-timer.C:
		return true
	}
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			close(q.empty)
			q.mu.Unlock()
			return
		}
		t := q.tasks[0]
		q.mu.Unlock()

		q.run(t)

		q.mu.Lock()
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
	}
}

// run executes t. Failures and panics are logged and otherwise swallowed so
// the next task still runs.
func (q *Queue) run(t *Task) {
	start := time.Now()
	err := safeCall(q.ctx, t.action)
	d := time.Since(start).Round(time.Millisecond)
	if err != nil {
		q.log.Warn("task failed", "task", t.ID, "desc", t.Description, "d", d, "err", err)
		return
	}
	q.log.Debug("task done", "task", t.ID, "desc", t.Description, "d", d, "wait", start.Sub(t.EnqueuedAt).Round(time.Millisecond))
}

func safeCall(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
