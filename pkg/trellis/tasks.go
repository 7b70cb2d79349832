package trellis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"trellis/internal/goroutine"
	"trellis/pkg/logging"
)

// TaskFunc is the body of a supervised task. The supplied context is
// cancelled when the task or its supervisor is cancelled.
type TaskFunc func(ctx context.Context) error

// TaskHandle identifies one supervised task and allows cancelling or waiting
// for it individually.
type TaskHandle struct {
	id      string
	name    string
	started time.Time
	gid     atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// ID returns the unique ID assigned to the task.
func (h *TaskHandle) ID() string { return h.id }

// Name returns the name the task was started with.
func (h *TaskHandle) Name() string { return h.name }

// StartedAt returns the time the task was launched.
func (h *TaskHandle) StartedAt() time.Time { return h.started }

// Cancel cancels the task's context. It does not wait for the task to
// finish.
func (h *TaskHandle) Cancel() { h.cancel() }

// Wait blocks until the task finishes or ctx is cancelled and returns the
// task's error, if any.
func (h *TaskHandle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
	}
	return h.Err()
}

// Err returns the task's error once it has finished, or nil.
func (h *TaskHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// TaskInfo is a snapshot of one running supervised task.
type TaskInfo struct {
	ID          string
	Name        string
	GoroutineID uint64
	StartedAt   time.Time
}

// startTaskInfo records one in-flight component start task for the watchdog.
type startTaskInfo struct {
	name       string
	path       string
	parentPath string
	typeName   string
	gid        uint64
	since      time.Time
}

// Supervisor runs named, individually cancellable tasks inside one
// structured scope. Task failures never vanish silently: each one is logged
// and retained, and Shutdown returns them aggregated. The component startup
// orchestrator additionally registers its in-flight start tasks here so the
// watchdog can enumerate them.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	wg         sync.WaitGroup
	tasks      map[string]*TaskHandle
	startTasks map[string]*startTaskInfo
	errs       *multierror.Error
	closed     bool
}

// NewSupervisor creates a supervisor whose tasks are bound to ctx.
func NewSupervisor(ctx context.Context) *Supervisor {
	sctx, cancel := context.WithCancel(ctx)
	return &Supervisor{
		ctx:        sctx,
		cancel:     cancel,
		tasks:      make(map[string]*TaskHandle),
		startTasks: make(map[string]*startTaskInfo),
	}
}

// Go launches fn as a named supervised task and returns its handle. The name
// does not have to be unique; the handle's ID does.
func (s *Supervisor) Go(name string, fn TaskFunc) (*TaskHandle, error) {
	if fn == nil {
		return nil, &ValidationError{Reason: `"fn" must not be nil`}
	}

	taskCtx, cancel := context.WithCancel(s.ctx)
	h := &TaskHandle{
		id:      uuid.NewString(),
		name:    name,
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, &ValidationError{Reason: "the supervisor has been shut down"}
	}
	s.tasks[h.id] = h
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer cancel()
		h.gid.Store(goroutine.ID())

		err := fn(taskCtx)

		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)

		s.mu.Lock()
		delete(s.tasks, h.id)
		if err != nil && !isCancellation(err) {
			s.errs = multierror.Append(s.errs, fmt.Errorf("task %q failed: %w", name, err))
		}
		s.mu.Unlock()

		if err != nil && !isCancellation(err) {
			logging.Error("Supervisor", err, "task %q failed", name)
		}
	}()
	return h, nil
}

// Running returns a snapshot of the currently running tasks.
func (s *Supervisor) Running() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, h := range s.tasks {
		out = append(out, TaskInfo{ID: h.id, Name: h.name, GoroutineID: h.gid.Load(), StartedAt: h.started})
	}
	return out
}

// Errors returns the failures collected so far, aggregated, or nil.
func (s *Supervisor) Errors() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs.ErrorOrNil()
}

// Shutdown cancels every task, waits for all of them to finish, and returns
// the aggregated failures. It is safe to call more than once.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return s.Errors()
}

// trackStartTask registers an in-flight component start task. It must be
// called from inside the start task's own goroutine so the recorded goroutine
// ID matches the captured stacks. The returned func removes the record.
func (s *Supervisor) trackStartTask(name, path, parentPath, typeName string) func() {
	info := &startTaskInfo{
		name:       name,
		path:       path,
		parentPath: parentPath,
		typeName:   typeName,
		gid:        goroutine.ID(),
		since:      time.Now(),
	}
	s.mu.Lock()
	s.startTasks[path] = info
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.startTasks, path)
		s.mu.Unlock()
	}
}

// runningStartTasks returns a snapshot of the in-flight component start
// tasks.
func (s *Supervisor) runningStartTasks() []startTaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]startTaskInfo, 0, len(s.startTasks))
	for _, info := range s.startTasks {
		out = append(out, *info)
	}
	return out
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
