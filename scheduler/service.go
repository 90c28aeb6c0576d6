// Package scheduler executes submitted tasks on a fixed worker pool with
// per-task status tracking, progress reporting, cooperative cancellation
// and debounced submission.
//
// The pending queue is an unbounded list: Submit never drops and never
// blocks. Callers that want a submission bound use SubmitWait, which fails
// fast once its context (or the configured submit timeout) expires.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"progload/eventbus"
	"progload/logx"
)

// Service is a fixed-size worker pool over an unbounded pending list.
//
// It is panic-safe (worker goroutines recover) and cooperates with
// shutdown via Start/Stop.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	cfg Config

	tasks   map[string]*task
	pending []*task
	history []string // terminal task IDs, oldest first

	wake      chan struct{}
	stopCh    chan struct{}
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	seq atomic.Uint64

	submitted uint64
	completed uint64
	failed    uint64
	cancelled uint64

	dmu     sync.Mutex
	timers  map[string]*time.Timer
	debDone bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		tasks:  map[string]*task{},
		timers: map[string]*time.Timer{},
	}
}

// Start launches the worker pool. It is idempotent; if a Stop is in
// progress it waits for it to finish first.
func (s *Service) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.wake = make(chan struct{}, 1)
	s.dmu.Lock()
	s.debDone = false
	s.dmu.Unlock()

	workers := s.cfg.Workers
	runCtx := s.runCtx
	stopCh := s.stopCh
	wake := s.wake

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in scheduler worker",
						logx.Int("worker", idx), logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, wake, idx)
		}()
	}

	s.log.Info("scheduler started", logx.Int("workers", workers))
}

// Stop halts intake, cancels tasks that have not started, and waits for
// in-flight work until ctx expires, after which the remaining work is
// abandoned (it keeps its cancelled context). Idempotent.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil

	// Not-yet-started tasks become Cancelled right here.
	pending := s.pending
	s.pending = nil
	for _, t := range pending {
		s.finishLocked(t, StatusCancelled, nil, ErrCancelled)
	}
	s.mu.Unlock()

	s.stopDebounce()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.wake = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

// Submit queues work and returns its task ID. name may be empty; a unique
// one is generated. Submit never blocks and never drops; it fails only
// when the scheduler is not running.
func (s *Service) Submit(name string, work WorkFunc, onProgress ProgressFunc) (string, error) {
	if work == nil {
		return "", fmt.Errorf("scheduler: work is nil")
	}

	s.mu.Lock()
	if s.stopCh == nil || s.stopDone != nil {
		s.mu.Unlock()
		return "", ErrStopped
	}

	id := fmt.Sprintf("task-%d", s.seq.Add(1))
	if name == "" {
		name = id
	}
	t := &task{
		id:          id,
		name:        name,
		work:        work,
		status:      StatusPending,
		submittedAt: time.Now(),
		onProgress:  onProgress,
		done:        make(chan struct{}),
		started:     make(chan struct{}),
	}
	s.tasks[id] = t
	s.pending = append(s.pending, t)
	s.submitted++
	wake := s.wake
	s.mu.Unlock()

	select {
	case wake <- struct{}{}:
	default:
	}
	return id, nil
}

// SubmitWait submits like Submit but blocks until a worker picks the task
// up. If ctx (or, absent a deadline, the configured submit timeout)
// expires first, the task is withdrawn and ErrTimeout returned.
func (s *Service) SubmitWait(ctx context.Context, name string, work WorkFunc, onProgress ProgressFunc) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SubmitTimeout)
		defer cancel()
	}

	id, err := s.Submit(name, work, onProgress)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	t := s.tasks[id]
	s.mu.Unlock()

	select {
	case <-t.started:
		return id, nil
	case <-ctx.Done():
		if s.Cancel(id) {
			return "", ErrTimeout
		}
		// A worker won the race; the task is running.
		return id, nil
	}
}

// BatchSubmit submits every task bounded by a weighted semaphore: at most
// maxConcurrent of them run at once, regardless of pool size. It returns
// the task IDs in input order.
func (s *Service) BatchSubmit(ctx context.Context, tasks []BatchTask, maxConcurrent int) ([]string, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	sem := semaphore.NewWeighted(int64(maxConcurrent))

	ids := make([]string, 0, len(tasks))
	for _, bt := range tasks {
		work := bt.Work
		wrapped := func(ctx context.Context) (any, error) {
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil, err
			}
			defer sem.Release(1)
			return work(ctx)
		}
		id, err := s.Submit(bt.Name, wrapped, bt.OnProgress)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// BatchTask is one entry for BatchSubmit.
type BatchTask struct {
	Name       string
	Work       WorkFunc
	OnProgress ProgressFunc
}

// Cancel cancels a task. Before it starts, the task is removed from the
// pending list and marked Cancelled (returns true). Mid-flight, the
// task's context is cancelled and the work decides whether to honor it
// (returns false, since cancellation is not guaranteed). Terminal tasks
// return false.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	switch t.status {
	case StatusPending:
		for i, p := range s.pending {
			if p == t {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				break
			}
		}
		s.finishLocked(t, StatusCancelled, nil, ErrCancelled)
		s.mu.Unlock()
		return true
	case StatusRunning:
		t.cancelRequested = true
		cancel := t.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return false
	default:
		s.mu.Unlock()
		return false
	}
}

// Await blocks until the task finishes, or until timeout elapses when
// timeout > 0. On timeout the work keeps running and ErrTimeout is
// returned. A failed task yields a *TaskFailedError; a cancelled one
// ErrCancelled.
func (s *Service) Await(id string, timeout time.Duration) (any, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}

	if timeout > 0 {
		tmr := time.NewTimer(timeout)
		defer tmr.Stop()
		select {
		case <-t.done:
		case <-tmr.C:
			return nil, fmt.Errorf("%w: awaiting %s after %s", ErrTimeout, id, timeout)
		}
	} else {
		<-t.done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return t.result, t.err
}

// UpdateProgress records progress for a running task, clamped to [0, 1],
// and invokes the task's progress callback.
func (s *Service) UpdateProgress(id string, fraction float64, message string) {
	if fraction < 0 {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}

	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.status.terminal() {
		s.mu.Unlock()
		return
	}
	t.progress = fraction
	t.message = message
	cb := t.onProgress
	s.mu.Unlock()

	s.notifyProgress(t, cb, fraction, message)
}

func (s *Service) notifyProgress(t *task, cb ProgressFunc, fraction float64, message string) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in progress callback",
				logx.String("task", t.name), logx.Any("panic", r))
		}
	}()
	cb(fraction, message)
}

// TaskInfo returns a copy of one task record.
func (s *Service) TaskInfo(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.view(), true
}

// Tasks returns copies of every known task record.
func (s *Service) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.view())
	}
	return out
}

// PurgeCompleted removes terminal task records older than olderThan
// (Retention when olderThan <= 0) and returns how many were removed.
func (s *Service) PurgeCompleted(olderThan time.Duration) int {
	if olderThan <= 0 {
		olderThan = s.cfg.Retention
	}
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	kept := s.history[:0]
	for _, id := range s.history {
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		if t.finishedAt.Before(cutoff) {
			delete(s.tasks, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.history = kept
	return removed
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	inFlight := 0
	for _, t := range s.tasks {
		if t.status == StatusRunning {
			inFlight++
		}
	}
	return Snapshot{
		Running:   s.stopCh != nil && s.stopDone == nil,
		Workers:   s.cfg.Workers,
		Pending:   len(s.pending),
		InFlight:  inFlight,
		Submitted: s.submitted,
		Completed: s.completed,
		Failed:    s.failed,
		Cancelled: s.cancelled,
	}
}

// finishLocked moves t to a terminal status and publishes the lifecycle
// event. Call with s.mu held; Publish is non-blocking so this is safe
// under the lock.
func (s *Service) finishLocked(t *task, status Status, result any, err error) {
	if t.status.terminal() {
		return
	}
	wasPending := t.status == StatusPending
	t.status = status
	t.result = result
	t.err = err
	t.finishedAt = time.Now()
	if status == StatusCompleted {
		t.progress = 1
		s.completed++
	} else if status == StatusFailed {
		s.failed++
	} else {
		s.cancelled++
	}
	s.history = append(s.history, t.id)
	s.trimHistoryLocked()

	if wasPending {
		close(t.started)
	}
	close(t.done)

	if s.bus != nil {
		ev := TaskEvent{ID: t.id, Name: t.name, Status: status.String()}
		if !t.startedAt.IsZero() {
			ev.QueueDelay = t.startedAt.Sub(t.submittedAt)
			ev.Duration = t.finishedAt.Sub(t.startedAt)
		}
		typ := eventbus.TypeTaskCompleted
		if status == StatusFailed {
			typ = eventbus.TypeTaskFailed
			if err != nil {
				ev.Error = err.Error()
			}
		} else if status == StatusCancelled {
			typ = eventbus.TypeTaskCancelled
		}
		s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
}

func (s *Service) trimHistoryLocked() {
	limit := s.cfg.HistorySize
	for len(s.history) > limit {
		id := s.history[0]
		s.history = s.history[1:]
		delete(s.tasks, id)
	}
}
