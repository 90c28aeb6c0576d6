package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"progload/eventbus"
	"progload/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, wake <-chan struct{}, idx int) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		t := s.takePending()
		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-wake:
			}
			continue
		}
		s.execOne(ctx, t, idx)
	}
}

// takePending pops the oldest pending task and marks it Running.
func (s *Service) takePending() *task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	t := s.pending[0]
	s.pending = s.pending[1:]
	t.status = StatusRunning
	t.startedAt = time.Now()
	close(t.started)
	return t
}

func (s *Service) execOne(ctx context.Context, t *task, idx int) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	t.cancel = cancel
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeTaskStarted,
			Data: TaskEvent{
				ID: t.id, Name: t.name, Status: StatusRunning.String(),
				QueueDelay: t.startedAt.Sub(t.submittedAt),
			},
		})
	}

	result, err := s.runWork(runCtx, t)

	s.mu.Lock()
	t.cancel = nil
	wasCancelRequest := t.cancelRequested
	var cb ProgressFunc
	switch {
	case err == nil:
		s.finishLocked(t, StatusCompleted, result, nil)
		cb = t.onProgress
	case wasCancelRequest && errors.Is(err, context.Canceled):
		s.finishLocked(t, StatusCancelled, nil, ErrCancelled)
	default:
		s.finishLocked(t, StatusFailed, nil, &TaskFailedError{ID: t.id, Name: t.name, Err: err})
	}
	dur := t.finishedAt.Sub(t.startedAt)
	st := t.status
	s.mu.Unlock()

	switch st {
	case StatusCompleted:
		s.notifyProgress(t, cb, 1, "done")
		s.log.Debug("task completed", logx.String("task", t.name),
			logx.Int("worker", idx), logx.Duration("dur", dur))
	case StatusCancelled:
		s.log.Debug("task cancelled", logx.String("task", t.name),
			logx.Duration("dur", dur))
	default:
		s.log.Warn("task failed", logx.String("task", t.name),
			logx.Duration("dur", dur), logx.Err(err))
	}
}

// runWork invokes the task's work, converting a panic into an error.
func (s *Service) runWork(ctx context.Context, t *task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("panic in task", logx.String("task", t.name), logx.Any("panic", r))
		}
	}()
	return t.work(ctx)
}
