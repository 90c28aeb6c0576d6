package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped is returned by submission when the scheduler is not
	// running.
	ErrStopped = errors.New("scheduler stopped")

	// ErrTimeout is returned by Await and SubmitWait when their bound
	// elapses. The underlying work keeps running.
	ErrTimeout = errors.New("scheduler timeout")

	// ErrCancelled is the terminal error of a cancelled task.
	ErrCancelled = errors.New("task cancelled")

	// ErrUnknownTask is returned for an ID the scheduler has no record
	// of (never submitted, or already purged).
	ErrUnknownTask = errors.New("unknown task")
)

// TaskFailedError wraps the error a task's work returned (or the recovered
// panic value). Await returns it to waiters; errors.Is/As reach the cause.
type TaskFailedError struct {
	ID   string
	Name string
	Err  error
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %s (%s) failed: %v", e.Name, e.ID, e.Err)
}

func (e *TaskFailedError) Unwrap() error { return e.Err }
