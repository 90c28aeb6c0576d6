package scheduler

import (
	"context"
	"time"
)

// Config controls the task scheduler.
type Config struct {
	// Workers fixes the pool size at Start. 0 applies a default.
	Workers int

	// Retention is the default age cutoff for PurgeCompleted when the
	// caller passes olderThan <= 0.
	Retention time.Duration

	// SubmitTimeout bounds SubmitWait when the caller's context carries
	// no deadline. 0 applies a default.
	SubmitTimeout time.Duration

	// HistorySize caps how many finished task records are kept. Oldest
	// records are dropped first. 0 applies a default.
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Retention <= 0 {
		c.Retention = 10 * time.Minute
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 30 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// WorkFunc is a unit of work. The context is cancelled by Cancel and by
// scheduler shutdown; long work should poll it.
type WorkFunc func(ctx context.Context) (any, error)

// ProgressFunc receives progress updates for one task. fraction is within
// [0, 1] and reaches 1 exactly once, on successful completion.
type ProgressFunc func(fraction float64, message string)

type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is a read-only copy of one task record, as returned by Tasks and
// TaskInfo.
type Task struct {
	ID       string
	Name     string
	Status   Status
	Progress float64
	Message  string

	SubmittedAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time

	// QueueDelay is StartedAt - SubmittedAt; Duration is the run time.
	QueueDelay time.Duration
	Duration   time.Duration

	Result any
	Err    error
}

// task is the mutable record, guarded by Service.mu.
type task struct {
	id   string
	name string
	work WorkFunc

	status   Status
	progress float64
	message  string

	submittedAt time.Time
	startedAt   time.Time
	finishedAt  time.Time

	result any
	err    error

	onProgress ProgressFunc

	// cancel is set while the task runs; cancelRequested distinguishes a
	// Cancel-triggered context error from an unrelated one.
	cancel          context.CancelFunc
	cancelRequested bool

	// done closes when the task reaches a terminal status.
	done chan struct{}
	// started closes when a worker picks the task up (or it is cancelled
	// before that).
	started chan struct{}
}

func (t *task) view() Task {
	v := Task{
		ID:          t.id,
		Name:        t.name,
		Status:      t.status,
		Progress:    t.progress,
		Message:     t.message,
		SubmittedAt: t.submittedAt,
		StartedAt:   t.startedAt,
		FinishedAt:  t.finishedAt,
		Result:      t.result,
		Err:         t.err,
	}
	if !t.startedAt.IsZero() {
		v.QueueDelay = t.startedAt.Sub(t.submittedAt)
		if !t.finishedAt.IsZero() {
			v.Duration = t.finishedAt.Sub(t.startedAt)
		}
	}
	return v
}

// TaskEvent is the bus payload for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Status     string        `json:"status"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running   bool
	Workers   int
	Pending   int
	InFlight  int
	Submitted uint64
	Completed uint64
	Failed    uint64
	Cancelled uint64
}
