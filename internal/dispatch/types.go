package dispatch

import (
	"context"
	"time"
)

// Config controls the dispatcher.
type Config struct {
	Enabled        bool
	Workers        int
	QueueSize      int
	RetryMax       int
	DefaultTimeout time.Duration
}

// TaskFunc is the unit of work queued for asynchronous execution.
//
// The worker passes its run context, so long callables should honor
// cancellation. Blocking and non-blocking callables are handled alike.
type TaskFunc func(ctx context.Context) (any, error)

// Status is the task lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// TaskState tracks task lifecycle for polling callers.
//
// States live for the lifetime of the service (no eviction; bounded by
// submission volume — acceptable for an in-process engine, revisit before
// long-lived production deployments). Result() hands out copies, never the
// stored value.
type TaskState struct {
	Status     Status         `json:"status"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	QueuedAt   time.Time      `json:"queued_at"`
	StartedAt  time.Time      `json:"started_at,omitzero"`
	FinishedAt time.Time      `json:"finished_at,omitzero"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (s TaskState) clone() TaskState {
	cp := s
	if s.Metadata != nil {
		md := make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			md[k] = v
		}
		cp.Metadata = md
	}
	return cp
}

// envelope is the internal representation for queued jobs.
// It is re-enqueued by value on retry; the attempt count lives in TaskState
// and is cumulative across requeues.
type envelope struct {
	id       string
	name     string
	fn       TaskFunc
	retries  int
	metadata map[string]any
	timeout  time.Duration
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Status   Status `json:"status"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// SubmitOption tunes a single submission.
type SubmitOption func(*envelope)

// WithRetries sets the retry budget: a permanently failing task is attempted
// retries+1 times in total. Negative values are clamped to 0.
func WithRetries(n int) SubmitOption {
	return func(e *envelope) {
		if n < 0 {
			n = 0
		}
		e.retries = n
	}
}

// WithMetadata attaches free-form metadata, visible in Result() snapshots.
// The map is copied; later mutations by the caller are not observed.
func WithMetadata(md map[string]any) SubmitOption {
	return func(e *envelope) {
		if md == nil {
			e.metadata = nil
			return
		}
		cp := make(map[string]any, len(md))
		for k, v := range md {
			cp[k] = v
		}
		e.metadata = cp
	}
}

// WithTimeout bounds a single attempt; 0 falls back to the config default.
func WithTimeout(d time.Duration) SubmitOption {
	return func(e *envelope) { e.timeout = d }
}

// WithName labels the task in logs and events.
func WithName(name string) SubmitOption {
	return func(e *envelope) { e.name = name }
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool
	Workers  int
	QueueLen int
	QueueCap int
	Dropped  uint64

	ByStatus map[Status]int
}
