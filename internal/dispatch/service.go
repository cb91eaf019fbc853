package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"trident/internal/eventbus"
	logx "trident/pkg/logx"
)

// Service executes submitted tasks from a bounded queue using a fixed worker
// pool, tracking per-task lifecycle state for polling callers.
//
// Policies (deliberate, keep in sync with doc comments on methods):
//   - Submit is non-blocking; a full queue returns ErrQueueFull.
//   - Retries re-enqueue the same envelope at the tail of the queue, so
//     retries are not prioritized over newer submissions.
//   - Stop() stops accepting work and lets in-flight tasks finish; queued but
//     unstarted tasks are abandoned in their last recorded state.
//
// It is panic-safe (worker goroutines recover), and cooperates with shutdown
// via Start/Stop.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	cfg Config

	queue     chan envelope
	stopCh    chan struct{}
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	stateMu sync.Mutex
	states  map[string]*TaskState

	// Counters (lifetime) for operator diagnostics.
	dropped uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, bus: bus, states: map[string]*TaskState{}}
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	// Note: live pool resizing is out of scope; worker/queue changes take
	// effect on the next Start().
}

// Start spawns the worker pool. It is idempotent: calling it while running is
// a no-op, and calling it while a Stop() is still draining waits for the stop
// to complete first (prevents double worker pools).
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	s.log.Debug("start requested", logx.Bool("enabled", cur.Enabled), logx.Int("workers", cur.Workers), logx.Int("queue_size", cur.QueueSize))

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
			// loop
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	qs := s.cfg.QueueSize
	if qs <= 0 {
		qs = 256
	}
	// Fresh queue per run to avoid executing stale items after a stop/start toggle.
	s.queue = make(chan envelope, qs)

	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			s.log.Debug("worker started", logx.Int("worker", idx))
			s.worker(runCtx, stopCh, queue, idx)
			s.log.Debug("worker stopped", logx.Int("worker", idx))
		}()
	}

	s.log.Info("dispatcher started", logx.Int("workers", workers), logx.Int("queue_size", qs))
}

// Stop stops accepting new work and waits for in-flight tasks to finish
// naturally; it never hard-kills a worker. Idempotent and safe to call
// concurrently with Start.
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
			return
		case <-ctx.Done():
			return
		}
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.queue = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("dispatcher stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		// stop continues in background
		return
	}
}

// Submit queues fn for background execution and returns its task id.
//
// It is non-blocking: if the queue is full it returns ErrQueueFull and
// records nothing (the capacity error is the caller's to handle, never a
// silent drop).
func (s *Service) Submit(fn TaskFunc, opts ...SubmitOption) (string, error) {
	s.mu.Lock()
	cfg := s.cfg
	q := s.queue
	s.mu.Unlock()

	if !cfg.Enabled {
		return "", ErrDisabled
	}
	if q == nil {
		return "", ErrStopped
	}
	if fn == nil {
		return "", ErrNilTask
	}

	env := envelope{
		id:      uuid.NewString(),
		fn:      fn,
		retries: cfg.RetryMax,
		timeout: cfg.DefaultTimeout,
	}
	for _, o := range opts {
		o(&env)
	}
	if env.retries < 0 {
		env.retries = 0
	}

	st := &TaskState{
		Status:     StatusQueued,
		MaxRetries: env.retries,
		QueuedAt:   time.Now(),
		Metadata:   env.metadata,
	}
	s.stateMu.Lock()
	s.states[env.id] = st
	s.stateMu.Unlock()

	select {
	case q <- env:
		s.publish(StatusQueued, env, 0, "")
		return env.id, nil
	default:
		// Roll the state back so a rejected submission leaves no trace.
		s.stateMu.Lock()
		delete(s.states, env.id)
		s.stateMu.Unlock()
		atomic.AddUint64(&s.dropped, 1)
		s.log.Warn("dispatcher queue full; rejecting task", logx.String("task", env.name), logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "task.dropped", Data: TaskEvent{ID: env.id, Name: env.name, Error: "queue_full"}})
		}
		return "", ErrQueueFull
	}
}

// Result returns a snapshot copy of the task state, or ok=false when the id
// is unknown. The snapshot never aliases store-owned memory.
func (s *Service) Result(taskID string) (TaskState, bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st, ok := s.states[taskID]
	if !ok {
		return TaskState{}, false
	}
	return st.clone(), true
}

func (s *Service) publish(status Status, env envelope, attempts int, errMsg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: "task." + string(status),
		Data: TaskEvent{ID: env.id, Name: env.name, Status: status, Attempts: attempts, Error: errMsg},
	})
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	workers := s.cfg.Workers
	ql, qc := 0, 0
	if s.queue != nil {
		ql = len(s.queue)
		qc = cap(s.queue)
	}
	s.mu.Unlock()

	if workers <= 0 {
		workers = 2
	}

	by := map[Status]int{}
	s.stateMu.Lock()
	for _, st := range s.states {
		by[st.Status]++
	}
	s.stateMu.Unlock()

	return Snapshot{
		Enabled:  enabled,
		Workers:  workers,
		QueueLen: ql,
		QueueCap: qc,
		Dropped:  atomic.LoadUint64(&s.dropped),
		ByStatus: by,
	}
}
