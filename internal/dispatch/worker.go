package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	logx "trident/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan envelope, idx int) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case env := <-queue:
			s.execOne(ctx, queue, env, idx)
		}
	}
}

// execOne runs a single attempt of a task and settles its state: completed,
// retrying (re-enqueued at the tail), or failed. Attempt counts are cumulative
// across requeues; a task with retry budget r is attempted at most r+1 times.
func (s *Service) execOne(ctx context.Context, queue chan envelope, env envelope, idx int) {
	start := time.Now()

	s.stateMu.Lock()
	st := s.states[env.id]
	if st == nil {
		// Unknown id means the store was reset under us; nothing to track.
		st = &TaskState{MaxRetries: env.retries, QueuedAt: start, Metadata: env.metadata}
		s.states[env.id] = st
	}
	st.Status = StatusRunning
	st.StartedAt = start
	st.Attempts++
	attempts := st.Attempts
	s.stateMu.Unlock()

	s.publish(StatusRunning, env, attempts, "")

	runCtx := ctx
	var cancel context.CancelFunc
	if env.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, env.timeout)
	}
	result, err := runTask(runCtx, env.fn)
	if cancel != nil {
		cancel()
	}
	dur := time.Since(start)

	if err == nil {
		s.stateMu.Lock()
		st.Status = StatusCompleted
		st.Result = result
		st.Error = ""
		st.FinishedAt = time.Now()
		s.stateMu.Unlock()
		s.log.Debug("task completed", logx.String("id", env.id), logx.String("task", env.name), logx.Int("worker", idx), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish(StatusCompleted, env, attempts, "")
		return
	}

	if attempts <= env.retries {
		s.stateMu.Lock()
		st.Status = StatusRetrying
		st.Error = err.Error()
		s.stateMu.Unlock()
		s.log.Warn("task failed; re-queuing", logx.String("id", env.id), logx.String("task", env.name), logx.Int("attempt", attempts), logx.Int("max_attempts", env.retries+1), logx.Err(err))
		s.publish(StatusRetrying, env, attempts, err.Error())

		// Tail re-enqueue: retries queue behind newer submissions. If the
		// queue is saturated the task fails terminally rather than blocking
		// this worker.
		select {
		case queue <- env:
			return
		default:
			atomic.AddUint64(&s.dropped, 1)
			err = fmt.Errorf("retry dropped, queue full: %w", err)
		}
	}

	s.stateMu.Lock()
	st.Status = StatusFailed
	st.Error = err.Error()
	st.FinishedAt = time.Now()
	s.stateMu.Unlock()
	s.log.Warn("task failed", logx.String("id", env.id), logx.String("task", env.name), logx.Int("attempts", attempts), logx.Duration("dur", dur), logx.Err(err))
	s.publish(StatusFailed, env, attempts, err.Error())
}

// runTask invokes the callable, converting panics into errors so a misbehaving
// task never takes a worker down.
func runTask(ctx context.Context, fn TaskFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}
