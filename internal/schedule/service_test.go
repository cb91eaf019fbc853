package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trident/internal/config"
	"trident/internal/dispatch"
	"trident/internal/eventbus"
	"trident/internal/guardrail"
	"trident/internal/module"
	"trident/internal/route"
	"trident/internal/telemetry"
	"trident/internal/workflow"
	logx "trident/pkg/logx"
)

// countingSink counts run starts so tests can tell a real submission from a
// skipped trigger. It can optionally block inside StartRun to pin a trigger
// mid-flight.
type countingSink struct {
	telemetry.NopSink

	starts  atomic.Int64
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (c *countingSink) StartRun(_ context.Context, _ telemetry.Run) {
	c.starts.Add(1)
	if c.entered != nil {
		c.once.Do(func() { close(c.entered) })
		<-c.release
	}
}

func newTestService(t *testing.T, sink telemetry.Sink, handler module.Handler) (*Service, *dispatch.Service, eventbus.Bus) {
	t.Helper()
	defs := []module.Definition{{Name: "general", Handler: handler}}
	reg, err := module.NewRegistry(defs, nil, "general")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	guards := guardrail.New(nil, nil, logx.Nop())
	exec := workflow.New(reg, route.New(reg, logx.Nop()), guards, sink, logx.Nop())

	bus := eventbus.New()
	disp := dispatch.New(dispatch.Config{Enabled: true, Workers: 1, QueueSize: 8}, logx.Nop(), bus)
	disp.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		disp.Stop(ctx)
	})

	return New(exec, disp, logx.Nop(), bus), disp, bus
}

func echoDef() module.Handler {
	return module.HandlerFunc(func(_ context.Context, in module.TaskInput) (module.TaskOutput, error) {
		return module.TaskOutput{Result: map[string]any{"response": in.Prompt}}, nil
	})
}

func TestTriggerSkipsWhilePreviousRunActive(t *testing.T) {
	t.Parallel()
	sink := &countingSink{}
	release := make(chan struct{})
	blocked := module.HandlerFunc(func(_ context.Context, in module.TaskInput) (module.TaskOutput, error) {
		<-release
		return module.TaskOutput{Result: map[string]any{"response": in.Prompt}}, nil
	})
	s, disp, bus := newTestService(t, sink, blocked)
	events, unsub := bus.Subscribe(16)
	defer unsub()

	wf := config.WorkflowConfig{
		Name:  "pulse",
		Steps: []config.StepConfig{{Module: "general", Input: "ping"}},
	}

	s.trigger(wf)
	if got := sink.starts.Load(); got != 1 {
		t.Fatalf("starts = %d, want 1", got)
	}

	// The first run is queued or executing; the second trigger must skip.
	s.trigger(wf)
	if got := sink.starts.Load(); got != 1 {
		t.Fatalf("starts after overlapping trigger = %d, want 1", got)
	}
	waitForEvent(t, events, "workflow.skipped")

	// Drain the first run; once terminal, the next trigger submits again.
	close(release)
	s.mu.Lock()
	taskID := s.active[wf.Name]
	s.mu.Unlock()
	waitTerminal(t, disp, taskID)

	s.trigger(wf)
	if got := sink.starts.Load(); got != 2 {
		t.Fatalf("starts after drained trigger = %d, want 2", got)
	}
}

func TestApplyWhileTriggerInFlight(t *testing.T) {
	t.Parallel()
	sink := &countingSink{entered: make(chan struct{}), release: make(chan struct{})}
	s, _, _ := newTestService(t, sink, echoDef())

	wf := config.WorkflowConfig{
		Name:     "pulse",
		Schedule: "every:1s",
		Steps:    []config.StepConfig{{Module: "general", Input: "ping"}},
	}
	s.Apply([]config.WorkflowConfig{wf})
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	select {
	case <-sink.entered:
	case <-time.After(10 * time.Second):
		t.Fatal("scheduled trigger never fired")
	}

	// Reload while the trigger is pinned inside its submission. Apply must
	// swap the runner without waiting under the mutex the trigger needs.
	applied := make(chan struct{})
	go func() {
		s.Apply(nil)
		close(applied)
	}()

	close(sink.release)
	select {
	case <-applied:
	case <-time.After(10 * time.Second):
		t.Fatal("Apply blocked against the in-flight trigger")
	}
}

func waitForEvent(t *testing.T, events <-chan eventbus.Event, typ string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return
			}
		case <-deadline:
			t.Fatalf("event %q never published", typ)
		}
	}
}

func waitTerminal(t *testing.T, disp *dispatch.Service, taskID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := disp.Result(taskID); ok && st.Status.Terminal() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal state", taskID)
}
