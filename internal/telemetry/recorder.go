package telemetry

import (
	"context"
	"strings"
	"sync"

	"trident/internal/eventbus"
	logx "trident/pkg/logx"
)

// Recorder bridges the event bus into the sink: every task lifecycle event
// published by the dispatcher becomes an application_events row. It runs one
// goroutine and drops nothing beyond what the bus itself drops.
type Recorder struct {
	bus  eventbus.Bus
	sink Sink
	log  logx.Logger

	mu    sync.Mutex
	unsub func()
	done  chan struct{}
}

// NewRecorder builds a recorder; call Start to begin consuming.
func NewRecorder(bus eventbus.Bus, sink Sink, log logx.Logger) *Recorder {
	return &Recorder{bus: bus, sink: sink, log: log}
}

// Start subscribes to the bus and consumes until ctx is done or Stop is
// called. Safe to call once per recorder.
func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		return
	}
	ch, unsub := r.bus.Subscribe(64)
	r.unsub = unsub
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				r.record(ctx, ev)
			}
		}
	}()
}

// Stop unsubscribes and waits for the consumer goroutine to exit.
func (r *Recorder) Stop() {
	r.mu.Lock()
	unsub := r.unsub
	done := r.done
	r.mu.Unlock()
	if unsub == nil {
		return
	}
	unsub()
	if done != nil {
		<-done
	}
}

func (r *Recorder) record(ctx context.Context, ev eventbus.Event) {
	if !strings.HasPrefix(ev.Type, "task.") && !strings.HasPrefix(ev.Type, "workflow") {
		return
	}
	level := "info"
	switch ev.Type {
	case "task.failed", "task.dropped":
		level = "warn"
	case "task.retrying":
		level = "debug"
	}
	r.sink.RecordEvent(ctx, Event{
		Type:    ev.Type,
		Level:   level,
		Payload: ev.Data,
	})
}
