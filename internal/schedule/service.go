// Package schedule triggers configured workflows on cron or interval
// schedules. It is trigger-only: execution happens on the dispatcher via
// workflow.SubmitWorkflow, and a trigger that finds the previous run of
// the same workflow still in flight skips instead of stacking.
package schedule

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"trident/internal/config"
	"trident/internal/dispatch"
	"trident/internal/eventbus"
	"trident/internal/workflow"
	logx "trident/pkg/logx"
)

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	bus  eventbus.Bus
	exec *workflow.Executor
	disp *dispatch.Service

	parser cron.Parser
	c      *cron.Cron

	workflows []config.WorkflowConfig
	// active maps workflow name to its last submitted task id; a trigger
	// firing while that task is non-terminal is skipped.
	active map[string]string
}

func New(exec *workflow.Executor, disp *dispatch.Service, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		log:  log,
		bus:  bus,
		exec: exec,
		disp: disp,
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		active: map[string]string{},
	}
}

// Apply swaps the workflow set. Takes effect on the next Start; when the
// scheduler is running, it replaces the cron runner with one driving the
// new set. The old runner is drained outside the lock: an in-flight trigger
// needs s.mu to record its task id, so waiting under it would deadlock.
func (s *Service) Apply(workflows []config.WorkflowConfig) {
	s.mu.Lock()
	s.workflows = workflows
	var drained context.Context
	if s.c != nil {
		drained = s.c.Stop()
		s.c = cron.New(cron.WithParser(s.parser))
		s.registerLocked()
		s.c.Start()
	}
	s.mu.Unlock()

	if drained != nil {
		<-drained.Done()
	}
}

// Start registers all scheduled workflows and begins triggering. Workflows
// without a schedule are ignored here; they run on demand.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.c = cron.New(cron.WithParser(s.parser))
	registered := s.registerLocked()
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("schedules", registered))
}

// Stop halts triggering. In-flight workflow tasks keep running on the
// dispatcher; only future triggers stop.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) registerLocked() int {
	registered := 0
	for _, wf := range s.workflows {
		wf := wf
		if strings.TrimSpace(wf.Schedule) == "" || len(wf.Steps) == 0 {
			continue
		}
		spec, err := ParseSchedule(wf.Schedule)
		if err != nil {
			s.log.Error("invalid workflow schedule",
				logx.String("workflow", wf.Name), logx.String("schedule", wf.Schedule), logx.Err(err))
			continue
		}
		job := func() { s.trigger(wf) }
		switch spec.Kind {
		case SpecCron:
			if _, err := s.c.AddFunc(spec.Cron, job); err != nil {
				s.log.Error("invalid cron expression",
					logx.String("workflow", wf.Name), logx.String("cron", spec.Cron), logx.Err(err))
				continue
			}
		case SpecInterval:
			s.c.Schedule(cron.Every(spec.Every), cron.FuncJob(job))
		}
		registered++
		s.log.Debug("workflow scheduled",
			logx.String("workflow", wf.Name), logx.String("schedule", wf.Schedule))
	}
	return registered
}

func (s *Service) trigger(wf config.WorkflowConfig) {
	s.mu.Lock()
	if last, ok := s.active[wf.Name]; ok {
		if state, found := s.disp.Result(last); found && !state.Status.Terminal() {
			s.mu.Unlock()
			s.log.Warn("schedule trigger skipped, previous run still active",
				logx.String("workflow", wf.Name), logx.String("task_id", last))
			s.bus.Publish(eventbus.Event{
				Type: "workflow.skipped",
				Time: time.Now(),
				Data: map[string]any{"workflow": wf.Name, "task_id": last},
			})
			return
		}
	}
	s.mu.Unlock()

	taskID, runID, err := s.exec.SubmitWorkflow(s.disp, wf, "scheduler", wf.Retries)
	if err != nil {
		s.log.Error("scheduled workflow submit failed",
			logx.String("workflow", wf.Name), logx.Err(err))
		return
	}

	s.mu.Lock()
	s.active[wf.Name] = taskID
	s.mu.Unlock()

	s.log.Info("scheduled workflow submitted",
		logx.String("workflow", wf.Name),
		logx.String("task_id", taskID),
		logx.String("run_id", runID))
}
