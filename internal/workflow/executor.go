// Package workflow sequences routed steps: resolve the module, gate on
// guardrails, invoke the handler, merge the response, and emit telemetry.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"trident/internal/config"
	"trident/internal/dispatch"
	"trident/internal/guardrail"
	"trident/internal/module"
	"trident/internal/route"
	"trident/internal/telemetry"
	logx "trident/pkg/logx"
)

// Response is the merged step result returned to callers. Handler result
// keys sit alongside underscore-prefixed engine metadata (_module,
// _session_id, _trace_id and friends).
type Response map[string]any

// Err returns the response's error message, or "" for a success response.
func (r Response) Err() string {
	if r == nil {
		return ""
	}
	if msg, ok := r["error"].(string); ok {
		return msg
	}
	return ""
}

func errResponse(msg string) Response { return Response{"error": msg} }

// StepRequest is one unit of routed work.
type StepRequest struct {
	// Module optionally names the target handler; empty means infer from
	// the prompt.
	Module  string
	Prompt  string
	Session string
	Params  map[string]any
	TraceID string
	// RunID ties telemetry rows to a workflow run; empty for ad-hoc steps.
	RunID string
}

// StepResult pairs the resolved module with its merged response.
type StepResult struct {
	Module   string   `json:"module"`
	Response Response `json:"response"`
}

// Summary counts a finished run's steps and errors.
type Summary struct {
	Steps  int `json:"steps"`
	Errors int `json:"errors"`
}

// Executor routes and runs steps against the registered modules.
type Executor struct {
	reg      *module.Registry
	resolver *route.Resolver
	guards   *guardrail.Engine
	sink     telemetry.Sink
	log      logx.Logger
}

// New builds an executor. sink may be telemetry.NopSink{} but not nil.
func New(reg *module.Registry, resolver *route.Resolver, guards *guardrail.Engine, sink telemetry.Sink, log logx.Logger) *Executor {
	return &Executor{reg: reg, resolver: resolver, guards: guards, sink: sink, log: log}
}

// ExecuteStep resolves and runs one step. Failures of any kind come back as
// an error response; the only hard error a caller sees is a panic-free nil.
func (e *Executor) ExecuteStep(ctx context.Context, req StepRequest) Response {
	requested := strings.ToLower(strings.TrimSpace(req.Module))
	traceID := req.TraceID
	if traceID == "" {
		traceID = req.RunID
	}

	resolved, err := e.resolver.Resolve(requested, req.Prompt)
	if err != nil {
		e.log.Error("module resolution failed", logx.Err(err), logx.String("requested", requested))
		return errResponse(err.Error())
	}

	log := e.log.With(
		logx.String("module", resolved),
		logx.String("trace_id", traceID),
		logx.String("run_id", req.RunID),
	)
	log.Info("routing request", logx.String("requested", orAuto(requested)))

	if !e.reg.IsEnabled(resolved) {
		log.Warn("module disabled after resolution")
		e.sink.RecordEvent(ctx, telemetry.Event{
			RunID: req.RunID, Type: "module_disabled", Level: "warn",
			Payload: map[string]any{"module": resolved},
		})
		return errResponse(fmt.Sprintf("module %q is disabled or unknown", resolved))
	}

	if verdict := e.guards.Evaluate(ctx, resolved); !verdict.OK {
		log.Warn("guardrail failure", logx.String("reason", verdict.Reason))
		e.sink.RecordEvent(ctx, telemetry.Event{
			RunID: req.RunID, Type: "guardrail_failed", Level: "warn",
			Payload: map[string]any{"module": resolved, "message": verdict.Reason},
		})
		return errResponse(verdict.Reason)
	}

	input, err := module.NewTaskInput(resolved, req.Prompt, req.Session, req.Params)
	if err != nil {
		log.Error("invalid step payload", logx.Err(err))
		e.sink.RecordEvent(ctx, telemetry.Event{
			RunID: req.RunID, Type: "invalid_payload", Level: "warn",
			Payload: map[string]any{"module": resolved, "error": err.Error()},
		})
		return errResponse(err.Error())
	}

	handler, err := e.reg.Handler(resolved)
	if err != nil {
		log.Error("handler lookup failed", logx.Err(err))
		e.sink.RecordEvent(ctx, telemetry.Event{
			RunID: req.RunID, Type: "handler_lookup_failed", Level: "error",
			Payload: map[string]any{"module": resolved, "error": err.Error()},
		})
		return errResponse(err.Error())
	}

	start := time.Now()
	out, err := invoke(ctx, handler, input)
	took := time.Since(start)
	if err != nil {
		log.Error("handler execution failed", logx.Err(err), logx.Duration("took", took))
		e.sink.RecordAction(ctx, telemetry.Action{
			RunID: req.RunID, Module: resolved, Type: "handle",
			Request:  input,
			Response: map[string]any{"error": err.Error()},
			Duration: took,
			Error:    err.Error(),
		})
		e.sink.RecordEvent(ctx, telemetry.Event{
			RunID: req.RunID, Type: "handler_execution_failed", Level: "error",
			Payload: map[string]any{"module": resolved, "error": err.Error()},
		})
		return errResponse(err.Error())
	}

	resp := merge(out, resolved, requested, input.Session, traceID)

	e.sink.RecordAction(ctx, telemetry.Action{
		RunID: req.RunID, Module: resolved, Type: "handle",
		Request: input, Response: resp,
		Duration: took, Error: resp.Err(),
	})
	if msg := resp.Err(); msg != "" {
		log.Warn("handler returned error response", logx.String("error", msg))
		e.sink.RecordEvent(ctx, telemetry.Event{
			RunID: req.RunID, Type: "handler_response_error", Level: "warn",
			Payload: map[string]any{"module": resolved, "error": msg},
		})
	} else {
		log.Info("handler execution completed", logx.Duration("took", took))
	}
	return resp
}

// invoke shields the engine from a panicking handler.
func invoke(ctx context.Context, h module.Handler, in module.TaskInput) (out module.TaskOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h.Handle(ctx, in)
}

// merge flattens a handler output into the wire response. Handler result
// keys win over engine metadata except where the handler already set an
// underscore key itself.
func merge(out module.TaskOutput, resolved, requested, session, traceID string) Response {
	resp := make(Response, len(out.Result)+8)
	for k, v := range out.Result {
		resp[k] = v
	}
	if len(out.Metrics) > 0 {
		resp["_metrics"] = out.Metrics
	}
	if len(out.Context) > 0 {
		resp["_context"] = out.Context
	}
	if len(out.ToolTraces) > 0 {
		resp["_tool_traces"] = out.ToolTraces
	}
	if len(out.Handoffs) > 0 {
		resp["_handoffs"] = out.Handoffs
	}
	setDefault(resp, "_module", resolved)
	if requested != "" && requested != resolved {
		setDefault(resp, "_requested_module", requested)
	}
	sess := out.Session
	if sess == "" {
		sess = session
	}
	setDefault(resp, "_session_id", sess)
	setDefault(resp, "_trace_id", traceID)
	return resp
}

func setDefault(r Response, key string, val any) {
	if _, ok := r[key]; !ok {
		r[key] = val
	}
}

func orAuto(requested string) string {
	if requested == "" {
		return "auto"
	}
	return requested
}

// ExecuteWorkflow runs steps in order. A failing step records its error and
// the workflow continues; the caller inspects per-step responses.
func (e *Executor) ExecuteWorkflow(ctx context.Context, steps []config.StepConfig, runID, traceID string) []StepResult {
	results := make([]StepResult, 0, len(steps))
	for i, step := range steps {
		session := step.Session
		if session == "" {
			session = "default"
		}
		if runID != "" {
			e.sink.RecordEvent(ctx, telemetry.Event{
				RunID: runID, Type: "workflow_step_started",
				Payload: map[string]any{"step_index": i, "module": step.Module, "session_id": session},
			})
		}
		resp := e.ExecuteStep(ctx, StepRequest{
			Module:  step.Module,
			Prompt:  step.Input,
			Session: session,
			TraceID: traceID,
			RunID:   runID,
		})
		resolved := step.Module
		if m, ok := resp["_module"].(string); ok && m != "" {
			resolved = m
		}
		results = append(results, StepResult{Module: resolved, Response: resp})
		if runID != "" {
			evType, level := "workflow_step_completed", "info"
			if resp.Err() != "" {
				evType, level = "workflow_step_failed", "error"
			}
			e.sink.RecordEvent(ctx, telemetry.Event{
				RunID: runID, Type: evType, Level: level,
				Payload: map[string]any{
					"step_index": i, "module": step.Module,
					"session_id": session, "error": nilIfEmpty(resp.Err()),
				},
			})
		}
	}
	return results
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Summarize counts steps and error responses in results.
func Summarize(results []StepResult) Summary {
	sum := Summary{Steps: len(results)}
	for _, r := range results {
		if r.Response.Err() != "" {
			sum.Errors++
		}
	}
	return sum
}

// RunWorkflow wraps ExecuteWorkflow in a persisted workflow run: a
// workflow_runs row is created, moved to running, and finished with a
// summary. The run always finishes; step errors mark steps, not the run.
func (e *Executor) RunWorkflow(ctx context.Context, wf config.WorkflowConfig, triggerUser string, async bool) (string, []StepResult, error) {
	if len(wf.Steps) == 0 {
		return "", nil, errors.New("workflow has no steps")
	}
	runID := uuid.NewString()
	e.sink.StartRun(ctx, telemetry.Run{
		ID: runID, Workflow: workflowName(wf), TriggerUser: triggerUser,
		Session: primarySession(wf), Async: async, Request: wf,
	})
	e.sink.UpdateRun(ctx, runID, telemetry.RunRunning)
	e.sink.RecordEvent(ctx, telemetry.Event{
		RunID: runID, Type: "workflow_started",
		Payload: map[string]any{"step_count": len(wf.Steps), "workflow_name": workflowName(wf), "async": async},
	})

	results := e.ExecuteWorkflow(ctx, stepsWithSession(wf), runID, runID)

	sum := Summarize(results)
	e.sink.FinishRun(ctx, runID, telemetry.RunResult{Status: telemetry.RunCompleted, Summary: sum})
	e.sink.RecordEvent(ctx, telemetry.Event{
		RunID: runID, Type: "workflow_completed",
		Payload: map[string]any{"summary": sum, "workflow_name": workflowName(wf)},
	})
	e.log.Info("workflow completed",
		logx.String("workflow", workflowName(wf)),
		logx.String("run_id", runID),
		logx.Int("steps", sum.Steps),
		logx.Int("errors", sum.Errors))
	return runID, results, nil
}

// SubmitWorkflow queues a run on the dispatcher and returns (taskID, runID).
// The run row is created up-front in queued state so it is visible while
// the task waits; retries re-execute the whole workflow.
func (e *Executor) SubmitWorkflow(disp *dispatch.Service, wf config.WorkflowConfig, triggerUser string, retries int) (string, string, error) {
	if len(wf.Steps) == 0 {
		return "", "", errors.New("workflow has no steps")
	}
	runID := uuid.NewString()
	e.sink.StartRun(context.Background(), telemetry.Run{
		ID: runID, Workflow: workflowName(wf), TriggerUser: triggerUser,
		Session: primarySession(wf), Async: true, Request: wf,
	})

	taskID, err := disp.Submit(func(ctx context.Context) (any, error) {
		e.sink.UpdateRun(ctx, runID, telemetry.RunRunning)
		results := e.ExecuteWorkflow(ctx, stepsWithSession(wf), runID, runID)
		sum := Summarize(results)
		e.sink.FinishRun(ctx, runID, telemetry.RunResult{Status: telemetry.RunCompleted, Summary: sum})
		return sum, nil
	},
		dispatch.WithName("workflow:"+workflowName(wf)),
		dispatch.WithRetries(retries),
		dispatch.WithMetadata(map[string]any{"workflow_run_id": runID}),
	)
	if err != nil {
		e.sink.FinishRun(context.Background(), runID, telemetry.RunResult{
			Status: telemetry.RunFailed, Error: err.Error(),
		})
		return "", runID, err
	}
	return taskID, runID, nil
}

func workflowName(wf config.WorkflowConfig) string {
	if wf.Name != "" {
		return wf.Name
	}
	return "custom_workflow"
}

// stepsWithSession fills empty step sessions with the workflow default.
func stepsWithSession(wf config.WorkflowConfig) []config.StepConfig {
	if wf.Session == "" {
		return wf.Steps
	}
	out := make([]config.StepConfig, len(wf.Steps))
	copy(out, wf.Steps)
	for i := range out {
		if out[i].Session == "" {
			out[i].Session = wf.Session
		}
	}
	return out
}

func primarySession(wf config.WorkflowConfig) string {
	if wf.Session != "" {
		return wf.Session
	}
	for _, s := range wf.Steps {
		if s.Session != "" {
			return s.Session
		}
	}
	return "default"
}
