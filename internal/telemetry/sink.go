// Package telemetry persists workflow runs, application events, and handler
// actions. Writes are fire-and-forget: a broken sink degrades observability,
// never request handling.
package telemetry

import (
	"context"
	"time"
)

// RunStatus mirrors the workflow-run lifecycle stored in the sink.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run describes a workflow run at creation time.
type Run struct {
	ID          string
	Workflow    string
	TriggerUser string
	Session     string
	Async       bool
	Request     any
}

// RunResult carries the terminal fields for FinishRun.
type RunResult struct {
	Status  RunStatus
	Summary any
	Error   string
}

// Event is an application-level event attached to a run.
type Event struct {
	RunID   string
	Type    string
	Level   string
	Payload any
}

// Action records one handler invocation inside a run.
type Action struct {
	RunID    string
	Module   string
	Type     string
	Request  any
	Response any
	Duration time.Duration
	Error    string
}

// Sink is the telemetry persistence interface. Implementations must never
// block the caller on persistence failures; they log and move on.
type Sink interface {
	StartRun(ctx context.Context, run Run)
	UpdateRun(ctx context.Context, runID string, status RunStatus)
	FinishRun(ctx context.Context, runID string, res RunResult)
	RecordEvent(ctx context.Context, ev Event)
	RecordAction(ctx context.Context, act Action)
	Close() error
}

// NopSink discards everything. Used when telemetry is not configured.
type NopSink struct{}

func (NopSink) StartRun(context.Context, Run)                {}
func (NopSink) UpdateRun(context.Context, string, RunStatus) {}
func (NopSink) FinishRun(context.Context, string, RunResult) {}
func (NopSink) RecordEvent(context.Context, Event)           {}
func (NopSink) RecordAction(context.Context, Action)         {}
func (NopSink) Close() error                                 { return nil }
