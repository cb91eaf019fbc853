package telemetry

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"trident/internal/config"
	logx "trident/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(config.TelemetryConfig{Path: filepath.Join(t.TempDir(), "telemetry.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRunLifecycleRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	st.StartRun(ctx, Run{
		ID: "run-1", Workflow: "daily-report", TriggerUser: "ops",
		Session: "s1", Async: true, Request: map[string]any{"prompt": "totals"},
	})
	st.UpdateRun(ctx, "run-1", RunRunning)
	st.FinishRun(ctx, "run-1", RunResult{Status: RunCompleted, Summary: map[string]any{"steps": 3}})

	var status, summary string
	var completed any
	err := st.db.QueryRow(`SELECT status, result_summary, completed_at FROM workflow_runs WHERE id='run-1'`).
		Scan(&status, &summary, &completed)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if status != "completed" {
		t.Fatalf("status = %s, want completed", status)
	}
	if !strings.Contains(summary, `"steps":3`) {
		t.Fatalf("summary = %s", summary)
	}
	if completed == nil {
		t.Fatal("completed_at not set")
	}
}

func TestFailedRunStoresError(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	st.StartRun(ctx, Run{ID: "run-2", Workflow: "ad-hoc"})
	st.FinishRun(ctx, "run-2", RunResult{Status: RunFailed, Error: "handler exploded"})

	var status string
	var errCol string
	if err := st.db.QueryRow(`SELECT status, error FROM workflow_runs WHERE id='run-2'`).Scan(&status, &errCol); err != nil {
		t.Fatalf("query: %v", err)
	}
	if status != "failed" || errCol != "handler exploded" {
		t.Fatalf("got status=%s error=%s", status, errCol)
	}
}

func TestRecordEventAndAction(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	st.RecordEvent(ctx, Event{RunID: "run-3", Type: "workflow_step_failed", Payload: map[string]any{"step": 2}})
	st.RecordAction(ctx, Action{
		RunID: "run-3", Module: "sales", Type: "handle",
		Request:  map[string]any{"prompt": "q2 revenue"},
		Response: map[string]any{"total": 42},
		Duration: 1500 * time.Millisecond,
	})

	var level, payload string
	if err := st.db.QueryRow(`SELECT event_level, event_payload FROM application_events WHERE workflow_run_id='run-3'`).Scan(&level, &payload); err != nil {
		t.Fatalf("query event: %v", err)
	}
	if level != "info" || !strings.Contains(payload, `"step":2`) {
		t.Fatalf("event level=%s payload=%s", level, payload)
	}

	var durationMS int64
	if err := st.db.QueryRow(`SELECT duration_ms FROM agent_actions WHERE workflow_run_id='run-3'`).Scan(&durationMS); err != nil {
		t.Fatalf("query action: %v", err)
	}
	if durationMS != 1500 {
		t.Fatalf("duration_ms = %d, want 1500", durationMS)
	}
}

func TestToJSONTruncatesLargePayloads(t *testing.T) {
	t.Parallel()
	big := strings.Repeat("x", 3*maxPayloadChars)
	out := toJSON(map[string]string{"blob": big})

	var env map[string]any
	if err := json.Unmarshal([]byte(out), &env); err != nil {
		t.Fatalf("truncation envelope is not JSON: %v", err)
	}
	if env["_truncated"] != true {
		t.Fatalf("missing _truncated marker: %v", env)
	}
	if _, ok := env["length"].(float64); !ok {
		t.Fatalf("missing length: %v", env)
	}
	preview, _ := env["preview"].(string)
	if len(preview) != maxPayloadChars {
		t.Fatalf("preview length = %d, want %d", len(preview), maxPayloadChars)
	}
}

func TestToJSONNil(t *testing.T) {
	t.Parallel()
	if got := toJSON(nil); got != "{}" {
		t.Fatalf("toJSON(nil) = %s", got)
	}
}

func TestRateLimiterDropsOverBudget(t *testing.T) {
	t.Parallel()
	st, err := Open(config.TelemetryConfig{
		Path:       filepath.Join(t.TempDir(), "telemetry.db"),
		RatePerSec: 1,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		st.RecordEvent(ctx, Event{Type: "task.completed"})
	}
	if st.Dropped() == 0 {
		t.Fatal("limiter dropped nothing across 50 rapid writes at 1/sec")
	}
}
