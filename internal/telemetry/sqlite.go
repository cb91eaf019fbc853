package telemetry

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"trident/internal/config"
	logx "trident/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the SQLite-backed Sink. Every write goes through a rate limiter;
// writes over budget are dropped and counted rather than queued, so a
// telemetry storm cannot back-pressure the dispatch path.
type Store struct {
	db  *sql.DB
	log logx.Logger

	limiter *rate.Limiter
	dropped atomic.Uint64
}

// Open opens (or creates) the telemetry database and applies migrations.
func Open(cfg config.TelemetryConfig, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("telemetry path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}
	db, err := sql.Open(driver, cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy, err := config.ParseDurationOrDefault("telemetry.busy_timeout", cfg.BusyTimeout, 5*time.Second)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log, limiter: newLimiter(cfg.RatePerSec)}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func newLimiter(perSec int) *rate.Limiter {
	if perSec <= 0 {
		perSec = 50
	}
	return rate.NewLimiter(rate.Limit(perSec), perSec)
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Dropped returns the number of writes discarded by the rate limiter.
func (s *Store) Dropped() uint64 { return s.dropped.Load() }

// exec is the fire-and-forget write path. Persistence failures are logged
// at debug and swallowed.
func (s *Store) exec(ctx context.Context, what, query string, args ...any) {
	if s == nil || s.db == nil {
		return
	}
	if !s.limiter.Allow() {
		s.dropped.Add(1)
		return
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		s.log.Debug("telemetry write failed", logx.String("what", what), logx.Err(err))
	}
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func (s *Store) StartRun(ctx context.Context, run Run) {
	now := nowRFC3339()
	s.exec(ctx, "workflow_run",
		`INSERT INTO workflow_runs(id, workflow_name, trigger_user, session_id, is_async, request_payload, status, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Workflow, nullStr(run.TriggerUser), nullStr(run.Session), run.Async,
		toJSON(run.Request), string(RunQueued), now, now,
	)
}

func (s *Store) UpdateRun(ctx context.Context, runID string, status RunStatus) {
	s.exec(ctx, "workflow_run_status",
		`UPDATE workflow_runs SET status=?, updated_at=? WHERE id=?`,
		string(status), nowRFC3339(), runID,
	)
}

func (s *Store) FinishRun(ctx context.Context, runID string, res RunResult) {
	now := nowRFC3339()
	s.exec(ctx, "workflow_run_finish",
		`UPDATE workflow_runs SET status=?, result_summary=?, error=?, updated_at=?, completed_at=? WHERE id=?`,
		string(res.Status), toJSON(res.Summary), nullStr(res.Error), now, now, runID,
	)
}

func (s *Store) RecordEvent(ctx context.Context, ev Event) {
	level := ev.Level
	if level == "" {
		level = "info"
	}
	s.exec(ctx, "application_event",
		`INSERT INTO application_events(workflow_run_id, event_type, event_level, event_payload, created_at)
		 VALUES(?,?,?,?,?)`,
		nullStr(ev.RunID), ev.Type, level, toJSON(ev.Payload), nowRFC3339(),
	)
}

func (s *Store) RecordAction(ctx context.Context, act Action) {
	s.exec(ctx, "agent_action",
		`INSERT INTO agent_actions(workflow_run_id, module, action_type, request_payload, response_payload, duration_ms, error, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		nullStr(act.RunID), act.Module, act.Type, toJSON(act.Request), toJSON(act.Response),
		act.Duration.Milliseconds(), nullStr(act.Error), nowRFC3339(),
	)
}
