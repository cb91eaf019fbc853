package config

// Config is the root configuration for the trident engine.
//
// One file, YAML or JSON. YAML is coerced to JSON so both formats share the
// strict decoder (unknown fields are rejected to catch typos on hot reload).
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Dispatcher controls the async task queue and worker pool.
	// If omitted, the dispatcher runs with defaults (2 workers, queue 256).
	Dispatcher *DispatcherConfig `json:"dispatcher,omitempty"`

	// Modules controls which domain modules are enabled and which one is the
	// routing default when keyword inference finds nothing.
	Modules ModulesConfig `json:"modules"`

	// Guardrails configures data-quality preconditions per module.
	// The whole block is gated by its Enabled flag (the "contracts" switch).
	Guardrails *GuardrailsConfig `json:"guardrails,omitempty"`

	// Telemetry configures the run/step/action sink.
	Telemetry *TelemetryConfig `json:"telemetry,omitempty"`

	// Quality configures the database the built-in freshness/null-rate
	// probes run against.
	Quality *QualityConfig `json:"quality,omitempty"`

	// Workflows are named step sequences. A workflow with a schedule is
	// submitted to the dispatcher on each trigger.
	Workflows []WorkflowConfig `json:"workflows,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DispatcherConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Enabled is a pointer so we can distinguish "omitted" (default true)
// from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 2
//   - queue_size: 256
//   - retry_max: 1
//   - default_timeout: "0s" (disabled)
type DispatcherConfig struct {
	Enabled   *bool `json:"enabled,omitempty"`
	Workers   int   `json:"workers,omitempty"`
	QueueSize int   `json:"queue_size,omitempty"`
	RetryMax  int   `json:"retry_max,omitempty"`

	// DefaultTimeout is a Go duration string (e.g. "10s", "1m").
	// Use "0s" to disable a global default timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

// ModulesConfig selects enabled modules from the registered set.
//
// If Enabled is empty, every registered module is enabled.
// Default names the fallback module for keyword inference misses; it defaults
// to "general" when a module by that name is registered.
type ModulesConfig struct {
	Enabled []string `json:"enabled,omitempty"`
	Default string   `json:"default,omitempty"`
}

// GuardrailsConfig mirrors the engine's two guardrail kinds.
//
// Keys of Freshness and NullRate are module names.
type GuardrailsConfig struct {
	Enabled   bool                       `json:"enabled"`
	Freshness map[string]FreshnessCheck  `json:"freshness,omitempty"`
	NullRate  map[string][]NullRateCheck `json:"null_rate,omitempty"`
}

// FreshnessCheck gates a module on a table having any recent timestamp.
type FreshnessCheck struct {
	Table           string `json:"table"`
	TimestampColumn string `json:"timestamp_column"`
	// TTL is a Go duration string; cached verdicts (pass or fail) are reused
	// within this window. Default "5m".
	TTL string `json:"ttl,omitempty"`
}

// NullRateCheck gates a module on a column's null ratio staying under a threshold.
type NullRateCheck struct {
	Table  string `json:"table"`
	Column string `json:"column"`
	Where  string `json:"where,omitempty"`
	// MaxNullRate is required; a missing threshold disables the check.
	MaxNullRate *float64 `json:"max_null_rate"`
	// TTL as in FreshnessCheck. Default "5m".
	TTL string `json:"ttl,omitempty"`
}

// TelemetryConfig controls the persistence sink for runs/steps/actions.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "" or "none": telemetry disabled (a no-op sink is used)
type TelemetryConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
	// RatePerSec caps event writes; writes over budget are dropped and
	// counted. 0 means a default of 50.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// QualityConfig points the built-in data-quality probes at a database.
//
// Driver values: "sqlite", or ""/"none" to rely on an externally supplied
// checker (guardrails fail closed if none is provided while enabled).
type QualityConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// WorkflowConfig is a named, optionally scheduled step sequence.
type WorkflowConfig struct {
	Name string `json:"name"`
	// Schedule accepts a cron expression ("*/5 * * * *", "@hourly"), a Go
	// duration ("30m"), or HH:MM. Empty means on-demand only.
	Schedule string `json:"schedule,omitempty"`
	// Session is the default session id for steps that do not set one.
	Session string `json:"session,omitempty"`
	// Retries is the retry budget when the workflow runs as a queued task.
	Retries int          `json:"retries,omitempty"`
	Steps   []StepConfig `json:"steps"`
}

// StepConfig is one workflow step. Module may be omitted; the resolver then
// infers it from the input text.
type StepConfig struct {
	Module  string `json:"module,omitempty"`
	Input   string `json:"input"`
	Session string `json:"session,omitempty"`
}
