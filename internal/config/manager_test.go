package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return NewManager(path)
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.yaml", `
logging:
  level: debug
  console: true
dispatcher:
  workers: 4
  queue_size: 64
  retry_max: 2
  default_timeout: 30s
modules:
  enabled: [sales, general]
  default: general
guardrails:
  enabled: true
  freshness:
    sales:
      table: orders
      timestamp_column: created_at
      ttl: 5m
workflows:
  - name: daily
    schedule: "*/5 * * * *"
    steps:
      - module: sales
        input: totals
`)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Dispatcher == nil || cfg.Dispatcher.Workers != 4 || cfg.Dispatcher.DefaultTimeout != "30s" {
		t.Fatalf("dispatcher = %+v", cfg.Dispatcher)
	}
	if cfg.Modules.Default != "general" || len(cfg.Modules.Enabled) != 2 {
		t.Fatalf("modules = %+v", cfg.Modules)
	}
	fc, ok := cfg.Guardrails.Freshness["sales"]
	if !ok || fc.Table != "orders" || fc.TTL != "5m" {
		t.Fatalf("guardrails = %+v", cfg.Guardrails)
	}
	if len(cfg.Workflows) != 1 || cfg.Workflows[0].Steps[0].Input != "totals" {
		t.Fatalf("workflows = %+v", cfg.Workflows)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.yaml", `
logging:
  level: info
  verbosity: high
`)
	if _, err := m.Parse(); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.json", `{"logging":{"level":"warn","console":false}}`)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: "10s", want: 10 * time.Second},
		{raw: "2h30m", want: 2*time.Hour + 30*time.Minute},
		{raw: "-5s", wantErr: true},
		{raw: "fast", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("test.field", tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseDurationField(%q) accepted", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseDurationField(%q): %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("ParseDurationField(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestLoadWorkflowFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "wf.yaml")
	body := `
name: report
session: ops
steps:
  - module: sales
    input: totals for q2
  - input: infer this one
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	wf, err := LoadWorkflowFile(path)
	if err != nil {
		t.Fatalf("LoadWorkflowFile: %v", err)
	}
	if wf.Name != "report" || len(wf.Steps) != 2 {
		t.Fatalf("wf = %+v", wf)
	}
	if wf.Steps[1].Module != "" {
		t.Fatalf("step module = %q", wf.Steps[1].Module)
	}
}

func TestLoadWorkflowFileRejectsEmpty(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "wf.yaml")
	if err := os.WriteFile(path, []byte("name: empty\nsteps: []\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadWorkflowFile(path); err == nil {
		t.Fatal("empty workflow accepted")
	}
}
