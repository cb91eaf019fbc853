package module

import (
	"context"
	"errors"
	"testing"
)

func handler() Handler {
	return HandlerFunc(func(ctx context.Context, in TaskInput) (TaskOutput, error) {
		return TaskOutput{Result: map[string]any{"ok": true}, Session: in.Session}, nil
	})
}

func TestNewTaskInputDefaults(t *testing.T) {
	t.Parallel()
	in, err := NewTaskInput("", "  hello  ", "", nil)
	if err != nil {
		t.Fatalf("NewTaskInput: %v", err)
	}
	if in.Prompt != "hello" {
		t.Fatalf("Prompt = %q", in.Prompt)
	}
	if in.Session != "default" {
		t.Fatalf("Session = %q", in.Session)
	}
	if in.Module != "unknown" {
		t.Fatalf("Module = %q", in.Module)
	}
}

func TestNewTaskInputBlankPrompt(t *testing.T) {
	t.Parallel()
	for _, prompt := range []string{"", "   ", "\t\n"} {
		if _, err := NewTaskInput("sales", prompt, "s1", nil); !errors.Is(err, ErrBlankPrompt) {
			t.Fatalf("NewTaskInput(%q) = %v, want ErrBlankPrompt", prompt, err)
		}
	}
}

func TestNewRegistryValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		defs []Definition
	}{
		{name: "empty name", defs: []Definition{{Name: "  ", Handler: handler()}}},
		{name: "nil handler", defs: []Definition{{Name: "sales"}}},
		{name: "duplicate", defs: []Definition{
			{Name: "sales", Handler: handler()},
			{Name: "Sales", Handler: handler()},
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRegistry(tt.defs, nil, ""); err == nil {
				t.Fatalf("NewRegistry accepted %s", tt.name)
			}
		})
	}
}

func TestNewRegistryUnknownDefault(t *testing.T) {
	t.Parallel()
	defs := []Definition{{Name: "sales", Handler: handler()}}
	if _, err := NewRegistry(defs, nil, "nonexistent"); err == nil {
		t.Fatal("unknown default accepted")
	}
}

func TestRegistryEnabledSubset(t *testing.T) {
	t.Parallel()
	defs := []Definition{
		{Name: "sales", Handler: handler()},
		{Name: "logistics", Handler: handler()},
		{Name: "general", Handler: handler()},
	}

	reg, err := NewRegistry(defs, []string{"sales", "ghost"}, "")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if !reg.IsEnabled("sales") {
		t.Fatal("sales should be enabled")
	}
	if reg.IsEnabled("logistics") {
		t.Fatal("logistics should be disabled")
	}
	if reg.IsEnabled("ghost") || reg.IsRegistered("ghost") {
		t.Fatal("unregistered name leaked into the enabled set")
	}
	// general is registered, so it becomes the default even while disabled.
	if reg.Default() != "general" {
		t.Fatalf("Default = %q", reg.Default())
	}
}

func TestRegistryEmptyEnabledMeansAll(t *testing.T) {
	t.Parallel()
	defs := []Definition{
		{Name: "sales", Handler: handler()},
		{Name: "logistics", Handler: handler()},
	}
	reg, err := NewRegistry(defs, nil, "")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if len(reg.Enabled()) != 2 {
		t.Fatalf("Enabled = %v", reg.Enabled())
	}
}

func TestRegistryHandlerLookup(t *testing.T) {
	t.Parallel()
	defs := []Definition{
		{Name: "sales", Handler: handler()},
		{Name: "logistics", Handler: handler()},
	}
	reg, err := NewRegistry(defs, []string{"sales"}, "sales")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if _, err := reg.Handler("sales"); err != nil {
		t.Fatalf("Handler(sales): %v", err)
	}
	if _, err := reg.Handler("logistics"); !errors.Is(err, ErrModuleDisabled) {
		t.Fatalf("Handler(logistics) = %v, want ErrModuleDisabled", err)
	}
	if _, err := reg.Handler("nope"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("Handler(nope) = %v, want ErrUnknown", err)
	}
}
