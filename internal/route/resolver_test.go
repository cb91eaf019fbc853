package route

import (
	"context"
	"errors"
	"testing"

	"trident/internal/module"
	logx "trident/pkg/logx"
)

func noopHandler() module.Handler {
	return module.HandlerFunc(func(ctx context.Context, in module.TaskInput) (module.TaskOutput, error) {
		return module.TaskOutput{Module: in.Module, Session: in.Session}, nil
	})
}

func testRegistry(t *testing.T, enabled []string, def string) *module.Registry {
	t.Helper()
	defs := []module.Definition{
		{Name: "sales", Keywords: module.BuiltinKeywords["sales"], Handler: noopHandler()},
		{Name: "logistics", Keywords: module.BuiltinKeywords["logistics"], Handler: noopHandler()},
		{Name: "accounting", Keywords: module.BuiltinKeywords["accounting"], Handler: noopHandler()},
		{Name: "general", Handler: noopHandler()},
	}
	reg, err := module.NewRegistry(defs, enabled, def)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestResolveExplicitWins(t *testing.T) {
	t.Parallel()
	r := New(testRegistry(t, nil, ""), logx.Nop())

	// Free text screams logistics; the explicit hint must still win.
	got, err := r.Resolve("sales", "inventory stock warehouse shipping")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "sales" {
		t.Fatalf("Resolve = %s, want sales", got)
	}
}

func TestResolveKeywordInference(t *testing.T) {
	t.Parallel()
	r := New(testRegistry(t, nil, ""), logx.Nop())

	tests := []struct {
		name string
		text string
		want string
	}{
		{name: "logistics only", text: "how much stock is in the warehouse for delivery", want: "logistics"},
		{name: "sales repeated", text: "revenue revenue revenue vs one invoice", want: "sales"},
		{name: "case insensitive", text: "WAREHOUSE Inventory", want: "logistics"},
		{name: "substring stems", text: "reconciled ledgers", want: "accounting"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve("", tt.text)
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tt.text, err)
			}
			if got != tt.want {
				t.Fatalf("Resolve(%q) = %s, want %s", tt.text, got, tt.want)
			}
		})
	}
}

func TestResolveTieBreakLexicographic(t *testing.T) {
	t.Parallel()
	r := New(testRegistry(t, nil, ""), logx.Nop())

	// One keyword hit each for accounting and logistics.
	got, err := r.Resolve("", "invoice for the warehouse")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "accounting" {
		t.Fatalf("tie resolved to %s, want accounting (lexicographic)", got)
	}
}

func TestResolveDisabledFallsBack(t *testing.T) {
	t.Parallel()
	// logistics registered but not enabled; default is general.
	r := New(testRegistry(t, []string{"sales", "general"}, "general"), logx.Nop())

	got, err := r.Resolve("", "warehouse stock shipping")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "general" {
		t.Fatalf("Resolve = %s, want default general when logistics disabled", got)
	}

	// Explicit requests for a disabled module also fall through.
	got, err = r.Resolve("logistics", "warehouse")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "general" {
		t.Fatalf("Resolve = %s, want general", got)
	}
}

func TestResolveDefaultFallback(t *testing.T) {
	t.Parallel()

	// No keyword match, no default configured: lexicographically first enabled.
	r := New(testRegistry(t, []string{"sales", "logistics"}, ""), logx.Nop())
	got, err := r.Resolve("", "tell me something nice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "logistics" {
		t.Fatalf("Resolve = %s, want logistics (first enabled, sorted)", got)
	}
}

func TestResolveEmptyRegistry(t *testing.T) {
	t.Parallel()
	reg, err := module.NewRegistry(nil, nil, "")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	r := New(reg, logx.Nop())
	if _, err := r.Resolve("", "anything"); !errors.Is(err, module.ErrNoModules) {
		t.Fatalf("Resolve = %v, want ErrNoModules", err)
	}
}
