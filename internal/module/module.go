// Package module defines the domain-handler boundary: the Handler interface
// the engine dispatches to, the typed input/output exchanged with handlers,
// and the Registry that owns the module table.
package module

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoModules is a configuration error: routing is impossible with an
	// empty registry.
	ErrNoModules = errors.New("no modules registered")
	// ErrUnknown marks lookups of names absent from the registry.
	ErrUnknown = errors.New("unknown module")
	// ErrModuleDisabled marks lookups of registered but disabled modules.
	ErrModuleDisabled = errors.New("module disabled")
	// ErrBlankPrompt rejects task inputs without prompt text.
	ErrBlankPrompt = errors.New("input prompt must be provided")
)

// TaskInput is the typed request handed to a domain handler.
type TaskInput struct {
	Module  string         `json:"module"`
	Prompt  string         `json:"prompt"`
	Session string         `json:"session_id"`
	Params  map[string]any `json:"parameters,omitempty"`
}

// NewTaskInput validates and normalizes a handler request.
// A blank prompt is a validation error; an empty session becomes "default".
func NewTaskInput(moduleName, prompt, session string, params map[string]any) (TaskInput, error) {
	p := strings.TrimSpace(prompt)
	if p == "" {
		return TaskInput{}, ErrBlankPrompt
	}
	if strings.TrimSpace(session) == "" {
		session = "default"
	}
	if moduleName == "" {
		moduleName = "unknown"
	}
	return TaskInput{Module: moduleName, Prompt: p, Session: session, Params: params}, nil
}

// TaskOutput is the canonical handler result. Handlers returning legacy map
// shapes should be wrapped at the boundary (see HandlerFunc users in cmd).
type TaskOutput struct {
	Result     map[string]any   `json:"result"`
	Session    string           `json:"session_id"`
	Module     string           `json:"module"`
	Metrics    map[string]any   `json:"metrics,omitempty"`
	Context    map[string]any   `json:"context,omitempty"`
	ToolTraces []map[string]any `json:"tool_traces,omitempty"`
	Handoffs   []map[string]any `json:"handoffs,omitempty"`
}

// Handler processes a routed request. Implementations live outside the
// engine; they may block on I/O and should honor ctx cancellation.
type Handler interface {
	Handle(ctx context.Context, in TaskInput) (TaskOutput, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, in TaskInput) (TaskOutput, error)

func (f HandlerFunc) Handle(ctx context.Context, in TaskInput) (TaskOutput, error) {
	return f(ctx, in)
}

// Definition declares one module for registry construction.
type Definition struct {
	Name string
	// Keywords drive inference when a request names no module. Matching is
	// case-insensitive substring counting, so partial stems ("manufactur")
	// are valid entries.
	Keywords []string
	Handler  Handler
}

// Registry is the module table: handlers, keyword hints, the enabled subset,
// and the default module. It is immutable after construction and safe for
// concurrent use without locking.
type Registry struct {
	defs       []Definition
	byName     map[string]Definition
	enabled    map[string]bool
	defaultMod string
}

// NewRegistry builds a registry from definitions.
//
// enabledNames selects the enabled subset (empty means all registered are
// enabled); names not present in defs are ignored so a config listing a
// module that never got registered does not brick startup. defaultName may
// be empty, in which case "general" is preferred when registered.
func NewRegistry(defs []Definition, enabledNames []string, defaultName string) (*Registry, error) {
	byName := make(map[string]Definition, len(defs))
	for _, d := range defs {
		name := strings.ToLower(strings.TrimSpace(d.Name))
		if name == "" {
			return nil, errors.New("module name is required")
		}
		if d.Handler == nil {
			return nil, fmt.Errorf("module %q has no handler", name)
		}
		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("duplicate module %q", name)
		}
		d.Name = name
		byName[name] = d
	}

	enabled := make(map[string]bool, len(byName))
	if len(enabledNames) == 0 {
		for name := range byName {
			enabled[name] = true
		}
	} else {
		for _, name := range enabledNames {
			name = strings.ToLower(strings.TrimSpace(name))
			if _, ok := byName[name]; ok {
				enabled[name] = true
			}
		}
	}

	defaultName = strings.ToLower(strings.TrimSpace(defaultName))
	if defaultName == "" {
		if _, ok := byName["general"]; ok {
			defaultName = "general"
		}
	} else if _, ok := byName[defaultName]; !ok {
		return nil, fmt.Errorf("default module %q is not registered", defaultName)
	}

	return &Registry{defs: defs, byName: byName, enabled: enabled, defaultMod: defaultName}, nil
}

// Definitions returns the registered definitions in registration order.
func (r *Registry) Definitions() []Definition {
	return append([]Definition(nil), r.defs...)
}

// Available returns all registered module names.
func (r *Registry) Available() []string {
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	return out
}

// Enabled returns the enabled module names.
func (r *Registry) Enabled() []string {
	out := make([]string, 0, len(r.enabled))
	for name := range r.enabled {
		out = append(out, name)
	}
	return out
}

func (r *Registry) IsRegistered(name string) bool {
	_, ok := r.byName[strings.ToLower(name)]
	return ok
}

func (r *Registry) IsEnabled(name string) bool {
	return r.enabled[strings.ToLower(name)]
}

// Default returns the configured fallback module name ("" when none).
func (r *Registry) Default() string { return r.defaultMod }

// Keywords returns each registered module's keyword list.
func (r *Registry) Keywords() map[string][]string {
	out := make(map[string][]string, len(r.byName))
	for name, d := range r.byName {
		out[name] = d.Keywords
	}
	return out
}

// Handler returns the handler for an enabled module.
func (r *Registry) Handler(name string) (Handler, error) {
	name = strings.ToLower(name)
	d, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	if !r.enabled[name] {
		return nil, fmt.Errorf("%w: %s", ErrModuleDisabled, name)
	}
	return d.Handler, nil
}

// Empty reports whether no modules are registered at all.
func (r *Registry) Empty() bool { return len(r.byName) == 0 }
