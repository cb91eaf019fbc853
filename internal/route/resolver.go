// Package route resolves an inbound request to the module that should handle
// it: an explicit hint wins, keyword inference over the request text comes
// next, and a configured default catches the rest.
package route

import (
	"fmt"
	"sort"
	"strings"

	"trident/internal/module"
	logx "trident/pkg/logx"
)

// Resolver picks a target module for a request. It only reads the registry,
// which is immutable, so a Resolver is safe for concurrent use.
type Resolver struct {
	reg *module.Registry
	log logx.Logger
}

func New(reg *module.Registry, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{reg: reg, log: log}
}

// Resolve returns the module that should handle a request.
//
// Priority:
//  1. requested, when it names a registered and enabled module;
//  2. the enabled module with the highest keyword score in freeText
//     (ties break to the lexicographically smallest name, so inference is
//     deterministic);
//  3. the registry default when enabled, else the lexicographically first
//     enabled module, else the lexicographically first registered module.
//
// An empty registry is a configuration error.
func (r *Resolver) Resolve(requested, freeText string) (string, error) {
	if r.reg.Empty() {
		return "", module.ErrNoModules
	}

	candidate := strings.ToLower(strings.TrimSpace(requested))
	if candidate != "" && r.reg.IsRegistered(candidate) && r.reg.IsEnabled(candidate) {
		return candidate, nil
	}

	if inferred := r.infer(freeText); inferred != "" {
		r.log.Debug("module inferred from text", logx.String("module", inferred), logx.String("requested", requested))
		return inferred, nil
	}

	return r.fallback()
}

// infer scores every enabled module by counting case-insensitive substring
// occurrences of its keywords in text. Returns "" when nothing matches.
func (r *Resolver) infer(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return ""
	}

	best := ""
	bestScore := 0
	for _, name := range sortedNames(r.reg.Enabled()) {
		score := 0
		for _, kw := range r.reg.Keywords()[name] {
			kw = strings.ToLower(kw)
			if kw == "" {
				continue
			}
			score += strings.Count(text, kw)
		}
		// Strictly-greater keeps the lexicographic winner on ties because
		// names are visited in sorted order.
		if score > bestScore {
			best = name
			bestScore = score
		}
	}
	return best
}

func (r *Resolver) fallback() (string, error) {
	if def := r.reg.Default(); def != "" && r.reg.IsEnabled(def) {
		return def, nil
	}
	if enabled := sortedNames(r.reg.Enabled()); len(enabled) > 0 {
		return enabled[0], nil
	}
	// Nothing enabled: fall through to the registered set so a
	// misconfigured enabled-list still routes somewhere deterministic.
	if available := sortedNames(r.reg.Available()); len(available) > 0 {
		return available[0], nil
	}
	return "", fmt.Errorf("%w: no fallback candidate", module.ErrNoModules)
}

func sortedNames(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}
