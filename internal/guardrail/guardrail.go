// Package guardrail gates module execution on data-quality contracts.
//
// Two contract kinds exist: freshness (the table must expose a most-recent
// timestamp at all) and null-rate (the fraction of NULLs in a column must
// stay under a threshold). Verdicts are cached per module and kind for a
// configurable TTL so hot request paths do not hammer the quality store.
package guardrail

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trident/internal/config"
	logx "trident/pkg/logx"
)

// Checker probes the quality store. Implementations live outside this
// package so the engine stays storage-agnostic.
type Checker interface {
	// Freshness returns the newest timestamp in table.column.
	Freshness(ctx context.Context, table, column string) (time.Time, error)
	// NullRate returns the NULL fraction (0..1) of table.column, optionally
	// restricted by a WHERE clause.
	NullRate(ctx context.Context, table, column, where string) (float64, error)
}

// Verdict is the outcome of evaluating a module's contracts.
type Verdict struct {
	OK      bool      `json:"ok"`
	Module  string    `json:"module"`
	Reason  string    `json:"reason,omitempty"`
	Checked time.Time `json:"checked"`
}

// Pass builds a passing verdict for module at ts.
func Pass(moduleName string, ts time.Time) Verdict {
	return Verdict{OK: true, Module: moduleName, Checked: ts}
}

// Fail builds a failing verdict with a human-readable reason.
func Fail(moduleName, reason string, ts time.Time) Verdict {
	return Verdict{OK: false, Module: moduleName, Reason: reason, Checked: ts}
}

type cacheEntry struct {
	verdict Verdict
	expires time.Time
}

// Engine evaluates the configured contracts on demand.
//
// Verdicts (passing and failing alike) are cached for the contract's TTL so
// a flapping table does not alternate costly probes with every request.
type Engine struct {
	mu      sync.Mutex
	checker Checker
	log     logx.Logger

	enabled   bool
	freshness map[string]config.FreshnessCheck
	nullRates map[string][]config.NullRateCheck

	cache map[string]cacheEntry

	now func() time.Time
}

const defaultTTL = 5 * time.Minute

// New builds an engine over checker. cfg may be nil, which disables all
// contract evaluation.
func New(checker Checker, cfg *config.GuardrailsConfig, log logx.Logger) *Engine {
	e := &Engine{
		checker: checker,
		log:     log,
		cache:   make(map[string]cacheEntry),
		now:     time.Now,
	}
	e.Apply(cfg)
	return e
}

// Apply swaps the contract set. Cached verdicts are discarded so the new
// contracts take effect immediately.
func (e *Engine) Apply(cfg *config.GuardrailsConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg == nil || !cfg.Enabled {
		e.enabled = false
		e.freshness = nil
		e.nullRates = nil
		e.cache = make(map[string]cacheEntry)
		return
	}
	e.enabled = true
	e.freshness = cfg.Freshness
	e.nullRates = cfg.NullRate
	e.cache = make(map[string]cacheEntry)
}

// Enabled reports whether any contracts are active.
func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// Evaluate runs the contracts registered for moduleName. A module with no
// contracts, or a disabled engine, always passes. The first failing contract
// short-circuits the rest.
func (e *Engine) Evaluate(ctx context.Context, moduleName string) Verdict {
	e.mu.Lock()
	enabled := e.enabled
	fresh, hasFresh := e.freshness[moduleName]
	nulls := e.nullRates[moduleName]
	now := e.now()
	e.mu.Unlock()

	if !enabled || (!hasFresh && len(nulls) == 0) {
		return Pass(moduleName, now)
	}

	if hasFresh {
		if v, ok := e.cached("fresh:"+moduleName, now); ok {
			if !v.OK {
				return v
			}
		} else {
			v, ttl := e.checkFreshness(ctx, moduleName, fresh, now)
			e.store("fresh:"+moduleName, v, now, ttl)
			if !v.OK {
				return v
			}
		}
	}

	for i, nc := range nulls {
		key := fmt.Sprintf("null:%s:%d", moduleName, i)
		if v, ok := e.cached(key, now); ok {
			if !v.OK {
				return v
			}
			continue
		}
		v, ttl := e.checkNullRate(ctx, moduleName, nc, now)
		e.store(key, v, now, ttl)
		if !v.OK {
			return v
		}
	}

	return Pass(moduleName, now)
}

func (e *Engine) cached(key string, now time.Time) (Verdict, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.cache[key]
	if !ok || now.After(entry.expires) {
		return Verdict{}, false
	}
	return entry.verdict, true
}

func (e *Engine) store(key string, v Verdict, now time.Time, ttl time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache[key] = cacheEntry{verdict: v, expires: now.Add(ttl)}
}

func (e *Engine) checkFreshness(ctx context.Context, moduleName string, fc config.FreshnessCheck, now time.Time) (Verdict, time.Duration) {
	ttl, err := config.ParseDurationOrDefault("guardrails.freshness.ttl", fc.TTL, defaultTTL)
	if err != nil {
		return Fail(moduleName, err.Error(), now), defaultTTL
	}
	latest, err := e.checker.Freshness(ctx, fc.Table, fc.TimestampColumn)
	if err != nil {
		// A probe error blocks the module; the operator should know the
		// quality store itself is unhealthy.
		e.log.Warn("freshness probe failed",
			logx.String("module", moduleName),
			logx.String("table", fc.Table),
			logx.Err(err))
		return Fail(moduleName, fmt.Sprintf("freshness probe %s.%s: %v", fc.Table, fc.TimestampColumn, err), now), ttl
	}
	if latest.IsZero() {
		return Fail(moduleName, fmt.Sprintf("%s.%s has no recent data", fc.Table, fc.TimestampColumn), now), ttl
	}
	return Pass(moduleName, now), ttl
}

func (e *Engine) checkNullRate(ctx context.Context, moduleName string, nc config.NullRateCheck, now time.Time) (Verdict, time.Duration) {
	ttl, err := config.ParseDurationOrDefault("guardrails.null_rate.ttl", nc.TTL, defaultTTL)
	if err != nil {
		return Fail(moduleName, err.Error(), now), defaultTTL
	}
	if nc.Table == "" || nc.Column == "" || nc.MaxNullRate == nil {
		// Incomplete contracts are skipped rather than failed so a partial
		// config rollout does not take a module down.
		e.log.Debug("skipping incomplete null-rate contract", logx.String("module", moduleName))
		return Pass(moduleName, now), ttl
	}
	threshold := *nc.MaxNullRate
	rate, err := e.checker.NullRate(ctx, nc.Table, nc.Column, nc.Where)
	if err != nil {
		e.log.Warn("null-rate probe failed",
			logx.String("module", moduleName),
			logx.String("table", nc.Table),
			logx.Err(err))
		return Fail(moduleName, fmt.Sprintf("null-rate probe %s.%s: %v", nc.Table, nc.Column, err), now), ttl
	}
	if rate > threshold {
		return Fail(moduleName, fmt.Sprintf("%s.%s null rate %.3f exceeds %.3f", nc.Table, nc.Column, rate, threshold), now), ttl
	}
	return Pass(moduleName, now), ttl
}
