package guardrail

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"trident/internal/config"
	logx "trident/pkg/logx"
)

type fakeChecker struct {
	mu         sync.Mutex
	freshCalls int
	nullCalls  int

	latest  time.Time
	fresErr error

	rate    float64
	rateErr error
}

func (f *fakeChecker) Freshness(ctx context.Context, table, column string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freshCalls++
	return f.latest, f.fresErr
}

func (f *fakeChecker) NullRate(ctx context.Context, table, column, where string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nullCalls++
	return f.rate, f.rateErr
}

func (f *fakeChecker) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.freshCalls, f.nullCalls
}

func floatPtr(v float64) *float64 { return &v }

func freshnessConfig(ttl string) *config.GuardrailsConfig {
	return &config.GuardrailsConfig{
		Enabled: true,
		Freshness: map[string]config.FreshnessCheck{
			"sales": {Table: "orders", TimestampColumn: "created_at", TTL: ttl},
		},
	}
}

func nullRateConfig(max float64) *config.GuardrailsConfig {
	return &config.GuardrailsConfig{
		Enabled: true,
		NullRate: map[string][]config.NullRateCheck{
			"sales": {{Table: "orders", Column: "customer_id", MaxNullRate: floatPtr(max), TTL: "1m"}},
		},
	}
}

func TestDisabledEngineAlwaysPasses(t *testing.T) {
	t.Parallel()
	chk := &fakeChecker{fresErr: errors.New("db down")}
	e := New(chk, &config.GuardrailsConfig{Enabled: false}, logx.Nop())

	v := e.Evaluate(context.Background(), "sales")
	if !v.OK {
		t.Fatalf("disabled engine returned failure: %+v", v)
	}
	if fc, _ := chk.calls(); fc != 0 {
		t.Fatalf("disabled engine probed the checker %d times", fc)
	}
}

func TestModuleWithoutContractsPasses(t *testing.T) {
	t.Parallel()
	chk := &fakeChecker{latest: time.Now()}
	e := New(chk, freshnessConfig("1m"), logx.Nop())

	if v := e.Evaluate(context.Background(), "logistics"); !v.OK {
		t.Fatalf("module without contracts failed: %+v", v)
	}
}

func TestFreshnessPassAndNoDataFail(t *testing.T) {
	t.Parallel()
	chk := &fakeChecker{latest: time.Now()}
	e := New(chk, freshnessConfig("1m"), logx.Nop())

	if v := e.Evaluate(context.Background(), "sales"); !v.OK {
		t.Fatalf("fresh table failed: %+v", v)
	}

	chk2 := &fakeChecker{} // zero latest: table empty
	e2 := New(chk2, freshnessConfig("1m"), logx.Nop())
	v := e2.Evaluate(context.Background(), "sales")
	if v.OK {
		t.Fatal("empty table passed freshness")
	}
	if !strings.Contains(v.Reason, "no recent data") {
		t.Fatalf("unexpected reason %q", v.Reason)
	}
}

func TestFreshnessProbeErrorFails(t *testing.T) {
	t.Parallel()
	chk := &fakeChecker{fresErr: errors.New("connection refused")}
	e := New(chk, freshnessConfig("1m"), logx.Nop())

	if v := e.Evaluate(context.Background(), "sales"); v.OK {
		t.Fatal("probe error passed freshness")
	}
}

func TestNullRateThreshold(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		rate float64
		ok   bool
	}{
		{name: "over threshold", rate: 0.15, ok: false},
		{name: "under threshold", rate: 0.05, ok: true},
		{name: "at threshold", rate: 0.1, ok: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			chk := &fakeChecker{rate: tt.rate}
			e := New(chk, nullRateConfig(0.1), logx.Nop())
			v := e.Evaluate(context.Background(), "sales")
			if v.OK != tt.ok {
				t.Fatalf("rate %.2f: ok=%v, want %v (%s)", tt.rate, v.OK, tt.ok, v.Reason)
			}
		})
	}
}

func TestIncompleteNullRateContractSkipped(t *testing.T) {
	t.Parallel()
	chk := &fakeChecker{rate: 0.99}
	cfg := &config.GuardrailsConfig{
		Enabled: true,
		NullRate: map[string][]config.NullRateCheck{
			"sales": {{Table: "orders", Column: "customer_id"}}, // no threshold
		},
	}
	e := New(chk, cfg, logx.Nop())
	if v := e.Evaluate(context.Background(), "sales"); !v.OK {
		t.Fatalf("incomplete contract failed instead of being skipped: %+v", v)
	}
	if _, nc := chk.calls(); nc != 0 {
		t.Fatalf("incomplete contract still probed %d times", nc)
	}
}

func TestCacheWithinTTLInvokesOnce(t *testing.T) {
	t.Parallel()
	chk := &fakeChecker{latest: time.Now()}
	e := New(chk, freshnessConfig("5m"), logx.Nop())

	base := time.Unix(1_700_000_000, 0)
	e.now = func() time.Time { return base }

	e.Evaluate(context.Background(), "sales")
	base = base.Add(2 * time.Minute)
	e.Evaluate(context.Background(), "sales")

	if fc, _ := chk.calls(); fc != 1 {
		t.Fatalf("probe invoked %d times within TTL, want 1", fc)
	}

	base = base.Add(10 * time.Minute)
	e.Evaluate(context.Background(), "sales")
	if fc, _ := chk.calls(); fc != 2 {
		t.Fatalf("probe invoked %d times after TTL expiry, want 2", fc)
	}
}

func TestCacheHoldsFailures(t *testing.T) {
	t.Parallel()
	chk := &fakeChecker{fresErr: errors.New("db down")}
	e := New(chk, freshnessConfig("5m"), logx.Nop())

	base := time.Unix(1_700_000_000, 0)
	e.now = func() time.Time { return base }

	if v := e.Evaluate(context.Background(), "sales"); v.OK {
		t.Fatal("expected failure")
	}
	base = base.Add(time.Minute)
	if v := e.Evaluate(context.Background(), "sales"); v.OK {
		t.Fatal("expected cached failure")
	}
	if fc, _ := chk.calls(); fc != 1 {
		t.Fatalf("failing probe invoked %d times within TTL, want 1", fc)
	}
}

func TestApplyDropsCache(t *testing.T) {
	t.Parallel()
	chk := &fakeChecker{latest: time.Now()}
	e := New(chk, freshnessConfig("5m"), logx.Nop())

	e.Evaluate(context.Background(), "sales")
	e.Apply(freshnessConfig("5m"))
	e.Evaluate(context.Background(), "sales")

	if fc, _ := chk.calls(); fc != 2 {
		t.Fatalf("probe invoked %d times across Apply, want 2", fc)
	}
}
