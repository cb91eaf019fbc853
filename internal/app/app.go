// Package app wires the engine together: config, logging, event bus,
// telemetry, guardrails, dispatcher, module registry, workflow executor,
// and the workflow scheduler, with hot reload over the config file.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"trident/internal/config"
	"trident/internal/dispatch"
	"trident/internal/eventbus"
	"trident/internal/guardrail"
	"trident/internal/module"
	"trident/internal/quality"
	"trident/internal/route"
	"trident/internal/runtime/supervisor"
	"trident/internal/schedule"
	"trident/internal/telemetry"
	"trident/internal/workflow"
	logx "trident/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	sink  telemetry.Sink
	store *telemetry.Store
	probe *quality.Probe

	guards *guardrail.Engine
	disp   *dispatch.Service
	reg    *module.Registry
	exec   *workflow.Executor
	rec    *telemetry.Recorder
	sched  *schedule.Service
}

// New loads configuration and wires every component. defs is the module
// table; at least one module must be registered for routing to work.
func New(cfgPath string, defs []module.Definition) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Telemetry sink (optional).
	var (
		sink  telemetry.Sink = telemetry.NopSink{}
		store *telemetry.Store
	)
	if cfg.Telemetry != nil && cfg.Telemetry.Driver == "sqlite" {
		st, err := telemetry.Open(*cfg.Telemetry, log.With(logx.String("comp", "telemetry")))
		if err != nil {
			logSvc.Close()
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		sink = st
		store = st
		log.Info("telemetry enabled", logx.String("path", cfg.Telemetry.Path))
	}

	// Quality probe backs the guardrail checks (optional).
	var (
		probe   *quality.Probe
		checker guardrail.Checker = failingChecker{}
	)
	if cfg.Quality != nil && cfg.Quality.Driver == "sqlite" {
		p, err := quality.Open(*cfg.Quality, log.With(logx.String("comp", "quality")))
		if err != nil {
			if store != nil {
				_ = store.Close()
			}
			logSvc.Close()
			return nil, fmt.Errorf("quality: %w", err)
		}
		probe = p
		checker = p
		log.Info("quality probes enabled", logx.String("path", cfg.Quality.Path))
	}

	guards := guardrail.New(checker, cfg.Guardrails, log.With(logx.String("comp", "guardrail")))

	dispCfg, err := mapDispatcherConfig(cfg)
	if err != nil {
		if probe != nil {
			_ = probe.Close()
		}
		if store != nil {
			_ = store.Close()
		}
		logSvc.Close()
		return nil, err
	}
	disp := dispatch.New(dispCfg, log.With(logx.String("comp", "dispatch")), bus)

	reg, err := module.NewRegistry(defs, cfg.Modules.Enabled, cfg.Modules.Default)
	if err != nil {
		if probe != nil {
			_ = probe.Close()
		}
		if store != nil {
			_ = store.Close()
		}
		logSvc.Close()
		return nil, fmt.Errorf("modules: %w", err)
	}

	resolver := route.New(reg, log.With(logx.String("comp", "route")))
	exec := workflow.New(reg, resolver, guards, sink, log.With(logx.String("comp", "workflow")))
	rec := telemetry.NewRecorder(bus, sink, log.With(logx.String("comp", "telemetry")))
	sched := schedule.New(exec, disp, log.With(logx.String("comp", "schedule")), bus)
	sched.Apply(cfg.Workflows)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		sink:    sink,
		store:   store,
		probe:   probe,
		guards:  guards,
		disp:    disp,
		reg:     reg,
		exec:    exec,
		rec:     rec,
		sched:   sched,
	}, nil
}

// Executor exposes the workflow executor for transports (CLI, HTTP).
func (a *App) Executor() *workflow.Executor { return a.exec }

// Dispatcher exposes the task engine for ad-hoc submissions and polling.
func (a *App) Dispatcher() *dispatch.Service { return a.disp }

// Registry exposes the module table.
func (a *App) Registry() *module.Registry { return a.reg }

// Done is closed when the supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapDispatcherConfig(cfg); err != nil {
			return err
		}
		if _, err := module.NewRegistry(a.reg.Definitions(), cfg.Modules.Enabled, cfg.Modules.Default); err != nil {
			return fmt.Errorf("modules: %w", err)
		}
		for _, wf := range cfg.Workflows {
			if strings.TrimSpace(wf.Schedule) == "" {
				continue
			}
			if _, err := schedule.ParseSchedule(wf.Schedule); err != nil {
				return fmt.Errorf("workflow %q: %w", wf.Name, err)
			}
		}
		return nil
	})

	if a.disp.Enabled() {
		a.disp.Start(a.sup.Context())
	}
	a.rec.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("engine started")
	return nil
}

// applyConfig applies a validated config to the running services. Logging,
// dispatcher flags, guardrails, and workflow schedules take effect live;
// module topology and storage paths need a restart.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a.guards.Apply(cfg.Guardrails)

	prevEnabled := a.disp.Enabled()
	dispCfg, err := mapDispatcherConfig(cfg)
	if err != nil {
		a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dispCfg)
		if prevEnabled && !dispCfg.Enabled {
			a.log.Info("dispatcher disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.disp.Stop(stopCtx)
			cancel()
		} else if !prevEnabled && dispCfg.Enabled {
			a.log.Info("dispatcher enabled via config")
			a.disp.Start(ctx)
		}
	}

	a.sched.Apply(cfg.Workflows)

	if changedModules(a.reg, cfg.Modules) {
		a.log.Warn("module config changed; restart required for changes to take effect")
	}
	if cfg.Telemetry != nil && a.store == nil && cfg.Telemetry.Driver == "sqlite" {
		a.log.Warn("telemetry config changed; restart required for changes to take effect")
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		// Never started (one-shot CLI modes): just release resources.
		_ = a.sink.Close()
		if a.probe != nil {
			_ = a.probe.Close()
		}
		a.logs.Close()
		return nil
	}
	a.log.Info("stopping")

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("dispatcher", 5*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("recorder", 1*time.Second, func(context.Context) error { a.rec.Stop(); return nil })
	step("telemetry", 1*time.Second, func(context.Context) error { return a.sink.Close() })
	step("quality", 1*time.Second, func(context.Context) error {
		if a.probe != nil {
			return a.probe.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

func changedModules(reg *module.Registry, mc config.ModulesConfig) bool {
	next, err := module.NewRegistry(reg.Definitions(), mc.Enabled, mc.Default)
	if err != nil {
		return true
	}
	if next.Default() != reg.Default() {
		return true
	}
	cur := reg.Enabled()
	nxt := next.Enabled()
	if len(cur) != len(nxt) {
		return true
	}
	set := make(map[string]bool, len(cur))
	for _, n := range cur {
		set[n] = true
	}
	for _, n := range nxt {
		if !set[n] {
			return true
		}
	}
	return false
}

// failingChecker is used when guardrails are enabled without a quality
// database: contracts fail closed instead of silently passing.
type failingChecker struct{}

func (failingChecker) Freshness(context.Context, string, string) (time.Time, error) {
	return time.Time{}, fmt.Errorf("no quality database configured")
}

func (failingChecker) NullRate(context.Context, string, string, string) (float64, error) {
	return 0, fmt.Errorf("no quality database configured")
}

func mapDispatcherConfig(cfg *config.Config) (dispatch.Config, error) {
	out := dispatch.Config{
		Enabled:   true,
		Workers:   2,
		QueueSize: 256,
		RetryMax:  1,
	}
	dc := cfg.Dispatcher
	if dc == nil {
		return out, nil
	}
	if dc.Enabled != nil {
		out.Enabled = *dc.Enabled
	}
	if dc.Workers < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatcher.workers must be >= 0")
	}
	if dc.Workers > 0 {
		out.Workers = dc.Workers
	}
	if dc.QueueSize < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatcher.queue_size must be >= 0")
	}
	if dc.QueueSize > 0 {
		out.QueueSize = dc.QueueSize
	}
	if dc.RetryMax < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatcher.retry_max must be >= 0")
	}
	if dc.RetryMax > 0 {
		out.RetryMax = dc.RetryMax
	}
	d, err := config.ParseDurationField("dispatcher.default_timeout", dc.DefaultTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	out.DefaultTimeout = d
	return out, nil
}
