// Package app wires the correction daemon: registry, scheduler, workers,
// lease reaper and the optional HTTP, metrics and event relay surfaces.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"correctord/internal/artifacts"
	"correctord/internal/broker"
	"correctord/internal/config"
	"correctord/internal/correction"
	"correctord/internal/eventbus"
	"correctord/internal/httpapi"
	"correctord/internal/jobs"
	"correctord/internal/metrics"
	"correctord/internal/ratelimit"
	"correctord/internal/registry"
	"correctord/internal/runtime/supervisor"
	"correctord/internal/scheduler"
	"correctord/internal/worker"
	"correctord/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
)

type App struct {
	cfgm     *config.ConfigManager
	settings config.Settings

	sup  *supervisor.Supervisor
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	reg     registry.Registry
	sched   *scheduler.Scheduler
	jobs    *jobs.Service
	reaper  *jobs.Reaper
	workers []*worker.Worker
	metrics *metrics.Collector
	limiter ratelimit.Limiter
	relay   *broker.Relay
	auth    *httpapi.Auth
	httpSrv *http.Server
}

// New loads the config at cfgPath (empty means defaults plus environment)
// and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	if err := config.LoadDotEnv(config.DotEnvPaths(cfgPath)...); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	s, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	a := &App{
		cfgm:     cfgm,
		settings: s,
		log:      log.With(logx.Component("app")),
		logs:     logSvc,
		bus:      eventbus.New(),
	}

	a.reg, err = registry.Open(mapRegistryConfig(s), log.With(logx.Component("registry")))
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(s.SystemMaxWorkers, scheduler.WithLogger(log.With(logx.Component("scheduler"))))

	promReg := prometheus.NewRegistry()
	a.metrics = metrics.NewCollector(promReg, a.sched.Snapshot)

	a.limiter, err = ratelimit.New(ctx, mapRateLimitConfig(cfg))
	if err != nil {
		_ = a.reg.Close()
		return nil, err
	}

	a.jobs = jobs.NewService(a.reg, a.sched,
		jobs.WithLimiter(a.limiter),
		jobs.WithBus(a.bus),
		jobs.WithLogger(log.With(logx.Component("jobs"))),
		jobs.WithNotify(a.wakeWorkers),
	)
	a.reaper = jobs.NewReaper(a.jobs, s.LeaseTTL)

	var mirror artifacts.Mirror
	if mc, ok := mapMirrorConfig(cfg); ok {
		m, err := artifacts.NewS3Mirror(ctx, mc, log.With(logx.Component("mirror")))
		if err != nil {
			a.closeStores()
			return nil, err
		}
		mirror = m
	}

	correctors := correction.Set{Rule: correction.RuleCorrector{}}
	if ai, err := correction.NewAICorrector(mapAIConfig(cfg, s), nil); err == nil {
		correctors.AI = ai
	} else if !errors.Is(err, correction.ErrNotConfigured) {
		a.closeStores()
		return nil, err
	}

	for i := 0; i < s.Concurrency; i++ {
		id := worker.DefaultID()
		if s.WorkerID != "" {
			id = s.WorkerID
			if s.Concurrency > 1 {
				id = fmt.Sprintf("%s-%d", s.WorkerID, i+1)
			}
		}
		a.workers = append(a.workers, worker.New(mapWorkerConfig(s, id), worker.Deps{
			Registry:   a.reg,
			Scheduler:  a.sched,
			Correctors: correctors,
			Mirror:     mirror,
			Bus:        a.bus,
			Observer:   a.metrics,
			Log:        log.With(logx.Component("worker")),
		}))
	}

	if cfg.HTTP.Enabled {
		a.auth = httpapi.NewAuth(cfg.HTTP.JWTSecret)
		a.httpSrv = &http.Server{
			Addr: s.HTTPAddr,
			Handler: httpapi.NewRouter(httpapi.Options{
				Jobs:        a.jobs,
				Auth:        a.auth,
				Metrics:     a.metrics.Handler(),
				CORSOrigins: cfg.HTTP.CORSAllowedOrigins,
				Log:         log.With(logx.Component("http")),
			}),
			ReadHeaderTimeout: s.ReadHeaderTimeout,
		}
	}

	if cfg.Events.AMQP.Enabled {
		a.relay, err = broker.Dial(broker.Config{
			URL:        cfg.Events.AMQP.URL,
			Exchange:   cfg.Events.AMQP.ExchangeOrDefault(),
			RoutingKey: cfg.Events.AMQP.RoutingKey,
		}, log.With(logx.Component("events")))
		if err != nil {
			a.closeStores()
			return nil, err
		}
	}

	a.log.Info("app configured",
		logx.String("storage", s.StorageDriver),
		logx.Int("workers", len(a.workers)),
		logx.Int("system_max_workers", s.SystemMaxWorkers),
		logx.Bool("ai", correctors.AI != nil),
		logx.Bool("http", a.httpSrv != nil),
		logx.Bool("amqp", a.relay != nil),
		logx.Bool("mirror", mirror != nil),
	)
	return a, nil
}

func (a *App) Registry() registry.Registry { return a.reg }

func (a *App) Jobs() *jobs.Service { return a.jobs }

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

func (a *App) Settings() config.Settings { return a.settings }

// Done is closed when the supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) wakeWorkers() {
	for _, w := range a.workers {
		w.Wake()
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.Component("supervisor"))), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	if _, err := a.jobs.Recover(runCtx); err != nil {
		return err
	}

	for i, w := range a.workers {
		a.sup.GoRestart(fmt.Sprintf("worker.%d", i+1), w.Run)
	}

	if a.settings.ReaperEnabled {
		if err := a.reaper.Start(runCtx, a.settings.ReaperSchedule); err != nil {
			return err
		}
	}

	a.sup.Go("metrics.consume", func(c context.Context) error {
		a.metrics.Consume(c, a.bus)
		return nil
	})
	if a.relay != nil {
		a.sup.Go("events.relay", func(c context.Context) error {
			a.relay.Run(c, a.bus)
			return nil
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("job", e.Data.JobID), logx.String("document", e.Data.DocumentID))
			}
		}
	})

	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.applyReloads(c, sub)
		return nil
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	if a.httpSrv != nil {
		a.sup.Go("http", func(context.Context) error {
			a.log.Info("http listening", logx.String("addr", a.httpSrv.Addr))
			if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started")
	return nil
}

// applyReloads applies logging changes live and flags sections that need a restart.
func (a *App) applyReloads(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			sections, attrs := config.Summarize(last, next)
			last = next
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			if err := a.logs.Apply(mapLogConfig(next)); err != nil {
				a.log.Warn("log sinks partially applied", logx.Err(err))
			}
			if pending := config.RestartRequired(sections); len(pending) > 0 {
				a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", pending))
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

// logLoops reports what each supervised loop went through. Loops that
// restarted, panicked or did not stop are logged as warnings.
func (a *App) logLoops() {
	for _, st := range a.sup.Snapshot() {
		fields := []logx.Field{
			logx.String("loop", st.Name),
			logx.Uint64("started", st.Started),
			logx.Uint64("restarts", st.Restarts),
			logx.Uint64("panics", st.Panics),
		}
		if st.LastErr != "" {
			fields = append(fields, logx.String("last_err", st.LastErr))
		}
		if st.Active > 0 || st.Restarts > 0 || st.Panics > 0 {
			a.log.Warn("loop.stats", append(fields, logx.Int("active", st.Active))...)
			continue
		}
		a.log.Info("loop.stats", fields...)
	}
}

// Stop shuts everything down. Tasks still running are abandoned with their
// lease held; the reaper of the next process picks them up.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStores()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.httpSrv != nil {
		a.step(ctx, "http", 3*time.Second, a.httpSrv.Shutdown)
	}
	a.sup.Cancel()
	a.step(ctx, "reaper", 2*time.Second, func(context.Context) error { a.reaper.Stop(); return nil })
	a.step(ctx, "supervisor", 5*time.Second, a.sup.Wait)
	a.logLoops()
	if a.relay != nil {
		a.step(ctx, "events.relay", time.Second, func(context.Context) error { return a.relay.Close() })
	}
	a.closeStores()

	a.log.Info("stopped", logx.Uint64("events_dropped", eventbus.Dropped(a.bus)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStores() {
	if c, ok := a.limiter.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.log.Warn("ratelimit close failed", logx.Err(err))
		}
	}
	if a.reg != nil {
		if err := a.reg.Close(); err != nil {
			a.log.Warn("registry close failed", logx.Err(err))
		}
	}
}

// step runs one shutdown step bounded by max and the caller's deadline.
// A step that overruns is left running and reported when it finishes.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
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
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
