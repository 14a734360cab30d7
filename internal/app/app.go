// Package app is the composition root: it builds every component from the
// loaded config, starts them under one supervisor and stops them in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"studiobot/internal/adminapi"
	"studiobot/internal/audit"
	"studiobot/internal/autodeploy"
	"studiobot/internal/bot"
	"studiobot/internal/bots/database"
	"studiobot/internal/bots/deploy"
	"studiobot/internal/bots/lead"
	"studiobot/internal/config"
	"studiobot/internal/errhandler"
	"studiobot/internal/eventbus"
	"studiobot/internal/manager"
	"studiobot/internal/metrics"
	"studiobot/internal/notifier"
	rtsup "studiobot/internal/runtime/supervisor"
	"studiobot/internal/scheduler"
	"studiobot/internal/storage"
	logx "studiobot/pkg/logx"
	"studiobot/pkg/systemd"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopCommand    StopReason = "command"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Collector

	notif    *notifier.Service
	errs     *errhandler.Handler
	mgr      *manager.Manager
	deploys  *autodeploy.Trigger
	sched    *scheduler.Scheduler
	recorder *audit.Recorder
	admin    *adminapi.Server
	sd       systemd.Notifier

	stopOnce sync.Once
}

// New builds the component graph from cfgm. Nothing runs until Start; the
// manager and scheduler can still be driven directly for one-shot commands.
func New(cfgm *config.ConfigManager) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: bus, store: store}
	if err := a.build(cfg); err != nil {
		_ = store.Close()
		return nil, err
	}
	log.Info("app.built",
		logx.String("env", cfg.AppEnv),
		logx.String("storage", sc.Driver),
		logx.Int("bots", len(a.mgr.Registered())),
	)
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	if err := validateSchedule(cfg); err != nil {
		return err
	}
	a.metrics = metrics.NewCollector()

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	sender, err := mapAlertSender(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(ncfg, sender, a.log.With(logx.String("comp", "notifier")), a.bus)
	a.errs = errhandler.New(
		errhandler.WithAlerter(a.notif),
		errhandler.WithMetrics(a.metrics),
		errhandler.WithLogger(a.log.With(logx.String("comp", "errors"))),
	)

	md, err := mapManagerDefaults(cfg)
	if err != nil {
		return err
	}
	a.mgr = manager.New(
		manager.WithThreshold(md.Threshold),
		manager.WithBreakerTimeout(md.BreakerTimeout),
		manager.WithBotTimeout(md.Timeout),
		manager.WithErrorSink(a.errs),
		manager.WithBus(a.bus),
		manager.WithMetrics(a.metrics),
		manager.WithLogger(a.log.With(logx.String("comp", "manager"))),
	)

	adc, err := mapAutoDeployConfig(cfg)
	if err != nil {
		return err
	}
	a.deploys = autodeploy.New(adc, a.mgr,
		autodeploy.WithAuditLog(a.store),
		autodeploy.WithBus(a.bus),
		autodeploy.WithMetrics(a.metrics),
		autodeploy.WithLogger(a.log.With(logx.String("comp", "autodeploy"))),
	)

	if err := a.registerBots(cfg); err != nil {
		return err
	}

	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.mgr,
		scheduler.WithActivityLog(a.store),
		scheduler.WithBus(a.bus),
		scheduler.WithLogger(a.log.With(logx.String("comp", "scheduler"))),
	)

	a.recorder = audit.New(a.store, a.log.With(logx.String("comp", "audit")), a.metrics)

	acfg, err := mapAdminConfig(cfg)
	if err != nil {
		return err
	}
	a.admin = adminapi.NewServer(acfg, adminapi.Deps{
		Bots:       a.mgr,
		Scheduler:  a.sched,
		AutoDeploy: a.deploys,
		Errors:     a.errs,
		Alerts:     a.notif,
		Metrics:    a.metrics.Handler(),
	}, a.log.With(logx.String("comp", "adminapi")))
	return nil
}

func (a *App) registerBots(cfg *config.Config) error {
	overrides, err := mapBotOverrides(cfg)
	if err != nil {
		return err
	}
	deployer, err := mapDeployer(cfg)
	if err != nil {
		return err
	}
	if deployer == nil {
		a.log.Warn("deploy.api_not_configured", logx.String("hint", "deployment bot can only dry-run"))
	}
	factories := map[bot.Kind]bot.Factory{
		bot.KindDatabase:   database.Factory(a.store, a.deploys),
		bot.KindDeployment: deploy.Factory(deployer, deploy.Config{AppEnv: cfg.AppEnv}),
		bot.KindLead:       lead.Factory(a.store),
	}
	for _, kind := range bot.Kinds() {
		if err := a.mgr.Register(kind, factories[kind], overrides[kind]); err != nil {
			return fmt.Errorf("register %s: %w", kind, err)
		}
	}
	return nil
}

func (a *App) Logger() logx.Logger                  { return a.log }
func (a *App) Config() *config.Config               { return a.cfgm.Get() }
func (a *App) Manager() *manager.Manager            { return a.mgr }
func (a *App) Scheduler() *scheduler.Scheduler      { return a.sched }
func (a *App) AutoDeploy() *autodeploy.Trigger      { return a.deploys }
func (a *App) Store() storage.Store                 { return a.store }
func (a *App) Bus() eventbus.Bus                    { return a.bus }
func (a *App) Admin() *adminapi.Server              { return a.admin }
func (a *App) Metrics() *metrics.Collector          { return a.metrics }
func (a *App) ErrorHandler() *errhandler.Handler    { return a.errs }
func (a *App) Notifier() *notifier.Service          { return a.notif }
func (a *App) Supervisor() *rtsup.Supervisor        { return a.sup }
func (a *App) ConfigManager() *config.ConfigManager { return a.cfgm }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	// Reject reloads the components would refuse before they are committed.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := validateSchedule(cfg); err != nil {
			return err
		}
		if _, err := mapBotOverrides(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapAutoDeployConfig(cfg); err != nil {
			return err
		}
		_, err := mapAdminConfig(cfg)
		return err
	})

	a.sup.GoRestart("audit.recorder", func(c context.Context) error {
		return a.recorder.Run(c, a.bus)
	}, rtsup.WithPublishFirstError(true))

	a.notif.Start(run)

	if err := a.sched.Start(run); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("scheduler: %w", err)
	}

	a.admin.Start(run)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := a.sd.Ready(); err != nil {
		a.log.Warn("systemd.notify_failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd.ready")
	}
	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return a.sd.RunWatchdog(c, iv, a.healthy)
		})
	}

	a.log.Info("app.started")
	return nil
}

// healthy gates the systemd watchdog: a critical system stops the pings.
func (a *App) healthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.mgr.SystemHealth(ctx).Status != manager.SystemCritical
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes a committed config into the live components. Sections
// that only take effect on restart are reported, not applied.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config.reloaded_no_changes")
		return
	}
	_, _ = a.sd.Reloading()
	defer func() { _, _ = a.sd.Ready() }()

	a.logs.Apply(mapLoggingConfig(next))

	// Apply detaches the cron when scheduling is turned off; turning it on
	// needs an explicit Start.
	if err := a.sched.Apply(mapSchedulerConfig(next)); err != nil {
		a.log.Warn("scheduler.reload_rejected", logx.Err(err))
	} else if next.Scheduler.Enabled && !prev.Scheduler.Enabled {
		if err := a.sched.Start(ctx); err != nil {
			a.log.Warn("scheduler.start_failed", logx.Err(err))
		}
	}

	if adc, err := mapAutoDeployConfig(next); err != nil {
		a.log.Warn("autodeploy.reload_rejected", logx.Err(err))
	} else {
		a.deploys.Apply(adc)
	}

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("notifier.reload_rejected", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.notif.Start(ctx)
		}
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config.restart_required", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config.reloaded", fields...)
}

// Stop shuts components down in dependency order. Each step is bounded so
// one component cannot stall the whole stop. Stop is safe without Start and
// runs once.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var errs []error
	a.stopOnce.Do(func() {
		errs = a.stop(ctx, reason)
	})
	return errors.Join(errs...)
}

func (a *App) stop(ctx context.Context, reason StopReason) []error {
	a.log.Info("app.stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		_, _ = a.sd.Stopping()
		// Cancel the run context first so background loops start unwinding.
		a.sup.Cancel()
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			// Never extend the caller's deadline.
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("app.stop_step_skipped", logx.String("name", name))
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
			if err != nil {
				a.log.Warn("app.stop_step_error", logx.String("name", name), logx.Err(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
			a.log.Debug("app.stop_step_end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("app.stop_step_deadline", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("app.stop_step_late_error", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	step("adminapi", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("autodeploy", 5*time.Second, func(c context.Context) error { a.deploys.Stop(c); return nil })
	step("bots", 1*time.Second, func(context.Context) error { a.mgr.Shutdown(); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	if a.sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("app.stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	mu.Lock()
	defer mu.Unlock()
	return errs
}
