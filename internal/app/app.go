package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskd/internal/clock"
	"taskd/internal/config"
	"taskd/internal/directory"
	"taskd/internal/engine"
	"taskd/internal/eventbus"
	"taskd/internal/jobs"
	"taskd/internal/notifier"
	rtsup "taskd/internal/runtime/supervisor"
	"taskd/internal/storage"
	"taskd/internal/task"
	kit "taskd/internal/transport"
	logx "taskd/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store   storage.Store
	adapter kit.Adapter
	notif   *notifier.Service
	dir     *directory.Directory
	engine  *engine.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	logSvc, root := logx.New(logConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	ad, channel, err := newAdapter(cfg, root)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	ncfg, err := mapNotifierConfig(cfg, channel)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, ad, root, bus, store)

	ecfg, topts, err := mapEngineConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	topts.Sink = notif

	reg, err := buildRegistry(cfg, jobs.Deps{
		Purger:     store,
		Discoverer: jobs.NewSpeedtest(jobs.SpeedtestConfig{}),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	clk := clock.Real{}
	dir := directory.New(reg, store, directory.Options{Task: topts, Clock: clk, Log: root})

	lctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := dir.LoadAll(lctx); err != nil {
		log.Warn("some tasks failed to load", logx.Err(err))
	}
	cancel()

	eng := engine.New(ecfg, dir, engine.Options{
		Records: store,
		Alerts:  notif,
		Bus:     bus,
		Clock:   clk,
		Log:     root,
	})

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		notif:   notif,
		dir:     dir,
		engine:  eng,
	}, nil
}

// Logger is the root application logger.
func (a *App) Logger() logx.Logger { return a.log }

// Engine exposes the task operations.
func (a *App) Engine() *engine.Service { return a.engine }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error { return validateConfig(cfg) })

	a.notif.Start(a.sup.Context())
	a.engine.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// applyConfig hot-applies a validated config. Storage and transport changes
// need a restart.
func (a *App) applyConfig(c context.Context, prev, next *config.Config) {
	sections, attrs, tasks := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	for _, s := range sections {
		if s == "storage" || s == "telegram" {
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		}
	}

	a.logs.Apply(logConfig(next))

	if ecfg, _, err := mapEngineConfig(next); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		wasOn := a.engine.Enabled()
		a.engine.Apply(ecfg)
		switch {
		case wasOn && !ecfg.Enabled:
			a.log.Info("engine disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			_ = a.engine.Stop(stopCtx)
			cancel()
		case !wasOn && ecfg.Enabled:
			a.log.Info("engine enabled via config")
			a.engine.Start(c)
		}
	}

	if ncfg, err := mapNotifierConfig(next, a.notifChannel()); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasOn := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasOn && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasOn && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(c)
		}
	}

	a.applyTaskOverrides(c, next, tasks)

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// applyTaskOverrides pushes edited task overrides to the live tasks. A
// removed override leaves the task as it is.
func (a *App) applyTaskOverrides(c context.Context, cfg *config.Config, ids []string) {
	for _, id := range ids {
		ov, ok := cfg.Tasks[id]
		if !ok {
			continue
		}
		u := task.Update{Enabled: ov.Enabled}
		if ov.Config != nil {
			snap, err := a.engine.TaskStatus(id)
			if err != nil {
				a.log.Warn("task override skipped", logx.String("task", id), logx.Err(err))
				continue
			}
			u.Config = mergeConfig(snap.Config, ov.Config)
		}
		uctx, cancel := context.WithTimeout(c, 5*time.Second)
		_, err := a.engine.UpdateTaskConfig(uctx, id, u)
		cancel()
		if err != nil {
			a.log.Warn("task override rejected", logx.String("task", id), logx.Err(err))
		}
	}
}

func (a *App) notifChannel() string {
	if _, ok := a.adapter.(*kit.Breaker); ok {
		return "telegram"
	}
	return "log"
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	// step runs fn bounded by max and the caller's deadline. A step that
	// overruns is logged and left behind.
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
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Engine first: finishing runs still report through the notifier.
	step("engine", a.engine.ShutdownTimeout()+time.Second, a.engine.Stop)
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
