package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"taskd/internal/clock"
	"taskd/internal/eventbus"
	rtsup "taskd/internal/runtime/supervisor"
	logx "taskd/pkg/logx"
)

// Service is the scheduler loop. Each tick it asks the directory for due
// schedules, admits tasks under the concurrency budget and launches their
// runs without blocking the loop.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	dir     Directory
	records Records
	alerts  Alerter
	bus     eventbus.Bus
	clock   clock.Clock
	log     logx.Logger

	// active holds every task with a run in flight, scheduled or manual.
	active map[string]struct{}

	loop *rtsup.Supervisor // nil when not started
	runs *rtsup.Supervisor
	wake chan struct{}
}

type Options struct {
	Records Records
	Alerts  Alerter
	Bus     eventbus.Bus
	Clock   clock.Clock
	Log     logx.Logger
}

func New(cfg Config, dir Directory, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	log := opts.Log.With(logx.String("comp", "engine"))
	return &Service{
		cfg:     cfg.withDefaults(),
		dir:     dir,
		records: opts.Records,
		alerts:  opts.Alerts,
		bus:     opts.Bus,
		clock:   opts.Clock,
		log:     log,
		active:  map[string]struct{}{},
		runs:    rtsup.New(context.Background(), rtsup.WithLogger(log)),
		wake:    make(chan struct{}, 1),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// ShutdownTimeout is how long Stop waits for in-flight runs.
func (s *Service) ShutdownTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.ShutdownTimeout
}

// Apply hot-applies cfg. A changed interval takes effect from the next wait.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()
	if prev.CheckInterval != cfg.CheckInterval {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	if prev != cfg {
		s.log.Info("engine config applied",
			logx.Duration("check_interval", cfg.CheckInterval),
			logx.Int("max_concurrent", cfg.MaxConcurrent),
			logx.Duration("shutdown_timeout", cfg.ShutdownTimeout),
		)
	}
}

// Start launches the loop. It is idempotent and a no-op while disabled;
// the API methods work either way.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loop != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("engine disabled; scheduled runs are off")
		return
	}
	s.loop = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.loop.GoRestart("engine.loop", s.run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	s.log.Info("engine started",
		logx.Duration("check_interval", s.cfg.CheckInterval),
		logx.Duration("settle_delay", s.cfg.SettleDelay),
		logx.Int("max_concurrent", s.cfg.MaxConcurrent),
	)
}

// Stop stops the loop, then waits up to ShutdownTimeout (bounded by ctx)
// for in-flight runs. Runs are never cancelled.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	loop := s.loop
	s.loop = nil
	timeout := s.cfg.ShutdownTimeout
	s.mu.Unlock()

	if loop != nil {
		if err := loop.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("engine loop stop", logx.Err(err))
		}
	}

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.runs.Wait(wctx); err != nil && wctx.Err() != nil {
		s.log.Warn("shutdown drain timed out; runs left in flight", logx.Any("active", s.activeIDs()))
		return nil
	}
	s.log.Info("engine stopped")
	return nil
}

func (s *Service) run(ctx context.Context) error {
	s.mu.Lock()
	settle := s.cfg.SettleDelay
	s.mu.Unlock()

	timer := time.NewTimer(settle)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
			// Re-arm with the new interval.
			timer.Stop()
			timer.Reset(s.interval())
			continue
		case <-timer.C:
		}
		s.safeTick(ctx)
		timer.Reset(s.interval())
	}
}

func (s *Service) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.CheckInterval
}

// safeTick runs one tick; a failure is logged and the loop carries on.
func (s *Service) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("engine tick panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			s.publish(eventbus.EngineTickFail, eventbus.TaskEvent{Reason: fmt.Sprint(r)})
		}
	}()
	s.tick(ctx)
}

// tick admits every due task it can, in discovery order.
func (s *Service) tick(ctx context.Context) {
	now := s.clock.Now()
	due, err := s.dir.DueSchedules(ctx, now)
	if err != nil {
		s.log.Warn("due schedule query failed, using in-memory state", logx.Err(err))
		s.publish(eventbus.EngineTickFail, eventbus.TaskEvent{Reason: err.Error()})
		due = s.dir.LegacyDue(now)
	}
	for _, d := range due {
		t, err := s.dir.GetOrCreate(d.TaskID)
		if err != nil {
			s.log.Warn("due task unavailable", logx.String("task", d.TaskID), logx.Err(err))
			continue
		}
		if _, _, err := s.admit(d.TaskID, false); err != nil {
			s.log.Debug("due task skipped", logx.String("task", d.TaskID), logx.String("reason", err.Error()))
			s.publish(eventbus.TaskSkipped, eventbus.TaskEvent{TaskID: d.TaskID, Reason: err.Error()})
			continue
		}
		s.launch(t, d.ScheduleIDs)
	}
}

// admit checks and inserts into the active set in one critical section.
// Manual runs (force) bypass the budget but not per-task exclusion; over
// reports that such a run took the active set past the budget.
func (s *Service) admit(id string, force bool) (active int, over bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[id]; busy {
		return len(s.active), false, errSkipBusy
	}
	if !force && len(s.active) >= s.cfg.MaxConcurrent {
		return len(s.active), false, errSkipBudget
	}
	s.active[id] = struct{}{}
	return len(s.active), len(s.active) > s.cfg.MaxConcurrent, nil
}

func (s *Service) release(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

func (s *Service) activeIDs() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (s *Service) publish(typ string, ev eventbus.TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: ev})
}
