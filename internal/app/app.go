package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"drawbot/internal/config"
	"drawbot/internal/delivery"
	"drawbot/internal/eventbus"
	"drawbot/internal/feed"
	"drawbot/internal/maintenance"
	"drawbot/internal/msgcache"
	"drawbot/internal/observability/debug"
	"drawbot/internal/poller"
	"drawbot/internal/registry"
	rtsup "drawbot/internal/runtime/supervisor"
	"drawbot/internal/storage"
	kit "drawbot/internal/transport"
	telegram "drawbot/internal/transport/telegram/adapter"
	"drawbot/internal/transport/telegram/router"
	"drawbot/internal/watermark"
	logx "drawbot/pkg/logx"
)

type App struct {
	cfgm     *config.Manager
	settings atomic.Pointer[config.Settings]

	// sup runs the long-lived loops; dispatchSup owns detached fan-outs so
	// they can outlive sup by the shutdown grace.
	sup         *rtsup.Supervisor
	dispatchSup *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter
	source  feed.Source

	tracker    *watermark.Tracker
	cache      *msgcache.Cache
	registry   *registry.Registry
	deliverer  *delivery.Deliverer
	dispatcher *delivery.Dispatcher
	poller     *poller.Poller
	maint      *maintenance.Service
	router     *router.Router
	debug      *debug.Service

	updates    chan kit.Update
	started    time.Time
	eventsDone chan struct{}
	unsubEvt   func()
}

// parts are the external edges of the app; tests substitute fakes.
type parts struct {
	adapter kit.Adapter
	source  feed.Source
	store   storage.Store
	logs    *logx.Service
	log     logx.Logger
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	s, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{
		Token:       s.Telegram.Token,
		PollTimeout: s.Telegram.PollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Alerts need a target before they are enabled, or Apply warns.
	lc := logConfig(cfg)
	boot := lc
	boot.Alert.Enabled = false
	logSvc, log := logx.New(boot, ad)
	logSvc.SetAlertTarget(kit.Recipient(s.Telegram.AlertChat))
	logSvc.Apply(lc)

	src, err := feed.New(feedConfig(s), log.With(logx.String("comp", "feed")))
	if err != nil {
		return nil, err
	}

	st, err := storage.Open(storageConfig(s), log)
	switch {
	case errors.Is(err, storage.ErrDisabled):
		log.Warn("storage disabled; state is kept in memory only")
		st = storage.NewMemory()
	case err != nil:
		return nil, err
	default:
		log.Info("storage enabled", logx.String("driver", s.Storage.Driver))
	}

	return build(cfgm, s, parts{adapter: ad, source: src, store: st, logs: logSvc, log: log})
}

func build(cfgm *config.Manager, s *config.Settings, p parts) (*App, error) {
	log := p.log
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &App{
		cfgm:        cfgm,
		log:         log.With(logx.String("comp", "app")),
		logs:        p.logs,
		bus:         eventbus.New(),
		store:       p.store,
		adapter:     p.adapter,
		source:      p.source,
		tracker:     watermark.New(0),
		cache:       msgcache.New(),
		registry:    registry.New(p.store),
		dispatchSup: rtsup.NewSupervisor(context.Background(), rtsup.WithLogger(log.With(logx.String("comp", "dispatch")))),
		updates:     make(chan kit.Update, 256),
	}
	a.settings.Store(s)

	a.deliverer = delivery.NewDeliverer(p.adapter, deliverConfig(s), log)
	a.dispatcher = delivery.NewDispatcher(a.deliverer, dispatchConfig(s), log)

	pl, err := poller.New(poller.Deps{
		Source:     p.source,
		Tracker:    a.tracker,
		Cache:      a.cache,
		Recipients: a.registry,
		Dispatcher: a.dispatcher,
		Store:      p.store,
		Bus:        a.bus,
		Supervisor: a.dispatchSup,
	}, pollerConfig(s), log)
	if err != nil {
		return nil, err
	}
	a.poller = pl

	a.maint = maintenance.New(log)
	a.debug = debug.New(a, log)
	a.router = router.New(log.With(logx.String("comp", "commands")), p.adapter, s.Telegram.AdminIDs)
	return a, nil
}

func (a *App) settingsNow() *config.Settings { return a.settings.Load() }

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
	a.started = time.Now()
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	n, err := a.registry.Load(ctx)
	if err != nil {
		return err
	}
	a.log.Info("recipients loaded", logx.Int("active", n))
	if err := a.poller.Seed(ctx); err != nil {
		return err
	}

	a.router.SetRegistry(a.commands(), a.callbacks())
	if m, ok := a.adapter.(interface{ SetMenu([]telegram.Command) error }); ok {
		menu := make([]telegram.Command, 0, 4)
		for _, c := range a.router.Commands() {
			if c.Access == router.AccessEveryone {
				menu = append(menu, telegram.Command{Name: c.Name, Description: c.Description})
			}
		}
		if err := m.SetMenu(menu); err != nil {
			a.log.Warn("set menu failed", logx.Err(err))
		}
	}

	// Not under sup: the consumer drains until Stop unsubscribes it, so the
	// last broadcast of a shutdown is still audited.
	events, unsub := a.bus.Subscribe(128)
	a.unsubEvt = unsub
	a.eventsDone = make(chan struct{})
	go a.consumeEvents(events)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	a.sup.GoRestart("poller", a.poller.Run,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithStopOnCleanExit(true),
	)

	s := a.settingsNow()
	if err := a.maint.Apply(maintenanceConfig(s), a.maintenanceJobs(s)); err != nil {
		return err
	}
	a.maint.Start(a.sup.Context())

	if err := a.debug.Apply(a.sup.Context(), debugConfig(s)); err != nil {
		a.log.Warn("debug server not started", logx.Err(err))
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int64("watermark", int64(a.tracker.Current())),
		logx.Int("recipients", n),
		logx.Duration("poll_interval", s.Feed.PollInterval),
	)
	return nil
}

// validate runs before a reloaded config is committed.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	s, err := config.Resolve(cfg)
	if err != nil {
		return err
	}
	return maintenance.Validate(a.maintenanceJobs(s))
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			if err := a.applyConfig(lastApplied, newCfg); err != nil {
				a.log.Warn("config reload not applied", logx.Err(err))
				continue
			}
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(prev, next *config.Config) error {
	s, err := config.Resolve(next)
	if err != nil {
		return err
	}
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return nil
	}
	if rs := config.NeedsRestart(sections); len(rs) > 0 {
		a.log.Warn("config changed; restart required for these sections to take effect", logx.String("sections", strings.Join(rs, ",")))
	}

	// keep fields that only take effect on restart
	cur := a.settingsNow()
	s.Telegram.Token = cur.Telegram.Token
	s.Telegram.PollTimeout = cur.Telegram.PollTimeout
	s.Storage = cur.Storage

	if a.logs != nil {
		a.logs.SetAlertTarget(kit.Recipient(s.Telegram.AlertChat))
		a.logs.Apply(logConfig(next))
	}
	a.settings.Store(s)
	a.router.SetAdmins(s.Telegram.AdminIDs)
	a.deliverer.Apply(deliverConfig(s))
	a.dispatcher.Apply(dispatchConfig(s))
	a.poller.Apply(pollerConfig(s))
	if err := a.maint.Apply(maintenanceConfig(s), a.maintenanceJobs(s)); err != nil {
		a.log.Warn("maintenance config rejected", logx.Err(err))
	}
	if a.sup != nil {
		if err := a.debug.Apply(a.sup.Context(), debugConfig(s)); err != nil {
			a.log.Warn("debug server not applied", logx.Err(err))
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	return nil
}

// Healthy backs /healthz.
func (a *App) Healthy() error {
	if a.sup != nil && a.sup.Context().Err() != nil {
		return errors.New("stopping")
	}
	if br, ok := a.source.(interface{ BreakerState() string }); ok && br.BreakerState() == "open" {
		return errors.New("feed circuit breaker open")
	}
	return nil
}

// Status backs /statusz.
func (a *App) Status() string { return a.statusText() }

func (a *App) consumeEvents(events <-chan eventbus.Event) {
	defer close(a.eventsDone)
	for e := range events {
		switch e.Type {
		case eventbus.BroadcastFinished:
			if job, ok := e.Data.(poller.Finished); ok {
				a.onBroadcastFinished(job)
			}
		case eventbus.PollFailed:
			a.log.Debug("event", logx.String("type", e.Type), logx.Any("err", e.Data))
		default:
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) onBroadcastFinished(job poller.Finished) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry := storage.BroadcastEntry{
		At:         job.Started,
		JobID:      job.JobID,
		Key:        job.Key,
		Recipients: job.Recipients,
		Delivered:  job.Result.Delivered,
		Failed:     job.Result.Failed,
		TookMS:     job.Result.Took.Milliseconds(),
	}
	if job.Result.Failed > 0 {
		entry.Error = fmt.Sprintf("%d of %d deliveries failed", job.Result.Failed, job.Recipients)
	}
	if err := a.store.AppendBroadcast(ctx, entry); err != nil {
		a.log.Warn("audit broadcast failed", logx.String("job", job.JobID), logx.Err(err))
	}

	if !a.settingsNow().Broadcast.PruneUnreachable {
		return
	}
	for _, id := range job.Result.Unreachable() {
		left, err := a.registry.Leave(ctx, id)
		if err != nil {
			a.log.Warn("prune unreachable chat failed", logx.Int64("chat_id", int64(id)), logx.Err(err))
			continue
		}
		if left {
			a.log.Info("unreachable chat removed", logx.Int64("chat_id", int64(id)))
			a.bus.Publish(eventbus.Event{Type: eventbus.RecipientLeft, Data: id})
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// cancel the run context first so loops start unwinding
	a.sup.Cancel()

	// step runs one shutdown step bounded by max and the caller's deadline.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })

	// in-flight fan-outs get the shutdown grace to finish
	grace := a.settingsNow().Broadcast.ShutdownGrace
	step("dispatch", grace+time.Second, func(c context.Context) error {
		a.dispatchSup.Cancel()
		return a.dispatchSup.Wait(c)
	})

	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	step("events", time.Second, func(c context.Context) error {
		if a.unsubEvt == nil {
			return nil
		}
		a.unsubEvt()
		select {
		case <-a.eventsDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})

	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
