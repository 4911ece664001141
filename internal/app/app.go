// Package app wires the components together and owns their lifecycles:
// boot, hot reload, shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ledgerbot/internal/accounting"
	"ledgerbot/internal/alerts"
	"ledgerbot/internal/config"
	"ledgerbot/internal/delivery"
	"ledgerbot/internal/eventbus"
	"ledgerbot/internal/health"
	"ledgerbot/internal/monitor"
	"ledgerbot/internal/observability/pprof"
	"ledgerbot/internal/runtime/supervisor"
	"ledgerbot/internal/storage"
	wechat "ledgerbot/internal/transport/wechat"
	logx "ledgerbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	client *accounting.Client
	mon    *monitor.Monitor
	health *health.Checker
	alerts *alerts.Service
	pprof  *pprof.Service
}

func NewApp(cfgPath string) (*App, error) {
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

	// Persistence is optional; without a storage section the bot runs in
	// memory only.
	var store storage.Store
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if enabled {
		store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	pc, err := mapProviderConfig(cfg)
	if err != nil {
		return nil, err
	}
	bridge, err := wechat.New(pc, log.With(logx.String("comp", "wechat")))
	if err != nil {
		return nil, err
	}

	ac, err := mapAccountingConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := accounting.New(ac, log.With(logx.String("comp", "accounting")))
	if err != nil {
		return nil, err
	}

	pipeline := delivery.NewPipeline(client, bridge, bus, log.With(logx.String("comp", "delivery")))

	mopts, err := mapMonitorOptions(cfg)
	if err != nil {
		return nil, err
	}
	mon := monitor.New(bridge, pipeline, bus, mopts, log.With(logx.String("comp", "monitor")))
	for _, ch := range cfg.Monitor.Channels {
		mon.AddTarget(ch)
	}

	hcfg, err := mapHealthConfig(cfg)
	if err != nil {
		return nil, err
	}
	checker := health.New(hcfg, client, bus, log.With(logx.String("comp", "health")))

	acfg, err := mapAlertsConfig(cfg)
	if err != nil {
		return nil, err
	}
	// The sender is built once; a token change needs a restart. Everything
	// else in the alerts section applies live.
	var sender alerts.Sender
	if tok := alertToken(cfg); tok != "" {
		s, err := alerts.NewTelegramSender(tok)
		if err != nil {
			log.Warn("alert sender init failed; alerts stay off", logx.Err(err))
		} else {
			sender = s
		}
	}
	alertSvc := alerts.New(acfg, sender, bus, log.With(logx.String("comp", "alerts")))

	ppc, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(ppc, log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		client:  client,
		mon:     mon,
		health:  checker,
		alerts:  alertSvc,
		pprof:   pprofSvc,
	}, nil
}

// Done is closed once the run context ends, whether through Stop or a
// fatal component error. Before Start it reports an already-closed channel.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return a.sup.Context().Done()
}

// Err reports the first fatal error the supervisor captured, nil when the
// app stopped cleanly or never started.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Monitor exposes the channel monitor for observers.
func (a *App) Monitor() *monitor.Monitor { return a.mon }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapProviderConfig(cfg); err != nil {
			return err
		}
		if _, err := mapAccountingConfig(cfg); err != nil {
			return err
		}
		if _, err := mapMonitorOptions(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapHealthConfig(cfg); err != nil {
			return err
		}
		if _, err := mapAlertsConfig(cfg); err != nil {
			return err
		}
		_, err := mapPprofConfig(cfg)
		return err
	})

	// Login before the pollers start so the first classification carries a
	// token.
	a.startupLogin()

	a.alerts.Start(a.sup.Context())
	if err := a.health.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start health checker: %w", err)
	}
	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	if a.store != nil {
		events, unsub := a.bus.Subscribe(256)
		a.sup.Go0("storage.persist", func(c context.Context) {
			defer unsub()
			a.persistLoop(c, events)
		})
	}

	if len(a.mon.Targets()) == 0 {
		a.log.Warn("no channels configured; monitor idle until a reload adds some")
	} else if err := a.mon.StartAll(a.sup.Context()); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}

	// One goroutine applies committed configs in arrival order.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// A save burst can queue several configs; only the
				// newest one is worth applying.
				newCfg = drainNewest(sub, newCfg)
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// drainNewest empties whatever is already buffered on sub and returns the
// most recent non-nil config, starting from cur.
func drainNewest(sub <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case next := <-sub:
			if next != nil {
				cur = next
			}
		default:
			return cur
		}
	}
}

// startupLogin exchanges configured credentials for a session token when no
// static token is set. Failure is survivable: submits will error until the
// operator fixes the credentials, and the health checker will say so.
func (a *App) startupLogin() {
	cfg := a.cfgm.Get()
	if cfg == nil {
		return
	}
	acct := cfg.Accounting
	if strings.TrimSpace(acct.Token) != "" {
		return
	}
	email := strings.TrimSpace(acct.Email)
	if email == "" || strings.TrimSpace(acct.Password) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(a.sup.Context(), 15*time.Second)
	defer cancel()
	if _, err := a.client.Login(ctx, email, acct.Password); err != nil {
		a.log.Warn("accounting login failed; classification will fail until credentials are fixed",
			logx.Err(err))
		return
	}
	a.log.Info("accounting login ok")
}

// applyReload pushes one committed config into the running components.
// Live: logging, the channel list, health, alert filtering. Components
// built once at boot (provider, accounting, storage, monitor timings, the
// alert sender) get a restart-required warning instead.
func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "storage", "provider", "accounting":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}
	if monitorTimingChanged(oldCfg, newCfg) {
		a.log.Warn("monitor timing config changed; restart required for changes to take effect")
	}
	if alertToken(oldCfg) != alertToken(newCfg) {
		a.log.Warn("alert token changed; restart required for changes to take effect")
	}

	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	})

	added, removed := config.DiffChannels(oldCfg.Monitor.Channels, newCfg.Monitor.Channels)
	for _, ch := range removed {
		if a.mon.RemoveTarget(ctx, ch) {
			a.log.Info("channel removed via config", logx.String("channel", ch))
		}
	}
	for _, ch := range added {
		if !a.mon.AddTarget(ch) {
			continue
		}
		if err := a.mon.StartOne(ctx, ch); err != nil {
			a.log.Warn("channel added but failed to start",
				logx.String("channel", ch), logx.Err(err))
			continue
		}
		a.log.Info("channel added via config", logx.String("channel", ch))
	}

	if hcfg, err := mapHealthConfig(newCfg); err != nil {
		a.log.Warn("invalid health config; keeping previous", logx.Any("err", err))
	} else if err := a.health.Apply(ctx, hcfg); err != nil {
		a.log.Warn("health config apply failed; keeping previous", logx.Any("err", err))
	}

	if acfg, err := mapAlertsConfig(newCfg); err != nil {
		a.log.Warn("invalid alerts config; keeping previous", logx.Any("err", err))
	} else {
		a.alerts.Apply(acfg)
	}

	if ppc, err := mapPprofConfig(newCfg); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Any("err", err))
	} else {
		a.pprof.Reconfigure(ctx, ppc)
	}

	a.log.Info("config reloaded", fields...)
}

// persistLoop feeds bus events into the store until the context ends or the
// subscription closes.
func (a *App) persistLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.persistEvent(e)
		}
	}
}

// persistEvent writes one bus event into the store. Writes carry their own
// deadline so a slow disk cannot back up the subscriber for long, and so the
// tail still lands during shutdown.
func (a *App) persistEvent(e eventbus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	switch e.Type {
	case delivery.EventDelivered:
		rep, ok := e.Data.(delivery.Report)
		if !ok {
			return
		}
		rec := storage.DeliveryRecord{
			At:         e.Time,
			Channel:    rep.Channel,
			Sender:     rep.Sender,
			Kind:       string(rep.Kind),
			Success:    rep.Success,
			ReplySent:  rep.ReplySent,
			ReplyError: rep.ReplyError,
			TookMS:     rep.Elapsed.Milliseconds(),
		}
		if err := a.store.AppendDelivery(ctx, rec); err != nil {
			a.log.Debug("delivery record write failed", logx.Err(err))
		}
	case monitor.EventStats:
		s, ok := e.Data.(monitor.ChannelStats)
		if !ok {
			return
		}
		rec := storage.StatsRecord{
			TotalSeen:   s.TotalSeen,
			Processed:   s.Processed,
			Successful:  s.Successful,
			Failed:      s.Failed,
			Irrelevant:  s.Irrelevant,
			SuccessRate: s.SuccessRate,
		}
		if err := a.store.PutStats(ctx, s.Channel, rec); err != nil {
			a.log.Debug("stats write failed", logx.String("channel", s.Channel), logx.Err(err))
		}
	}
}

// Stop unwinds the components in dependency order. Each one gets a bounded
// slice of the caller's deadline so a wedged component cannot eat the whole
// shutdown window.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context up front; every supervised loop begins
	// unwinding while the steps below collect the components one by one.
	a.sup.Cancel()

	// Pollers first so nothing new enters the pipeline while the tail drains.
	a.stopStep(ctx, "monitor", 6*time.Second, func(c context.Context) error { a.mon.StopAll(c); return nil })
	a.stopStep(ctx, "health", time.Second, func(c context.Context) error { a.health.Stop(c); return nil })
	a.stopStep(ctx, "alerts", 2*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	a.stopStep(ctx, "pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	a.stopStep(ctx, "storage", time.Second, func(c context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	// The supervisor goes last; it still holds the config watcher and the
	// persistence subscriber the storage step just flushed.
	a.stopStep(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// stopStep runs one shutdown action under a bound. The bound never extends
// the caller's own deadline. A step that overruns is abandoned rather than
// waited on; a watcher goroutine reports whether it ever returned.
func (a *App) stopStep(ctx context.Context, name string, bound time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", bound))

	if dl, ok := ctx.Deadline(); ok && bound > 0 {
		if rem := time.Until(dl); rem < bound {
			bound = rem
		}
	}
	stepCtx := ctx
	if bound > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, bound)
		defer cancel()
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
		report := a.log.Debug
		if took >= 500*time.Millisecond {
			report = a.log.Info
		}
		report("stop step end", logx.String("name", name), logx.Duration("took", took))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)))
		// fn is expected to honor stepCtx; when it does not, the eventual
		// return still lands in the logs so a stuck component is visible.
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline",
					logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline",
					logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}

func alertToken(cfg *config.Config) string {
	if cfg == nil || cfg.Alerts == nil {
		return ""
	}
	return strings.TrimSpace(cfg.Alerts.Token)
}
