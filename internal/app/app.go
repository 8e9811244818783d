package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pillbot/internal/adapters/telegram"
	"pillbot/internal/config"
	"pillbot/internal/devicesched"
	"pillbot/internal/notify"
	"pillbot/internal/remind"
	"pillbot/internal/storage"
	"pillbot/internal/transport"
	"pillbot/pkg/logx"
)

// App wires the daemon together: config manager, telegram adapter, device
// scheduler, reminder engine, reconciler and the delivery pipeline.
type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service

	adapter *telegram.Adapter
	store   storage.Store
	sched   *devicesched.Service
	orch    *remind.Orchestrator
	rec     *remind.Reconciler
	notif   *notify.Service

	updates chan transport.Update

	ownersMu sync.Mutex
	owners   []int64

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}, ad)
	log = log.With(logx.String("comp", "app"))
	if cfg.Logging.Telegram.Enabled && len(cfg.Telegram.OwnerUserIDs) > 0 {
		logs.SetTelegramTarget(cfg.Telegram.OwnerUserIDs[0], 0)
	}

	stCfg, err := cfg.Storage.Engine()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(stCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store == nil {
		log.Warn("storage disabled; keeping mappings in memory, they are lost on restart")
		store = storage.NewMemory()
	}

	notif := notify.New(notifyConfig(cfg.Notifier), ad, log.With(logx.String("comp", "notifier")))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		adapter: ad,
		store:   store,
		notif:   notif,
		updates: make(chan transport.Update, 256),
		owners:  append([]int64(nil), cfg.Telegram.OwnerUserIDs...),
	}

	a.sched = devicesched.New(cfg.Scheduler.Engine(), a.onFired, log.With(logx.String("comp", "devicesched")))
	a.orch = remind.NewOrchestrator(a.sched, store, log.With(logx.String("comp", "remind")))
	a.rec = remind.NewReconciler(a.sched, store, a.orch, log.With(logx.String("comp", "reconcile")))

	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	a.runMu.Lock()
	if a.cancel != nil {
		a.runMu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.runMu.Unlock()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		cancel()
		return err
	}
	a.notif.Start(runCtx)
	a.sched.Start(runCtx)

	// Startup convergence: the device scheduler is volatile, so every boot
	// rebuilds all registrations from the current configuration.
	cfg := a.cfgm.Get()
	checkin, err := cfg.Checkin()
	if err != nil {
		cancel()
		return err
	}
	stats, err := a.orch.RescheduleAll(runCtx, cfg.Entries(), checkin)
	if err != nil {
		cancel()
		return fmt.Errorf("initial schedule: %w", err)
	}
	a.log.Info("reminders scheduled",
		logx.Int("units", stats.Units),
		logx.Int("registrations", stats.Scheduled),
		logx.Int("failed", stats.Failed),
	)

	if err := a.adapter.UpdateMenuCommands(runCtx, menuCommands()); err != nil {
		a.log.Warn("menu update failed", logx.Err(err))
	}

	a.wg.Add(4)
	go func() {
		defer a.wg.Done()
		a.dispatchLoop(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		a.reloadLoop(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		a.healthLoop(runCtx)
	}()

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	a.log.Info("stopping")
	cancel()

	// Bound each shutdown step so one stuck component can't stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context)) {
		stepCtx, stepCancel := context.WithTimeout(ctx, max)
		done := make(chan struct{})
		go func() {
			fn(stepCtx)
			close(done)
		}()
		select {
		case <-done:
		case <-stepCtx.Done():
			a.log.Warn("stop step timed out", logx.String("step", name))
		}
		stepCancel()
	}

	step("scheduler", 3*time.Second, func(c context.Context) { a.sched.Stop(c) })
	step("notifier", 5*time.Second, func(c context.Context) { a.notif.Stop(c) })
	step("telegram", 3*time.Second, func(c context.Context) { _ = a.adapter.Stop(c) })

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

// onFired is the device scheduler's fire callback: render the registration
// and fan it out to every owner chat.
func (a *App) onFired(ctx context.Context, reg devicesched.Registration) {
	for _, owner := range a.ownerList() {
		n := notify.FromFired(reg, transport.ChatTarget{ChatID: owner})
		if err := a.notif.Notify(ctx, n); err != nil {
			a.log.Warn("reminder delivery rejected",
				logx.String("id", reg.ID),
				logx.Int64("chat_id", owner),
				logx.Err(err),
			)
		}
	}
}

func (a *App) ownerList() []int64 {
	a.ownersMu.Lock()
	defer a.ownersMu.Unlock()
	return append([]int64(nil), a.owners...)
}

func (a *App) isOwner(id int64) bool {
	a.ownersMu.Lock()
	defer a.ownersMu.Unlock()
	for _, o := range a.owners {
		if o == id {
			return true
		}
	}
	return false
}

func (a *App) setOwners(ids []int64) {
	a.ownersMu.Lock()
	a.owners = append([]int64(nil), ids...)
	a.ownersMu.Unlock()
}

// healthRecheck is how often a disabled health loop re-reads the config, so
// enabling it by hot-reload takes effect without a restart.
const healthRecheck = time.Minute

// healthLoop periodically verifies mappings against the scheduler and warns
// the owners when drift is found. Repair stays manual (/fix or /rebuild).
// The interval is re-read every cycle so reload changes apply live.
func (a *App) healthLoop(ctx context.Context) {
	for {
		wait, enabled := a.healthInterval()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if enabled {
			a.healthCheck(ctx)
		}
	}
}

// healthInterval reads the current verification cadence: the wait until the
// next wake-up and whether a check should run then.
func (a *App) healthInterval() (time.Duration, bool) {
	interval := a.cfgm.Get().HealthCheckInterval()
	if interval <= 0 {
		return healthRecheck, false
	}
	return interval, true
}

func (a *App) healthCheck(ctx context.Context) {
	cur := a.cfgm.Get()
	sum, err := a.rec.Summarize(ctx, remind.SelectEntries(cur.Entries()))
	if err != nil {
		a.log.Warn("health check failed", logx.Err(err))
		return
	}
	if sum.TableMissing || (sum.Missing == 0 && sum.Orphaned == 0) {
		return
	}
	a.log.Warn("reminder drift detected",
		logx.Int("missing", sum.Missing),
		logx.Int("orphaned", sum.Orphaned),
	)
	text := fmt.Sprintf("Reminder check: %d missing from scheduler, %d orphaned. Run /fix or /rebuild.", sum.Missing, sum.Orphaned)
	for _, owner := range a.ownerList() {
		_ = a.notif.Notify(ctx, transport.Notification{
			Priority: 6,
			Target:   transport.ChatTarget{ChatID: owner},
			Text:     text,
		})
	}
}

func notifyConfig(nc *config.NotifierConfig) notify.Config {
	if nc == nil {
		return notify.Config{Enabled: true}
	}
	base, _ := config.ParseDurationField("notifier.retry_base", nc.RetryBase)
	maxDelay, _ := config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay)
	return notify.Config{
		Enabled:       nc.Enabled,
		Workers:       nc.Workers,
		QueueSize:     nc.QueueSize,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}
}
