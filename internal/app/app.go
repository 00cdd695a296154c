// Package app assembles the daemon: config, logging, storage, the planning
// pipeline and the refresh coordinator.
package app

import (
	"context"
	"time"

	"dosekeeper/internal/config"
	"dosekeeper/internal/coordinator"
	"dosekeeper/internal/delivery"
	"dosekeeper/internal/eventbus"
	"dosekeeper/internal/planner"
	"dosekeeper/internal/reconcile"
	"dosekeeper/internal/storage"
	logx "dosekeeper/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	store  *storage.Store
	engine *delivery.Engine
	sched  *delivery.Scheduler
	plan   *planner.Service
	rec    *reconcile.Service
	coord  *coordinator.Coordinator

	cancel context.CancelFunc
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	console := true
	if cfg.Log.Console != nil {
		console = *cfg.Log.Console
	}
	logs, log := logx.New(logx.Config{
		Level:   cfg.Log.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: cfg.Log.File.Enabled,
			Path:    cfg.Log.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")), bus)
	if err != nil {
		return nil, err
	}

	plannerCfg, err := mapPlannerConfig(cfg)
	if err != nil {
		return nil, err
	}
	plan := planner.New(plannerCfg, store, store, log.With(logx.String("comp", "planner")))

	reconcileCfg, err := mapReconcileConfig(cfg)
	if err != nil {
		return nil, err
	}
	rec := reconcile.New(reconcileCfg, store, log.With(logx.String("comp", "reconcile")))

	var sender delivery.Sender
	if cfg.Telegram.Token != "" {
		tg, err := delivery.NewTelegramSender(cfg.Telegram.Token, cfg.Telegram.ChatID,
			log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		sender = tg
		log.Info("telegram sender enabled", logx.Int64("chat", cfg.Telegram.ChatID))
	} else {
		sender = delivery.NewConsoleSender(log.With(logx.String("comp", "notify")))
	}
	engine := delivery.NewEngine(sender, log.With(logx.String("comp", "delivery")))

	deliveryCfg, err := mapDeliveryConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := delivery.NewScheduler(deliveryCfg, engine, log.With(logx.String("comp", "scheduler")))

	coord := coordinator.New(coordinator.Config{
		Policy:       coordinator.Policy(cfg.Coordinator.Policy),
		PeriodicWake: cfg.Coordinator.PeriodicWake,
	}, rec, plan, sched, bus, log.With(logx.String("comp", "coordinator")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		bus:     bus,
		store:   store,
		engine:  engine,
		sched:   sched,
		plan:    plan,
		rec:     rec,
		coord:   coord,
	}, nil
}

// Start launches the config watcher and the refresh loop. It returns once
// everything is running; Stop tears it down.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	go func() { _ = a.cfgm.Watch(runCtx) }()

	// A committed config edit re-applies log settings and nudges the loop;
	// structural knobs (storage path, telegram token) need a restart.
	updates := a.cfgm.Subscribe(4)
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	}()

	if err := a.coord.Start(runCtx); err != nil {
		return err
	}
	a.log.Info("dosekeeper started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) applyConfig(cfg *config.Config) {
	console := true
	if cfg.Log.Console != nil {
		console = *cfg.Log.Console
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Log.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: cfg.Log.File.Enabled,
			Path:    cfg.Log.File.Path,
		},
	})
	a.coord.Request(coordinator.TriggerDataChanged)
	a.log.Info("config change applied")
}

func (a *App) Stop(ctx context.Context) error {
	a.coord.Stop()
	if a.cancel != nil {
		a.cancel()
	}
	a.engine.Close()
	err := a.store.Close()
	a.log.Info("dosekeeper stopped")
	_ = a.logs.Close()
	return err
}

func mapPlannerConfig(cfg *config.Config) (planner.Config, error) {
	grace, err := config.ParseDurationField("planner.therapy_grace", cfg.Planner.TherapyGrace)
	if err != nil {
		return planner.Config{}, err
	}
	cooldown, err := config.ParseDurationField("planner.stock_alert_cooldown", cfg.Planner.StockAlertCooldown)
	if err != nil {
		return planner.Config{}, err
	}
	return planner.Config{
		TherapyHorizonDays:       cfg.Planner.TherapyHorizonDays,
		MaxTherapyNotifications:  cfg.Planner.MaxTherapyNotifications,
		MaxStockNotifications:    cfg.Planner.MaxStockNotifications,
		TherapyGrace:             grace,
		StockNotificationHour:    cfg.Planner.StockNotificationHour,
		StockAlertCooldown:       cooldown,
		StockForecastHorizonDays: cfg.Planner.StockForecastHorizonDays,
		StockLowThresholdDays:    cfg.Planner.StockLowThresholdDays,
	}, nil
}

func mapReconcileConfig(cfg *config.Config) (reconcile.Config, error) {
	backfill, err := config.ParseDurationField("reconcile.backfill", cfg.Reconcile.Backfill)
	if err != nil {
		return reconcile.Config{}, err
	}
	tolerance, err := config.ParseDurationField("reconcile.log_tolerance", cfg.Reconcile.LogTolerance)
	if err != nil {
		return reconcile.Config{}, err
	}
	return reconcile.Config{
		Backfill:        backfill,
		LogTolerance:    tolerance,
		MaxEventsPerRun: cfg.Reconcile.MaxEventsPerRun,
		ForceConfirm:    cfg.Reconcile.ForceConfirm,
	}, nil
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	interval, err := config.ParseDurationField("delivery.alarm_repeat_interval", cfg.Delivery.AlarmRepeatInterval)
	if err != nil {
		return delivery.Config{}, err
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return delivery.Config{
		MaxTotal:            cfg.Delivery.MaxTotalNotifications,
		AlarmUrgency:        cfg.Delivery.AlarmUrgency,
		AlarmRepeatCount:    cfg.Delivery.AlarmRepeatCount,
		AlarmRepeatInterval: interval,
		RatePerSec:          cfg.Delivery.RatePerSec,
	}, nil
}
