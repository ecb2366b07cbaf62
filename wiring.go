package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"

	alarmapp "medication-reminder/internal/alarms/application"
	memoryrepo "medication-reminder/internal/alarms/infrastructure/memory"
	alarmrepo "medication-reminder/internal/alarms/infrastructure/postgres"
	alarmhttp "medication-reminder/internal/alarms/interfaces/http"
	alarmnotify "medication-reminder/internal/alarms/notify"
	"medication-reminder/internal/audit"
	"medication-reminder/internal/observability/metrics"
)

// stores groups the persistence ports so the server and one-off commands share construction.
type stores struct {
	db        *sql.DB
	alarms    alarmapp.AlarmRepository
	meds      alarmapp.MedicationRepository
	directory alarmnotify.IdentityDirectory
	audit     audit.Logger
}

func (s stores) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func openStores(ctx context.Context, cfg config, inMemory bool, logger logrus.FieldLogger) (stores, error) {
	if inMemory {
		logger.Warn("using in-memory stores; state is lost on exit")
		return stores{
			alarms:    memoryrepo.NewAlarmRepository(),
			meds:      memoryrepo.NewMedicationRepository(),
			directory: memoryrepo.NewIdentityDirectory(),
			audit:     &audit.MemoryLog{},
		}, nil
	}
	if cfg.DatabaseURL == "" {
		return stores{}, errors.New("DATABASE_URL is required (or pass --memory)")
	}
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return stores{}, fmt.Errorf("db open: %w", err)
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return stores{}, fmt.Errorf("db ping: %w", err)
	}
	return stores{
		db:        db,
		alarms:    alarmrepo.NewAlarmRepository(db),
		meds:      alarmrepo.NewMedicationRepository(db),
		directory: alarmrepo.NewIdentityDirectory(db),
		audit:     audit.NewRepository(db),
	}, nil
}

type components struct {
	engine    *alarmapp.Engine
	poller    *alarmapp.Poller
	sweeper   *alarmapp.Sweeper
	scheduler *alarmapp.Scheduler
	broker    *alarmhttp.SSEBroker
}

func (c components) Close() {
	c.engine.Close()
}

func buildComponents(cfg config, engineCfg alarmapp.Config, st stores, loc *time.Location, logger logrus.FieldLogger) (components, error) {
	metrics.Init(st.db, logger)

	broker := alarmhttp.NewSSEBroker()
	channels := []alarmnotify.Channel{broker, alarmnotify.NewWebPushChannel()}
	if cfg.TelegramBotToken != "" {
		telegram, err := alarmnotify.NewTelegramChannel(cfg.TelegramBotToken, cfg.TelegramEndpoint, nil)
		if err != nil {
			return components{}, err
		}
		channels = append(channels, telegram)
	} else {
		logger.Info("TELEGRAM_BOT_TOKEN not set; mobile channel disabled")
	}

	template, err := alarmnotify.NewTemplate(nil, loc)
	if err != nil {
		return components{}, fmt.Errorf("notification templates: %w", err)
	}
	notifier, err := alarmnotify.NewNotifier(st.directory, channels, template,
		alarmnotify.WithRequestTimeout(cfg.NotifyTimeout),
		alarmnotify.WithDedupeWindow(cfg.NotifyDedupeWindow),
		alarmnotify.WithLogger(logger),
	)
	if err != nil {
		return components{}, err
	}

	engine, err := alarmapp.NewEngine(st.alarms, st.meds,
		alarmapp.WithNotifier(alarmnotify.NewMultiNotifier(notifier, broker)),
		alarmapp.WithLogger(logger),
	)
	if err != nil {
		return components{}, err
	}
	poller, err := alarmapp.NewPoller(engine, st.alarms, st.meds,
		alarmapp.WithPolicyResolver(engineCfg),
		alarmapp.WithPollerLogger(logger),
	)
	if err != nil {
		engine.Close()
		return components{}, err
	}
	sweeper, err := alarmapp.NewSweeper(st.alarms, engineCfg.Retention(), logger)
	if err != nil {
		engine.Close()
		return components{}, err
	}
	scheduler, err := alarmapp.NewScheduler(poller, sweeper, engineCfg, loc, logger)
	if err != nil {
		engine.Close()
		return components{}, err
	}
	return components{engine: engine, poller: poller, sweeper: sweeper, scheduler: scheduler, broker: broker}, nil
}
