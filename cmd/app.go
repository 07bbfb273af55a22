package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"smartborrow/internal/config"
	"smartborrow/internal/database"
	"smartborrow/internal/lock"
	"smartborrow/internal/metrics"
	"smartborrow/internal/notify"
	"smartborrow/internal/repositories"
	"smartborrow/internal/services"
)

// app is the fully wired service graph shared by serve and seed.
type app struct {
	cfg        config.Config
	db         *gorm.DB
	users      repositories.UserRepository
	items      repositories.ItemRepository
	requests   repositories.RequestRepository
	records    repositories.RecordRepository
	locker     lock.Locker
	dispatcher *notify.Dispatcher
	metrics    *metrics.Metrics
	borrow     services.BorrowService
	accounts   services.AccountService

	closers []func()
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.New()}

	db, err := database.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := database.Migrate(db); err != nil {
		a.close()
		return nil, err
	}

	if a.locker, err = a.newLocker(ctx); err != nil {
		a.close()
		return nil, err
	}

	sender, err := a.newSender()
	if err != nil {
		a.close()
		return nil, err
	}
	a.dispatcher = notify.NewDispatcher(sender,
		notify.WithWorkers(cfg.Notify.Workers),
		notify.WithQueueSize(cfg.Notify.QueueSize),
		notify.WithObserver(a.metrics.Notification),
	)
	// Runs before the sender is closed so queued messages still go out.
	a.closers = append(a.closers, a.dispatcher.Close)

	a.users = repositories.NewUserRepository(db)
	a.items = repositories.NewItemRepository(db)
	a.requests = repositories.NewRequestRepository(db)
	a.records = repositories.NewRecordRepository(db)

	a.borrow = a.borrowService()
	a.accounts = services.NewAccountService(db, a.users, a.dispatcher, services.AccountConfig{
		Policy: services.Policy{
			CardYear:    cfg.Policy.CardYear,
			CurrentYear: cfg.Policy.CurrentYear,
		},
		WelcomeAttachment: cfg.Notify.WelcomeAttachment,
	})
	return a, nil
}

// borrowService builds a BorrowService over the app's stores. Extra options
// (such as a back-dated clock) are applied last.
func (a *app) borrowService(opts ...services.Option) services.BorrowService {
	base := []services.Option{
		services.WithMetrics(a.metrics),
		services.WithCurrency(a.cfg.Policy.Currency),
	}
	return services.NewBorrowService(a.db, a.users, a.items, a.requests, a.records,
		a.locker, a.dispatcher, append(base, opts...)...)
}

func (a *app) newLocker(ctx context.Context) (lock.Locker, error) {
	if a.cfg.RedisAddr == "" {
		return lock.NewLocal(), nil
	}

	client := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", a.cfg.RedisAddr, err)
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	log.Info().Str("addr", a.cfg.RedisAddr).Msg("using redis item locks")
	return lock.NewRedis(client, "smartborrow:"), nil
}

func (a *app) newSender() (notify.Sender, error) {
	n := a.cfg.Notify
	switch n.Driver {
	case "smtp":
		log.Info().Str("host", n.SMTPHost).Int("port", n.SMTPPort).Msg("sending notifications over smtp")
		return notify.NewSMTPSender(notify.SMTPConfig{
			Host:     n.SMTPHost,
			Port:     n.SMTPPort,
			Username: n.SMTPUsername,
			Password: n.SMTPPassword,
			From:     n.Sender,
		}), nil
	case "amqp":
		sender, err := notify.NewAMQPSender(n.AMQPURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, sender.Close)
		log.Info().Msg("publishing notifications to rabbitmq")
		return sender, nil
	default:
		return notify.LogSender{}, nil
	}
}

func (a *app) ping(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
