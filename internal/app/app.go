package app

import (
	"errors"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"chapter_dues/internal/config"
	"chapter_dues/internal/dues"
	"chapter_dues/internal/services"
)

// App holds the services shared by the server, the worker and duesctl
type App struct {
	Config   *config.Config
	Log      *logrus.Logger
	DB       *gorm.DB
	Store    *services.Store
	Gateway  *services.MidtransService
	Payments *services.PaymentService
	Plans    *services.PlanService
	Mail     *services.EmailService
	Cache    *services.RedisCache
}

// New connects to the database and builds the service graph. Settled
// payments are mailed to the member when SMTP is configured.
func New(cfg *config.Config, log *logrus.Logger) (*App, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL not set")
	}

	db, err := services.InitDB(cfg.DatabaseURL, cfg.AppMode, log)
	if err != nil {
		return nil, err
	}
	if err := services.AutoMigrate(db, log); err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Log: log, DB: db}
	a.Store = services.NewStore(db, log)

	var locks services.IdempotencyLocker = services.NewMemoryLocker()
	if cfg.RedisURL != "" {
		cache, err := services.NewRedisCache(cfg.RedisURL, log)
		if err != nil {
			log.WithError(err).Warn("Redis unavailable, using in-process locks")
		} else {
			a.Cache = cache
			locks = cache
		}
	}

	a.Gateway = services.NewMidtransService(services.MidtransConfig{
		ServerKey:    cfg.MidtransServerKey,
		ClientKey:    cfg.MidtransClientKey,
		IsProduction: cfg.MidtransIsProduction,
	})
	a.Payments = services.NewPaymentService(a.Store, a.Gateway, locks, dues.DefaultFeeSchedule, services.PaymentConfig{
		AmountScale:    cfg.GatewayAmountScale,
		MinimumPayment: cfg.MinPaymentAmount,
		FinishURL:      cfg.PaymentFinishURL,
	}, log)
	a.Plans = services.NewPlanService(a.Store, a.Payments, log)

	a.Mail = services.NewEmailService(services.EmailConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPass,
		From:     cfg.EmailFrom,
	}, log)
	if a.Mail.Enabled() {
		a.Payments.OnSettle(func(st *services.Settlement) {
			go func() {
				if err := a.Mail.NotifySettlement(st); err != nil {
					log.WithError(err).Warn("settlement notice not sent")
				}
			}()
		})
	} else {
		log.Info("SMTP not configured, member notices are disabled")
	}

	return a, nil
}

// LateFeeStore applies late fees and mails the affected members
func (a *App) LateFeeStore() dues.LateFeeStore {
	return &services.NotifyingLateFeeStore{Store: a.Store, Mail: a.Mail}
}

// Close releases the database and Redis connections
func (a *App) Close() error {
	var errs []error
	if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		errs = append(errs, sqlDB.Close())
	}
	return errors.Join(errs...)
}
