package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"chapter_dues/internal/app"
	"chapter_dues/internal/config"
	"chapter_dues/internal/dues"
	"chapter_dues/internal/forecast"
	"chapter_dues/internal/handlers"
	appMiddleware "chapter_dues/internal/middleware"
	"chapter_dues/internal/payments"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	log := config.NewLogger(cfg.LogLevel)

	a, err := app.New(cfg, log)
	if err != nil {
		log.Fatalf("Failed to initialize services: %v", err)
	}
	defer a.Close()

	evaluator := dues.NewEligibilityEvaluator(a.Store, log)
	evts := payments.NewEvents()
	deps := payments.CheckoutDeps{
		Dues:        a.Store,
		Eligibility: evaluator,
		Accounts:    a.Store,
		Gateway:     a.Payments,
		Plans:       a.Plans,
		Methods:     a.Store,
		Fees:        dues.DefaultFeeSchedule,
		Clock:       payments.RealClock(),
		Events:      evts,
		Logger:      log,
	}
	checkoutCfg := payments.CheckoutConfig{
		Debounce: cfg.CheckoutDebounce,
		Poll: payments.PollConfig{
			Interval:    cfg.OnboardingPollInterval,
			MaxAttempts: cfg.OnboardingPollMaxAttempts,
		},
		MinimumPayment: cfg.MinPaymentAmount,
	}
	sessions := payments.NewSessionManager(func(duesID, memberID uint) *payments.Checkout {
		return payments.NewCheckout(deps, checkoutCfg, duesID, memberID)
	}, deps.Clock, cfg.CheckoutSessionTTL, evts, log)
	defer sessions.Close()

	// Expire idle checkouts
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 1m", func() {
		if n := sessions.Sweep(); n > 0 {
			log.WithField("expired", n).Debug("checkout sessions swept")
		}
	}); err != nil {
		log.Fatalf("Failed to schedule session sweep: %v", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = appMiddleware.ErrorHandler(log)

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	handlers.Register(e, handlers.Handlers{
		Forecast: handlers.NewForecastHandler(forecast.NewAggregator(a.Store, log)),
		Dues:     handlers.NewDuesHandler(a.Store, evaluator, dues.DefaultFeeSchedule),
		Plans:    handlers.NewPlanHandler(a.Store, a.Plans),
		LateFees: handlers.NewLateFeeHandler(a.LateFeeStore(), log),
		Checkout: handlers.NewCheckoutHandler(sessions),
		Webhooks: handlers.NewWebhookHandler(a.Payments, evts, log),
	})

	go func() {
		log.WithFields(logrus.Fields{"port": cfg.Port, "mode": cfg.AppMode}).Info("Server starting")
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Error during shutdown")
	}
	log.Info("Server stopped")
}
