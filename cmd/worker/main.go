package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"chapter_dues/internal/app"
	"chapter_dues/internal/config"
	"chapter_dues/internal/tasks"
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

	// Initialize Task Registry
	registry := tasks.NewRegistry()
	tasks.DefineTasks(registry, tasks.Deps{
		Store:    a.Store,
		Payments: a.Payments,
		Mail:     a.Mail,
		Logger:   log,
	})
	runner := tasks.NewRunner(registry, a.Store, log)

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(log)),
		cron.SkipIfStillRunning(cron.PrintfLogger(log)),
	))

	schedule := func(spec, name string, job func()) {
		if spec == "" {
			log.WithField("task", name).Info("task not scheduled")
			return
		}
		if _, err := c.AddFunc(spec, job); err != nil {
			log.Fatalf("Invalid schedule %q for %s: %v", spec, name, err)
		}
		log.WithFields(logrus.Fields{"task": name, "spec": spec}).Info("task scheduled")
	}

	schedule(cfg.WorkerChargeSpec, tasks.ChargeDueInstallments, func() {
		runner.Run(ctx, tasks.ChargeDueInstallments, nil)
	})
	schedule(cfg.WorkerReconcileSpec, tasks.ReconcileProcessingPayments, func() {
		runner.Run(ctx, tasks.ReconcileProcessingPayments, nil)
	})
	if a.Mail.Enabled() {
		schedule(cfg.WorkerReminderSpec, tasks.SendBalanceReminders, func() {
			remindChapters(ctx, a, runner, log)
		})
	}

	c.Start()
	log.Info("Worker started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down worker...")
	cancel()
	// Wait for running jobs to return
	<-c.Stop().Done()
	log.Info("Worker stopped")
}

// remindChapters runs the overdue reminder task once per chapter
func remindChapters(ctx context.Context, a *app.App, runner *tasks.Runner, log *logrus.Logger) {
	ids, err := a.Store.ListChapterIDs(ctx)
	if err != nil {
		log.WithError(err).Error("failed to list chapters")
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		runner.Run(ctx, tasks.SendBalanceReminders, map[string]interface{}{
			"chapter_id":   id,
			"overdue_only": true,
		})
	}
}
