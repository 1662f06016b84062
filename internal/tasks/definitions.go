package tasks

import (
	"github.com/sirupsen/logrus"

	"chapter_dues/internal/services"
)

// Deps are the services the worker tasks run against
type Deps struct {
	Store    *services.Store
	Payments *services.PaymentService
	Mail     *services.EmailService
	Logger   *logrus.Logger
}

// DefineTasks registers all available tasks
func DefineTasks(r *Registry, d Deps) {
	// Register installment and settlement tasks
	r.RegisterTask(NewChargeDueInstallmentsTask(d.Store, d.Payments, d.Logger))
	r.RegisterTask(NewReconcilePaymentsTask(d.Payments, d.Logger))

	// Register notification tasks
	if d.Mail != nil {
		r.RegisterTask(NewSendBalanceRemindersTask(d.Store, d.Mail, d.Logger))
	}
}
