package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"chapter_dues/internal/models"
	"chapter_dues/internal/payments"
	"chapter_dues/internal/services"
)

const (
	ChargeDueInstallments       = "charge_due_installments"
	ReconcileProcessingPayments = "reconcile_processing_payments"
)

// DueInstallmentSource lists installments ready to be charged
type DueInstallmentSource interface {
	DueInstallmentPayments(ctx context.Context, asOf time.Time, limit int) ([]models.InstallmentPayment, error)
}

// InstallmentCharger charges one scheduled installment
type InstallmentCharger interface {
	ChargeInstallment(ctx context.Context, plan *models.InstallmentPlan, inst *models.InstallmentPayment) (*payments.IntentResult, error)
}

// ChargeDueInstallmentsTask charges every scheduled installment whose date
// has come, against the plan's saved payment method
type ChargeDueInstallmentsTask struct {
	source  DueInstallmentSource
	charger InstallmentCharger
	log     *logrus.Entry
	now     func() time.Time
}

func NewChargeDueInstallmentsTask(source DueInstallmentSource, charger InstallmentCharger, logger *logrus.Logger) *ChargeDueInstallmentsTask {
	return &ChargeDueInstallmentsTask{
		source:  source,
		charger: charger,
		log:     logger.WithField("component", ChargeDueInstallments),
		now:     time.Now,
	}
}

func (t *ChargeDueInstallmentsTask) TaskID() string {
	return ChargeDueInstallments
}

// HandleExecution accepts an optional "limit" argument, default 100
func (t *ChargeDueInstallmentsTask) HandleExecution(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	limit, err := intArg(args, "limit", 100)
	if err != nil {
		return nil, err
	}

	due, err := t.source.DueInstallmentPayments(ctx, t.now(), limit)
	if err != nil {
		return nil, err
	}
	if len(due) == 0 {
		t.log.Debug("no installments due")
		return map[string]interface{}{"due": 0}, nil
	}

	var succeeded, pending, declined, skipped int
	var errs []error
	for i := range due {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		inst := &due[i]
		log := t.log.WithFields(logrus.Fields{"plan_id": inst.PlanID, "installment_id": inst.ID})
		if inst.Plan == nil {
			log.Warn("installment has no plan loaded")
			skipped++
			continue
		}

		res, err := t.charger.ChargeInstallment(ctx, inst.Plan, inst)
		var gerr *payments.GatewayError
		switch {
		case err == nil && res.PaymentComplete():
			succeeded++
		case err == nil:
			pending++
		case errors.As(err, &gerr):
			log.WithField("code", gerr.Code).Info("installment declined")
			declined++
		case errors.Is(err, services.ErrAlreadyClaimed), errors.Is(err, services.ErrNothingDue),
			errors.Is(err, payments.ErrPaymentPending):
			log.WithError(err).Debug("installment skipped")
			skipped++
		default:
			log.WithError(err).Error("installment charge failed")
			errs = append(errs, err)
		}
	}

	return map[string]interface{}{
		"due":       len(due),
		"succeeded": succeeded,
		"pending":   pending,
		"declined":  declined,
		"skipped":   skipped,
		"errors":    len(errs),
	}, errors.Join(errs...)
}

// PaymentReconciler settles payments the gateway finished out of band
type PaymentReconciler interface {
	ReconcilePending(ctx context.Context, minAge, abandonAfter time.Duration, limit int) (*services.ReconcileResult, []*services.Settlement, error)
}

// ReconcilePaymentsTask checks payments still pending at the gateway, such
// as bank transfers, and settles them
type ReconcilePaymentsTask struct {
	reconciler PaymentReconciler
	log        *logrus.Entry
}

func NewReconcilePaymentsTask(reconciler PaymentReconciler, logger *logrus.Logger) *ReconcilePaymentsTask {
	return &ReconcilePaymentsTask{
		reconciler: reconciler,
		log:        logger.WithField("component", ReconcileProcessingPayments),
	}
}

func (t *ReconcilePaymentsTask) TaskID() string {
	return ReconcileProcessingPayments
}

// HandleExecution accepts "min_age_minutes" (15), "abandon_after_hours" (24)
// and "limit" (100)
func (t *ReconcilePaymentsTask) HandleExecution(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	minAge, err := intArg(args, "min_age_minutes", 15)
	if err != nil {
		return nil, err
	}
	abandonAfter, err := intArg(args, "abandon_after_hours", 24)
	if err != nil {
		return nil, err
	}
	limit, err := intArg(args, "limit", 100)
	if err != nil {
		return nil, err
	}

	res, _, err := t.reconciler.ReconcilePending(ctx, time.Duration(minAge)*time.Minute, time.Duration(abandonAfter)*time.Hour, limit)
	if res == nil {
		return nil, err
	}
	return map[string]interface{}{
		"checked":   res.Checked,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
		"pending":   res.Pending,
	}, err
}
