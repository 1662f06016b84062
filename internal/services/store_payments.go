package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"chapter_dues/internal/dues"
	"chapter_dues/internal/models"
)

// CreateDuesPayment records a charge before it is sent to the gateway
func (s *Store) CreateDuesPayment(ctx context.Context, p *models.DuesPayment) error {
	if p.Status == "" {
		p.Status = models.DuesPaymentPending
	}
	return s.db.WithContext(ctx).Create(p).Error
}

// SetPaymentHandles stores the checkout handles of a pending payment
func (s *Store) SetPaymentHandles(ctx context.Context, paymentID uint, clientToken, redirectURL string) error {
	return s.db.WithContext(ctx).
		Model(&models.DuesPayment{}).
		Where("id = ?", paymentID).
		Updates(map[string]interface{}{"client_token": clientToken, "redirect_url": redirectURL}).Error
}

// SetResultingMethod links a payment to the method saved from it
func (s *Store) SetResultingMethod(ctx context.Context, paymentID, methodID uint) error {
	return s.db.WithContext(ctx).
		Model(&models.DuesPayment{}).
		Where("id = ?", paymentID).
		Update("resulting_method_id", methodID).Error
}

func (s *Store) GetDuesPaymentByOrder(ctx context.Context, orderID string) (*models.DuesPayment, error) {
	var p models.DuesPayment
	if err := s.db.WithContext(ctx).Where("gateway_order_id = ?", orderID).First(&p).Error; err != nil {
		return nil, notFound(err, "payment "+orderID)
	}
	return &p, nil
}

// FindDuesPaymentByKey returns the latest payment created under an
// idempotency key, or nil
func (s *Store) FindDuesPaymentByKey(ctx context.Context, key string) (*models.DuesPayment, error) {
	var p models.DuesPayment
	err := s.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		Order("id desc").
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// PendingDuesPayments returns pending payments created before cutoff
func (s *Store) PendingDuesPayments(ctx context.Context, cutoff time.Time, limit int) ([]models.DuesPayment, error) {
	var out []models.DuesPayment
	q := s.db.WithContext(ctx).
		Where("status = ? AND created_at <= ?", models.DuesPaymentPending, cutoff).
		Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// PendingPaymentsForDues returns the pending payments of one dues row,
// oldest first
func (s *Store) PendingPaymentsForDues(ctx context.Context, duesID uint) ([]models.DuesPayment, error) {
	var out []models.DuesPayment
	err := s.db.WithContext(ctx).
		Where("dues_id = ? AND status = ?", duesID, models.DuesPaymentPending).
		Order("id").
		Find(&out).Error
	return out, err
}

// Settlement is the outcome of SettlePayment
type Settlement struct {
	Payment *models.DuesPayment
	Dues    *models.MemberDues
	// Installment is the plan installment charged by this payment, if any
	Installment *models.InstallmentPayment
	// Applied is false when the payment had already been settled
	Applied bool
}

// SettlePayment moves a pending payment to succeeded or failed. A successful
// payment credits the dues row and posts a ledger entry exactly once;
// settling an already settled payment changes nothing.
func (s *Store) SettlePayment(ctx context.Context, orderID string, status models.DuesPaymentStatus, reason string) (*Settlement, error) {
	if status != models.DuesPaymentSucceeded && status != models.DuesPaymentFailed {
		return nil, fmt.Errorf("cannot settle payment %s as %q", orderID, status)
	}

	out := &Settlement{}
	at := s.now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p models.DuesPayment
		if err := tx.Where("gateway_order_id = ?", orderID).First(&p).Error; err != nil {
			return notFound(err, "payment "+orderID)
		}
		out.Payment = &p

		var d models.MemberDues
		if err := tx.First(&d, p.DuesID).Error; err != nil {
			return notFound(err, "dues")
		}
		out.Dues = &d

		var inst models.InstallmentPayment
		err := tx.Where("gateway_ref = ?", orderID).First(&inst).Error
		switch {
		case err == nil:
			out.Installment = &inst
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		if p.Settled() {
			return nil
		}

		// Guarded so two concurrent settlements cannot both credit
		updates := map[string]interface{}{"status": status, "failure_reason": reason}
		if status == models.DuesPaymentSucceeded {
			updates["paid_at"] = at
		}
		res := tx.Model(&models.DuesPayment{}).
			Where("id = ? AND status = ?", p.ID, models.DuesPaymentPending).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		p.Status = status
		p.FailureReason = reason
		if status == models.DuesPaymentSucceeded {
			p.PaidAt = &at
		}
		out.Applied = true

		if status == models.DuesPaymentSucceeded {
			d.AmountPaid = d.AmountPaid.Add(p.Amount)
			if err := tx.Save(&d).Error; err != nil {
				return err
			}
			entry := models.LedgerEntry{
				ChapterID:   d.ChapterID,
				Amount:      p.Amount,
				Description: fmt.Sprintf("Dues payment: %s (%s)", d.MemberName, d.Period),
				OccurredOn:  at,
				SourceRef:   orderID,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
		}

		if out.Installment != nil {
			return settleInstallment(tx, out.Installment, status, reason, at)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if out.Applied {
		s.log.WithFields(logrus.Fields{
			"order_id": orderID,
			"dues_id":  out.Payment.DuesID,
			"status":   status,
		}).Info("payment settled")
	}
	return out, nil
}

func settleInstallment(tx *gorm.DB, inst *models.InstallmentPayment, status models.DuesPaymentStatus, reason string, at time.Time) error {
	inst.ProcessedAt = &at
	if status == models.DuesPaymentSucceeded {
		inst.Status = models.InstallmentSucceeded
		inst.FailureReason = ""
	} else {
		inst.Status = models.InstallmentFailed
		inst.FailureReason = reason
	}
	if err := tx.Save(inst).Error; err != nil {
		return err
	}
	if inst.Status != models.InstallmentSucceeded {
		return nil
	}

	var open int64
	err := tx.Model(&models.InstallmentPayment{}).
		Where("plan_id = ? AND status <> ?", inst.PlanID, models.InstallmentSucceeded).
		Count(&open).Error
	if err != nil || open > 0 {
		return err
	}
	return tx.Model(&models.InstallmentPlan{}).
		Where("id = ?", inst.PlanID).
		Update("status", models.PlanStatusCompleted).Error
}

// CreateInstallmentPlan stores a plan together with its scheduled payments
func (s *Store) CreateInstallmentPlan(ctx context.Context, plan *models.InstallmentPlan) error {
	return s.db.WithContext(ctx).Create(plan).Error
}

func (s *Store) GetInstallmentPlan(ctx context.Context, planID uint) (*models.InstallmentPlan, error) {
	var plan models.InstallmentPlan
	err := s.db.WithContext(ctx).
		Preload("Payments", func(db *gorm.DB) *gorm.DB { return db.Order("sequence") }).
		First(&plan, planID).Error
	if err != nil {
		return nil, notFound(err, "installment plan")
	}
	return &plan, nil
}

// ListInstallmentPlans returns the plans of a dues row, newest first
func (s *Store) ListInstallmentPlans(ctx context.Context, duesID uint) ([]models.InstallmentPlan, error) {
	var plans []models.InstallmentPlan
	err := s.db.WithContext(ctx).
		Preload("Payments", func(db *gorm.DB) *gorm.DB { return db.Order("sequence") }).
		Where("dues_id = ?", duesID).
		Order("id desc").
		Find(&plans).Error
	return plans, err
}

// ActivePlanExists reports whether the dues row already has an active plan
func (s *Store) ActivePlanExists(ctx context.Context, duesID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.InstallmentPlan{}).
		Where("dues_id = ? AND status = ?", duesID, models.PlanStatusActive).
		Count(&count).Error
	return count > 0, err
}

// DueInstallmentPayments returns scheduled payments of active plans that
// are due on or before asOf, with their plan loaded
func (s *Store) DueInstallmentPayments(ctx context.Context, asOf time.Time, limit int) ([]models.InstallmentPayment, error) {
	var out []models.InstallmentPayment
	q := s.db.WithContext(ctx).
		Joins("JOIN installment_plans ON installment_plans.id = installment_payments.plan_id").
		Where("installment_plans.status = ? AND installment_plans.deleted_at IS NULL", models.PlanStatusActive).
		Where("installment_payments.status = ? AND installment_payments.scheduled_date <= ?", models.InstallmentScheduled, asOf).
		Preload("Plan").
		Order("installment_payments.scheduled_date, installment_payments.id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// ClaimInstallmentPayment moves a scheduled payment to processing under
// orderID. It returns false when another worker claimed it first.
func (s *Store) ClaimInstallmentPayment(ctx context.Context, paymentID uint, orderID string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.InstallmentPayment{}).
		Where("id = ? AND status = ?", paymentID, models.InstallmentScheduled).
		Updates(map[string]interface{}{"status": models.InstallmentProcessing, "gateway_ref": orderID})
	return res.RowsAffected == 1, res.Error
}

// SetInstallmentAmount changes the amount of a scheduled payment
func (s *Store) SetInstallmentAmount(ctx context.Context, paymentID uint, amount decimal.Decimal) error {
	return s.db.WithContext(ctx).
		Model(&models.InstallmentPayment{}).
		Where("id = ? AND status = ?", paymentID, models.InstallmentScheduled).
		Update("amount", amount).Error
}

// FailInstallmentPayment marks a payment failed when no gateway charge exists for it
func (s *Store) FailInstallmentPayment(ctx context.Context, paymentID uint, reason string) error {
	at := s.now()
	return s.db.WithContext(ctx).
		Model(&models.InstallmentPayment{}).
		Where("id = ?", paymentID).
		Updates(map[string]interface{}{
			"status":         models.InstallmentFailed,
			"failure_reason": reason,
			"processed_at":   at,
		}).Error
}

// RecordCallback stores a raw gateway notification
func (s *Store) RecordCallback(ctx context.Context, cb *models.PaymentCallbackHistory) error {
	return s.db.WithContext(ctx).Create(cb).Error
}

// RecordTaskRun stores the outcome of a worker task execution
func (s *Store) RecordTaskRun(ctx context.Context, run *models.TaskRun) error {
	return s.db.WithContext(ctx).Create(run).Error
}

// RecentTaskRuns returns the latest runs of a task, or of all tasks when
// taskName is empty
func (s *Store) RecentTaskRuns(ctx context.Context, taskName string, limit int) ([]models.TaskRun, error) {
	var runs []models.TaskRun
	q := s.db.WithContext(ctx)
	if taskName != "" {
		q = q.Where("task_name = ?", taskName)
	}
	err := q.Order("run_at desc, id desc").Limit(limit).Find(&runs).Error
	return runs, err
}

// CancelInstallmentPlan stops an active plan; its scheduled payments are no
// longer charged
func (s *Store) CancelInstallmentPlan(ctx context.Context, planID uint) error {
	res := s.db.WithContext(ctx).
		Model(&models.InstallmentPlan{}).
		Where("id = ? AND status = ?", planID, models.PlanStatusActive).
		Update("status", models.PlanStatusCancelled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("active installment plan %d: %w", planID, dues.ErrNotFound)
	}
	return nil
}
