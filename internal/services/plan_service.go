package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"chapter_dues/internal/dues"
	"chapter_dues/internal/models"
	"chapter_dues/internal/payments"
)

var (
	ErrPlanExists       = errors.New("these dues already have an active installment plan")
	ErrFirstPaymentUsed = errors.New("the first payment does not belong to these dues or did not go through")
)

// InstallmentCharger charges one scheduled installment of a plan
type InstallmentCharger interface {
	ChargeInstallment(ctx context.Context, plan *models.InstallmentPlan, inst *models.InstallmentPayment) (*payments.IntentResult, error)
}

// PlanService creates installment plans and their payment schedules
type PlanService struct {
	store   *Store
	charger InstallmentCharger
	log     *logrus.Entry
	now     func() time.Time
}

func NewPlanService(store *Store, charger InstallmentCharger, logger *logrus.Logger) *PlanService {
	return &PlanService{
		store:   store,
		charger: charger,
		log:     logger.WithField("component", "plan_service"),
		now:     time.Now,
	}
}

// CreateInstallmentPlan re-checks eligibility and builds the schedule for
// the dues balance. When SkipFirstPayment is set the first installment is
// the payment named by FirstPaymentRef; otherwise it is charged now.
func (s *PlanService) CreateInstallmentPlan(ctx context.Context, req payments.PlanRequest) (*payments.PlanResult, error) {
	d, err := s.store.GetDues(ctx, req.DuesID)
	if err != nil {
		return nil, err
	}
	if d.MemberID != req.MemberID {
		return nil, fmt.Errorf("dues %d: %w", req.DuesID, dues.ErrNotFound)
	}

	exists, err := s.store.ActivePlanExists(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, dues.NewValidationError("num_installments", ErrPlanExists)
	}

	override, err := s.store.GetEligibility(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	flag, err := s.store.GetMemberEligibilityFlag(ctx, d.MemberID)
	if err != nil {
		return nil, err
	}
	today := s.now()
	elig := dues.EvaluateEligibility(d, override, flag, today)
	if err := dues.ValidateInstallmentSelection(dues.PaymentModeInstallment, req.NumInstallments, &elig); err != nil {
		return nil, err
	}

	if req.PaymentMethodID == 0 {
		return nil, dues.NewValidationError("payment_method", dues.ErrInvalidMethod)
	}
	method, err := s.store.GetSavedPaymentMethod(ctx, req.PaymentMethodID, d.MemberID)
	if err != nil {
		return nil, err
	}

	balance := d.Balance
	var first *models.DuesPayment
	if req.SkipFirstPayment {
		first, err = s.store.GetDuesPaymentByOrder(ctx, req.FirstPaymentRef)
		if err != nil {
			return nil, err
		}
		if first.DuesID != d.ID || first.Status == models.DuesPaymentFailed {
			return nil, dues.NewValidationError("first_payment", ErrFirstPaymentUsed)
		}
		// a settled first payment is already deducted from the balance
		if first.Status == models.DuesPaymentSucceeded {
			balance = balance.Add(first.Amount)
		}
	}

	schedule, err := dues.ScheduleInstallments(balance, req.NumInstallments, today, *elig.Deadline)
	if err != nil {
		return nil, err
	}
	if first != nil && !first.Amount.Equal(schedule[0].Amount) {
		last := len(schedule) - 1
		schedule[last].Amount = schedule[last].Amount.Add(schedule[0].Amount.Sub(first.Amount))
		schedule[0].Amount = first.Amount
		if !schedule[last].Amount.IsPositive() {
			return nil, dues.NewValidationError("first_payment", dues.ErrAmountExceedsBalance)
		}
	}

	plan := &models.InstallmentPlan{
		UUID:              uuid.NewString(),
		DuesID:            d.ID,
		MemberID:          d.MemberID,
		NumInstallments:   req.NumInstallments,
		InstallmentAmount: schedule[0].Amount,
		Status:            models.PlanStatusActive,
		PaymentMethodID:   method.ID,
	}
	for _, inst := range schedule {
		ip := models.InstallmentPayment{
			Sequence:      inst.Sequence,
			Amount:        inst.Amount,
			ScheduledDate: inst.DueDate,
			Status:        models.InstallmentScheduled,
		}
		if inst.Sequence == 1 && first != nil {
			ip.GatewayRef = first.GatewayOrderID
			ip.Status = models.InstallmentProcessing
			if first.Status == models.DuesPaymentSucceeded {
				ip.Status = models.InstallmentSucceeded
				ip.ProcessedAt = first.PaidAt
			}
		}
		plan.Payments = append(plan.Payments, ip)
	}

	if err := s.store.CreateInstallmentPlan(ctx, plan); err != nil {
		return nil, err
	}
	log := s.log.WithFields(logrus.Fields{
		"dues_id":          d.ID,
		"plan_id":          plan.ID,
		"num_installments": req.NumInstallments,
		"skip_first":       req.SkipFirstPayment,
	})
	log.Info("installment plan created")

	result := &payments.PlanResult{Plan: plan}
	if first == nil {
		res, err := s.charger.ChargeInstallment(ctx, plan, &plan.Payments[0])
		if err != nil {
			if cerr := s.store.CancelInstallmentPlan(ctx, plan.ID); cerr != nil {
				log.WithError(cerr).Error("failed to cancel plan after first charge failed")
			}
			return nil, err
		}
		if res.RequiresAction() {
			result.RequiresAction = true
			result.FirstPaymentClientSecret = res.ClientSecret
		}
	}

	fresh, err := s.store.GetInstallmentPlan(ctx, plan.ID)
	if err != nil {
		return nil, err
	}
	result.Plan = fresh
	return result, nil
}

// ActivePlanExists reports whether the dues row is being paid through a plan
func (s *PlanService) ActivePlanExists(ctx context.Context, duesID uint) (bool, error) {
	return s.store.ActivePlanExists(ctx, duesID)
}
