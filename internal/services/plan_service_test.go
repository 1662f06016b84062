package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"chapter_dues/internal/dues"
	"chapter_dues/internal/models"
	"chapter_dues/internal/payments"
)

type planFixture struct {
	store *Store
	gw    *fakeMidtrans
	pay   *PaymentService
	plans *PlanService
	dues  *models.MemberDues
	card  *models.SavedPaymentMethod
}

func newPlanFixture(t *testing.T, balance string) *planFixture {
	t.Helper()
	s := newTestStore(t)
	gw := newFakeMidtrans()
	gw.charge = &ChargeStatus{TransactionStatus: "capture", FraudStatus: "accept"}
	pay := newTestPaymentService(s, gw)
	plans := NewPlanService(s, pay, quietLogger())
	plans.now = func() time.Time { return testNow }

	deadline := testNow.AddDate(0, 0, 60)
	d := seedDues(t, s, models.MemberDues{MemberID: 4, MemberName: "Ada", BaseAmount: dec(balance), FlexibleDeadline: &deadline})
	if err := s.SetMemberEligibilityFlag(context.Background(), 4, true); err != nil {
		t.Fatal(err)
	}
	card := seedMethod(t, s, 4, models.MethodCard, "tok-visa")
	return &planFixture{store: s, gw: gw, pay: pay, plans: plans, dues: d, card: card}
}

func TestCreatePlanChargesFirstInstallment(t *testing.T) {
	f := newPlanFixture(t, "300")
	ctx := context.Background()

	res, err := f.plans.CreateInstallmentPlan(ctx, payments.PlanRequest{
		DuesID: f.dues.ID, MemberID: 4, NumInstallments: 3, PaymentMethodID: f.card.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	plan := res.Plan
	if len(plan.Payments) != 3 || plan.Status != models.PlanStatusActive {
		t.Fatalf("plan = %+v", plan)
	}
	if plan.Payments[0].Status != models.InstallmentSucceeded || plan.Payments[1].Status != models.InstallmentScheduled {
		t.Fatalf("payment statuses = %s, %s", plan.Payments[0].Status, plan.Payments[1].Status)
	}
	if !plan.Payments[2].ScheduledDate.Equal(testNow.AddDate(0, 0, 60).Truncate(24 * time.Hour)) {
		t.Errorf("last installment due %s, want the deadline", plan.Payments[2].ScheduledDate)
	}
	if f.gw.chargeCount() != 1 {
		t.Fatalf("gateway charged %d times, want 1", f.gw.chargeCount())
	}

	got, _ := f.store.GetDues(ctx, f.dues.ID)
	if !got.AmountPaid.Equal(dec("100")) {
		t.Fatalf("amount paid = %s, want 100", got.AmountPaid)
	}

	if _, err := f.plans.CreateInstallmentPlan(ctx, payments.PlanRequest{
		DuesID: f.dues.ID, MemberID: 4, NumInstallments: 2, PaymentMethodID: f.card.ID,
	}); !errors.Is(err, ErrPlanExists) {
		t.Fatalf("second plan: %v, want ErrPlanExists", err)
	}
}

func TestCreatePlanSkipsAlreadyChargedFirstPayment(t *testing.T) {
	f := newPlanFixture(t, "100.01")
	ctx := context.Background()

	// 100.01 over 3: 33.33, 33.33, 33.35
	first, err := f.pay.CreatePaymentIntent(ctx, payments.IntentRequest{
		DuesID: f.dues.ID, MemberID: 4, Method: models.MethodCard, Amount: dec("33.33"), SavedMethodID: f.card.ID,
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := f.plans.CreateInstallmentPlan(ctx, payments.PlanRequest{
		DuesID: f.dues.ID, MemberID: 4, NumInstallments: 3, PaymentMethodID: f.card.ID,
		SkipFirstPayment: true, FirstPaymentRef: first.IntentID,
	})
	if err != nil {
		t.Fatal(err)
	}

	p := res.Plan.Payments
	if p[0].GatewayRef != first.IntentID || p[0].Status != models.InstallmentSucceeded {
		t.Fatalf("first installment = %+v, want the existing charge", p[0])
	}
	if !p[0].Amount.Equal(dec("33.33")) || !p[1].Amount.Equal(dec("33.33")) || !p[2].Amount.Equal(dec("33.35")) {
		t.Fatalf("amounts = %s %s %s", p[0].Amount, p[1].Amount, p[2].Amount)
	}
	if f.gw.chargeCount() != 1 {
		t.Fatalf("first installment was charged again")
	}
}

func TestCreatePlanRejectsIneligibleDues(t *testing.T) {
	f := newPlanFixture(t, "300")
	ctx := context.Background()

	tests := []struct {
		name string
		req  payments.PlanRequest
		want error
	}{
		{"count not offered", payments.PlanRequest{DuesID: f.dues.ID, MemberID: 4, NumInstallments: 5, PaymentMethodID: f.card.ID}, dues.ErrInvalidInstallmentCount},
		{"no selection", payments.PlanRequest{DuesID: f.dues.ID, MemberID: 4, PaymentMethodID: f.card.ID}, dues.ErrInstallmentSelectionRequired},
		{"no method", payments.PlanRequest{DuesID: f.dues.ID, MemberID: 4, NumInstallments: 2}, dues.ErrInvalidMethod},
		{"other member", payments.PlanRequest{DuesID: f.dues.ID, MemberID: 8, NumInstallments: 2, PaymentMethodID: f.card.ID}, dues.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.plans.CreateInstallmentPlan(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}

	if err := f.store.SetMemberEligibilityFlag(ctx, 4, false); err != nil {
		t.Fatal(err)
	}
	if _, err := f.plans.CreateInstallmentPlan(ctx, payments.PlanRequest{
		DuesID: f.dues.ID, MemberID: 4, NumInstallments: 2, PaymentMethodID: f.card.ID,
	}); !errors.Is(err, dues.ErrNotEligible) {
		t.Fatalf("err = %v, want ErrNotEligible", err)
	}
}

func TestCreatePlanCancelsWhenFirstChargeDeclines(t *testing.T) {
	f := newPlanFixture(t, "300")
	f.gw.charge = &ChargeStatus{TransactionStatus: "deny", StatusMessage: "insufficient funds"}
	ctx := context.Background()

	_, err := f.plans.CreateInstallmentPlan(ctx, payments.PlanRequest{
		DuesID: f.dues.ID, MemberID: 4, NumInstallments: 2, PaymentMethodID: f.card.ID,
	})
	var gerr *payments.GatewayError
	if !errors.As(err, &gerr) {
		t.Fatalf("err = %v, want gateway error", err)
	}

	plans, _ := f.store.ListInstallmentPlans(ctx, f.dues.ID)
	if len(plans) != 1 || plans[0].Status != models.PlanStatusCancelled {
		t.Fatalf("plans = %+v, want one cancelled plan", plans)
	}
	if active, _ := f.store.ActivePlanExists(ctx, f.dues.ID); active {
		t.Fatal("declined plan is still active")
	}
}

func TestChargeInstallmentWhenDue(t *testing.T) {
	f := newPlanFixture(t, "300")
	ctx := context.Background()
	var notified []*Settlement
	f.pay.OnSettle(func(st *Settlement) { notified = append(notified, st) })

	res, err := f.plans.CreateInstallmentPlan(ctx, payments.PlanRequest{
		DuesID: f.dues.ID, MemberID: 4, NumInstallments: 3, PaymentMethodID: f.card.ID,
	})
	if err != nil {
		t.Fatal(err)
	}

	due, err := f.store.DueInstallmentPayments(ctx, res.Plan.Payments[1].ScheduledDate, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].Sequence != 2 || due[0].Plan == nil {
		t.Fatalf("due = %+v, want installment 2 with its plan", due)
	}

	f.gw.charge = &ChargeStatus{TransactionStatus: "deny", StatusMessage: "card expired"}
	_, err = f.pay.ChargeInstallment(ctx, due[0].Plan, &due[0])
	var gerr *payments.GatewayError
	if !errors.As(err, &gerr) {
		t.Fatalf("err = %v, want gateway error", err)
	}
	if _, err := f.pay.ChargeInstallment(ctx, due[0].Plan, &due[0]); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("second charge err = %v, want ErrAlreadyClaimed", err)
	}

	plan, _ := f.store.GetInstallmentPlan(ctx, res.Plan.ID)
	if plan.Payments[1].Status != models.InstallmentFailed || plan.Payments[1].FailureReason != "card expired" {
		t.Fatalf("installment 2 = %s (%q), want failed", plan.Payments[1].Status, plan.Payments[1].FailureReason)
	}
	last := notified[len(notified)-1]
	if last.Installment == nil || last.Payment.Status != models.DuesPaymentFailed {
		t.Fatalf("last settlement = %+v, want the failed installment", last)
	}
}

func TestActivePlanRefusesDirectPayments(t *testing.T) {
	f := newPlanFixture(t, "300")
	ctx := context.Background()

	if _, err := f.plans.CreateInstallmentPlan(ctx, payments.PlanRequest{
		DuesID: f.dues.ID, MemberID: 4, NumInstallments: 3, PaymentMethodID: f.card.ID,
	}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		req  payments.IntentRequest
	}{
		{"saved card", payments.IntentRequest{DuesID: f.dues.ID, MemberID: 4, Method: models.MethodCard, Amount: dec("150"), SavedMethodID: f.card.ID}},
		{"hosted checkout", payments.IntentRequest{DuesID: f.dues.ID, MemberID: 4, Method: models.MethodBank, Amount: dec("150"), IdempotencyKey: "direct-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.pay.CreatePaymentIntent(ctx, tt.req); !errors.Is(err, payments.ErrPlanActive) {
				t.Fatalf("err = %v, want ErrPlanActive", err)
			}
		})
	}
	if f.gw.chargeCount() != 1 || f.gw.createCount() != 0 {
		t.Fatalf("gateway saw %d charges and %d checkouts, want only the first installment", f.gw.chargeCount(), f.gw.createCount())
	}
	if active, _ := f.plans.ActivePlanExists(ctx, f.dues.ID); !active {
		t.Fatal("plan should still be active")
	}
}

func TestChargeInstallmentNeverExceedsBalance(t *testing.T) {
	f := newPlanFixture(t, "300")
	ctx := context.Background()

	res, err := f.plans.CreateInstallmentPlan(ctx, payments.PlanRequest{
		DuesID: f.dues.ID, MemberID: 4, NumInstallments: 3, PaymentMethodID: f.card.ID,
	})
	if err != nil {
		t.Fatal(err)
	}

	// a 150 credit leaves 50 owed against two 100 installments
	d, _ := f.store.GetDues(ctx, f.dues.ID)
	d.Adjustments = dec("-150")
	if err := f.store.SaveDues(ctx, d); err != nil {
		t.Fatal(err)
	}

	second := res.Plan.Payments[1]
	if _, err := f.pay.ChargeInstallment(ctx, res.Plan, &second); err != nil {
		t.Fatal(err)
	}
	// 50 + 2.9% + 0.30
	if got := f.gw.charges[1].GrossAmount; got != 5175 {
		t.Fatalf("second installment charged %d, want 5175", got)
	}

	third := res.Plan.Payments[2]
	if _, err := f.pay.ChargeInstallment(ctx, res.Plan, &third); !errors.Is(err, ErrNothingDue) {
		t.Fatalf("third installment err = %v, want ErrNothingDue", err)
	}

	got, _ := f.store.GetDues(ctx, f.dues.ID)
	if !got.Balance.IsZero() || !got.AmountPaid.Equal(dec("150")) {
		t.Fatalf("balance %s paid %s, want 0 and 150", got.Balance, got.AmountPaid)
	}
	plan, _ := f.store.GetInstallmentPlan(ctx, res.Plan.ID)
	if !plan.Payments[1].Amount.Equal(dec("50")) || plan.Payments[2].Status != models.InstallmentFailed {
		t.Fatalf("installments = %+v", plan.Payments)
	}
}
