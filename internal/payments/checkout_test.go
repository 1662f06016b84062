package payments

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"chapter_dues/internal/dues"
	"chapter_dues/internal/models"
)

type checkoutFixture struct {
	ledger   *fakeLedger
	gateway  *fakeGateway
	accounts *fakeAccounts
	clock    *FakeClock
	events   *Events
	deps     CheckoutDeps
}

func newCheckoutFixture(balance string) *checkoutFixture {
	now := time.Now().UTC()
	deadline := now.AddDate(0, 0, 30)

	ledger := newFakeLedger()
	ledger.dues[9] = &models.MemberDues{
		ID:               9,
		MemberID:         4,
		ChapterID:        1,
		BaseAmount:       money(balance),
		Balance:          money(balance),
		Status:           models.DuesStatusUnpaid,
		FlexibleDeadline: &deadline,
	}
	ledger.flags[4] = true
	ledger.methods[4] = []models.SavedPaymentMethod{
		{ID: 5, MemberID: 4, Type: models.MethodCard, Brand: "visa", Last4: "4242", IsDefault: true},
	}

	f := &checkoutFixture{
		ledger:   ledger,
		gateway:  &fakeGateway{},
		accounts: &fakeAccounts{statuses: []AccountStatus{readyAccount}},
		clock:    NewFakeClock(now),
		events:   NewEvents(),
	}
	logger := quietLogger()
	f.deps = CheckoutDeps{
		Dues:        ledger,
		Eligibility: dues.NewEligibilityEvaluator(ledger, logger),
		Accounts:    f.accounts,
		Gateway:     f.gateway,
		Plans:       ledger,
		Methods:     ledger,
		Clock:       f.clock,
		Events:      f.events,
		Logger:      logger,
	}
	return f
}

func (f *checkoutFixture) open(t *testing.T) *Checkout {
	t.Helper()
	c := NewCheckout(f.deps, CheckoutConfig{}, 9, 4)
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestCheckoutCoalescesMethodToggling(t *testing.T) {
	f := newCheckoutFixture("120")
	c := f.open(t)

	for _, m := range []models.MethodType{models.MethodCard, models.MethodBank, models.MethodCard} {
		if err := c.SelectMethod(m); err != nil {
			t.Fatal(err)
		}
		f.clock.Advance(50 * time.Millisecond)
	}
	f.clock.Advance(time.Second)

	if n := f.gateway.createCount(); n != 1 {
		t.Fatalf("expected 1 intent, got %d", n)
	}
	req := f.gateway.lastCreate()
	if req.Method != models.MethodCard || !req.Amount.Equal(money("120")) || req.DuesID != 9 {
		t.Errorf("unexpected intent request %+v", req)
	}

	q, err := c.Quote()
	if err != nil {
		t.Fatal(err)
	}
	if !q.Total.Equal(money("123.78")) {
		t.Errorf("quote total = %s, want 123.78", q.Total)
	}
}

func TestCheckoutValidatesAmountBeforeAnyCall(t *testing.T) {
	f := newCheckoutFixture("120")
	c := f.open(t)
	if err := c.SelectMethod(models.MethodBank); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Second)

	tests := []struct {
		amount string
		want   error
	}{
		{"0.50", dues.ErrAmountBelowMinimum},
		{"120.01", dues.ErrAmountExceedsBalance},
		{"0", dues.ErrInvalidAmount},
	}
	for _, tt := range tests {
		err := c.SetAmount(money(tt.amount))
		if !errors.Is(err, tt.want) || !dues.IsValidation(err) {
			t.Errorf("amount %s: expected %v, got %v", tt.amount, tt.want, err)
		}
	}
	f.clock.Advance(time.Second)
	if n := f.gateway.createCount(); n != 1 {
		t.Fatalf("invalid amounts reached the gateway (%d calls)", n)
	}

	if err := c.SetAmount(money("20")); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Second)
	if n := f.gateway.createCount(); n != 2 {
		t.Fatalf("expected a new intent for the partial amount, got %d calls", n)
	}
	if v := c.View(); v.Mode != dues.PaymentModePartial {
		t.Errorf("expected partial mode, got %s", v.Mode)
	}
}

func TestCheckoutPartialAndInstallmentsAreExclusive(t *testing.T) {
	f := newCheckoutFixture("300")
	c := f.open(t)

	if err := c.SetMode(dues.PaymentModeInstallment, 3); err != nil {
		t.Fatal(err)
	}
	if err := c.SetAmount(money("50")); !errors.Is(err, dues.ErrPartialWithInstallments) {
		t.Fatalf("expected ErrPartialWithInstallments, got %v", err)
	}
	if err := c.SetMode(dues.PaymentModeInstallment, 5); !errors.Is(err, dues.ErrInvalidInstallmentCount) {
		t.Fatalf("expected ErrInvalidInstallmentCount, got %v", err)
	}
	if err := c.SetMode(dues.PaymentModeInstallment, 0); !errors.Is(err, dues.ErrInstallmentSelectionRequired) {
		t.Fatalf("expected ErrInstallmentSelectionRequired, got %v", err)
	}

	v := c.View()
	if len(v.Schedule) != 3 || !v.Amount.Equal(money("100")) || !v.Save {
		t.Fatalf("unexpected installment view %+v", v)
	}
	if err := c.SetMode(dues.PaymentModeFull, 0); err != nil {
		t.Fatal(err)
	}
	if v := c.View(); !v.Amount.Equal(money("300")) || v.PlanPending {
		t.Fatalf("unexpected view after switching back %+v", v)
	}
}

func TestCheckoutInstallmentPlanWithSavedMethod(t *testing.T) {
	f := newCheckoutFixture("300")
	f.gateway.createStatus = PaymentSucceeded
	c := f.open(t)

	out, err := c.StartInstallmentPlan(context.Background(), 3, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Success() || out.Plan == nil {
		t.Fatalf("expected a charged first installment and a plan, got %+v", out)
	}

	req := f.gateway.lastCreate()
	if req.SavedMethodID != 5 || !req.Amount.Equal(money("100")) {
		t.Errorf("unexpected first installment charge %+v", req)
	}
	if len(f.ledger.plans) != 1 {
		t.Fatalf("expected one plan, got %d", len(f.ledger.plans))
	}
	plan := f.ledger.plans[0]
	if !plan.SkipFirstPayment || plan.NumInstallments != 3 || plan.PaymentMethodID != 5 || plan.FirstPaymentRef != out.IntentID {
		t.Errorf("unexpected plan request %+v", plan)
	}
}

func TestCheckoutInstallmentPlanAfterNewMethod(t *testing.T) {
	f := newCheckoutFixture("300")
	f.gateway.confirmResult = ConfirmResult{Status: PaymentSucceeded, PaymentMethodID: 77}
	c := f.open(t)

	out, err := c.StartInstallmentPlan(context.Background(), 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if out.Success() || len(f.ledger.plans) != 0 {
		t.Fatalf("nothing should be charged yet, got %+v", out)
	}
	if err := c.SelectMethod(models.MethodCard); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Second)

	req := f.gateway.lastCreate()
	if !req.SavePaymentMethod || !req.Amount.Equal(money("100")) {
		t.Fatalf("expected the first installment with a saved method, got %+v", req)
	}

	out, err = c.Confirm(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.Plan == nil || f.ledger.plans[0].PaymentMethodID != 77 {
		t.Fatalf("expected plan on the resulting method, got %+v / %+v", out, f.ledger.plans)
	}
}

func TestCheckoutPlanFailureAfterChargeIsReconciliationError(t *testing.T) {
	f := newCheckoutFixture("300")
	f.gateway.createStatus = PaymentSucceeded
	f.ledger.planErr = errors.New("database unavailable")
	c := f.open(t)

	out, err := c.StartInstallmentPlan(context.Background(), 3, 5)
	var rerr *ReconciliationError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected a reconciliation error, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "payment succeeded, but") {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !out.Success() {
		t.Error("the charge must still be reported as successful")
	}
	if err := c.SetMode(dues.PaymentModeFull, 0); !errors.Is(err, ErrPlanIncomplete) {
		t.Fatalf("expected mode change to be blocked, got %v", err)
	}

	f.ledger.mu.Lock()
	f.ledger.planErr = nil
	f.ledger.mu.Unlock()

	plan, err := c.CompleteInstallmentPlan(context.Background(), 5, "")
	if err != nil {
		t.Fatal(err)
	}
	if plan == nil || f.ledger.plans[1].FirstPaymentRef != out.IntentID {
		t.Fatalf("retry did not reuse the charge reference: %+v", f.ledger.plans)
	}
	if _, err := c.CompleteInstallmentPlan(context.Background(), 5, ""); !errors.Is(err, ErrNoPendingPlan) {
		t.Fatalf("expected ErrNoPendingPlan, got %v", err)
	}
}

func TestCheckoutIneligibleWithoutDeadline(t *testing.T) {
	f := newCheckoutFixture("300")
	f.ledger.dues[9].FlexibleDeadline = nil
	f.ledger.overrides[9] = &models.InstallmentEligibility{DuesID: 9, Eligible: true, AllowedPlans: []int{2, 3}}
	c := f.open(t)

	if _, err := c.StartInstallmentPlan(context.Background(), 3, 5); !errors.Is(err, dues.ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
	if n := f.gateway.createCount(); n != 0 {
		t.Fatalf("expected no charge, got %d", n)
	}
}

func TestCheckoutWaitsForOnboarding(t *testing.T) {
	f := newCheckoutFixture("120")
	f.accounts.statuses = []AccountStatus{
		{Exists: true},
		{Exists: true},
		readyAccount,
	}
	c := f.open(t)

	var onboarded []OnboardingCompleted
	f.events.Onboarding.Subscribe(func(e OnboardingCompleted) { onboarded = append(onboarded, e) })

	if err := c.SelectMethod(models.MethodCard); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Second)
	if n := f.gateway.createCount(); n != 0 {
		t.Fatalf("no intent may be created before charges are enabled, got %d", n)
	}
	if _, err := c.Confirm(context.Background()); !errors.Is(err, ErrChargesDisabled) {
		t.Fatalf("expected ErrChargesDisabled, got %v", err)
	}

	h := c.WatchOnboarding()
	if h == nil {
		t.Fatal("expected a poll handle")
	}
	if again := c.WatchOnboarding(); again != h {
		t.Error("a second watch must reuse the running poll")
	}
	f.clock.Advance(10*time.Second + 300*time.Millisecond)

	if h.Result() != PollCompleted {
		t.Fatalf("expected poll to complete, got %q", h.Result())
	}
	if len(onboarded) != 1 || onboarded[0].ChapterID != 1 {
		t.Fatalf("expected one onboarding event, got %+v", onboarded)
	}
	if n := f.gateway.createCount(); n != 1 {
		t.Fatalf("expected the intent once onboarding finished, got %d", n)
	}
}

func TestCheckoutCloseCancelsEverything(t *testing.T) {
	f := newCheckoutFixture("120")
	f.accounts.statuses = []AccountStatus{{Exists: true}}
	c := NewCheckout(f.deps, CheckoutConfig{}, 9, 4)
	if err := c.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.SelectMethod(models.MethodCard); err != nil {
		t.Fatal(err)
	}
	h := c.WatchOnboarding()
	checksBefore := f.accounts.callCount()

	c.Close()
	f.clock.Advance(10 * time.Minute)

	if f.accounts.callCount() != checksBefore {
		t.Error("onboarding poll ran after close")
	}
	if h.Result() != PollCancelled {
		t.Errorf("expected poll cancelled, got %q", h.Result())
	}
	if f.clock.Pending() != 0 {
		t.Errorf("expected no timers left, got %d", f.clock.Pending())
	}
	if err := c.SelectMethod(models.MethodBank); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestCheckoutRejectsOtherMembersDues(t *testing.T) {
	f := newCheckoutFixture("120")
	c := NewCheckout(f.deps, CheckoutConfig{}, 9, 99)
	defer c.Close()

	if err := c.Load(context.Background()); !errors.Is(err, dues.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCheckoutSavedMethods(t *testing.T) {
	f := newCheckoutFixture("120")
	c := f.open(t)

	if err := c.DeleteSavedMethod(context.Background(), 5); err != nil {
		t.Fatal(err)
	}
	if v := c.View(); len(v.Methods) != 0 {
		t.Fatalf("expected saved methods to be re-read, got %+v", v.Methods)
	}
	if _, err := c.PaySaved(context.Background(), 5); !errors.Is(err, dues.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a deleted method, got %v", err)
	}
}

func TestCheckoutPublishesCompletion(t *testing.T) {
	f := newCheckoutFixture("120")
	f.gateway.createStatus = PaymentProcessing
	c := f.open(t)

	var completed []PaymentCompleted
	var refreshed []RefreshRequested
	f.events.PaymentCompleted.Subscribe(func(e PaymentCompleted) { completed = append(completed, e) })
	f.events.Refresh.Subscribe(func(e RefreshRequested) { refreshed = append(refreshed, e) })

	out, err := c.PaySaved(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Success() || c.State() != StateProcessing {
		t.Fatalf("bank-style processing must count as success, got %+v in %s", out, c.State())
	}
	if len(completed) != 1 || completed[0].MemberID != 4 || !completed[0].Amount.Equal(money("120")) {
		t.Fatalf("unexpected completion events %+v", completed)
	}
	if len(refreshed) != 1 || refreshed[0].DuesID != 9 {
		t.Fatalf("unexpected refresh events %+v", refreshed)
	}

	again, err := c.PaySaved(context.Background(), 5)
	if err != nil || !again.Duplicate {
		t.Fatalf("a second charge before refresh must be suppressed, got %+v, %v", again, err)
	}
}

func TestCheckoutRefusesChargesWhilePlanIsActive(t *testing.T) {
	f := newCheckoutFixture("300")
	f.ledger.active[9] = true
	f.gateway.createStatus = PaymentSucceeded
	c := f.open(t)

	if err := c.SelectMethod(models.MethodCard); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Second)
	if n := f.gateway.createCount(); n != 0 {
		t.Fatalf("intent created for dues under an active plan (%d calls)", n)
	}
	if _, err := c.PaySaved(context.Background(), 5); !errors.Is(err, ErrPlanActive) {
		t.Fatalf("saved charge: %v, want ErrPlanActive", err)
	}
	if _, err := c.StartInstallmentPlan(context.Background(), 3, 5); !errors.Is(err, ErrPlanActive) {
		t.Fatalf("second plan: %v, want ErrPlanActive", err)
	}
	if !c.View().PlanActive {
		t.Error("view does not report the active plan")
	}

	// the plan was cancelled elsewhere
	f.ledger.mu.Lock()
	f.ledger.active[9] = false
	f.ledger.mu.Unlock()
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Second)
	if n := f.gateway.createCount(); n != 1 {
		t.Fatalf("expected an intent once the plan ended, got %d calls", n)
	}
}

func TestCheckoutRefreshKeepsProcessingPayment(t *testing.T) {
	f := newCheckoutFixture("120")
	f.gateway.createStatus = PaymentProcessing
	f.gateway.confirmResult = ConfirmResult{Status: PaymentProcessing}
	c := f.open(t)

	if _, err := c.PaySaved(context.Background(), 5); err != nil {
		t.Fatal(err)
	}
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateProcessing {
		t.Fatalf("refresh reset a payment still processing, state %s", c.State())
	}
	again, err := c.PaySaved(context.Background(), 5)
	if err != nil || !again.Duplicate {
		t.Fatalf("second charge while processing: %+v, %v", again, err)
	}
	if n := f.gateway.createCount(); n != 1 {
		t.Fatalf("expected one charge, got %d", n)
	}

	f.gateway.mu.Lock()
	f.gateway.confirmResult = ConfirmResult{Status: PaymentFailed}
	f.gateway.mu.Unlock()
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle once the payment failed, got %s", c.State())
	}
}
