package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"chapter_dues/internal/dues"
	"chapter_dues/internal/models"
)

// CheckoutDeps are the collaborators a checkout reads from and writes to
type CheckoutDeps struct {
	Dues        DuesSource
	Eligibility *dues.EligibilityEvaluator
	Accounts    AccountStatusSource
	Gateway     Gateway
	Plans       PlanCreator
	Methods     SavedMethodStore
	Fees        dues.FeeSchedule
	Clock       Clock
	Events      *Events
	Logger      *logrus.Logger
}

// CheckoutConfig tunes a checkout
type CheckoutConfig struct {
	Debounce       time.Duration
	Poll           PollConfig
	MinimumPayment decimal.Decimal
}

// CheckoutView is a point-in-time snapshot of a checkout
type CheckoutView struct {
	SessionID    string                      `json:"session_id"`
	Dues         *models.MemberDues          `json:"dues"`
	Eligibility  *dues.Eligibility           `json:"eligibility"`
	Account      AccountStatus               `json:"account"`
	Methods      []models.SavedPaymentMethod `json:"saved_methods"`
	Method       models.MethodType           `json:"method,omitempty"`
	Amount       decimal.Decimal             `json:"amount"`
	Save         bool                        `json:"save_payment_method"`
	Mode         dues.PaymentMode            `json:"mode"`
	Installments int                         `json:"num_installments,omitempty"`
	Schedule     []dues.Installment          `json:"schedule,omitempty"`
	PlanPending  bool                        `json:"plan_pending"`
	PlanActive   bool                        `json:"plan_active"`
	Quote        *dues.Quote                 `json:"quote,omitempty"`
	State        State                       `json:"state"`
	Intent       *IntentRecord               `json:"intent,omitempty"`
	Error        string                      `json:"error,omitempty"`
	Polling      bool                        `json:"polling_onboarding"`
}

// Checkout is one member's payment view over one dues row. It owns a
// reconciler and at most one onboarding poll, both released by Close.
type Checkout struct {
	id       string
	duesID   uint
	memberID uint

	deps       CheckoutDeps
	cfg        CheckoutConfig
	log        *logrus.Entry
	reconciler *Reconciler

	mu           sync.Mutex
	dues         *models.MemberDues
	eligibility  *dues.Eligibility
	account      AccountStatus
	methods      []models.SavedPaymentMethod
	method       models.MethodType
	amount       decimal.Decimal
	save         bool
	mode         dues.PaymentMode
	installments int
	schedule     []dues.Installment
	planPending  bool
	planActive   bool
	firstRef     string
	poll         *PollHandle
	loaded       bool
	closed       bool
}

// NewCheckout creates a checkout for duesID. Load must be called before any
// payment operation.
func NewCheckout(deps CheckoutDeps, cfg CheckoutConfig, duesID, memberID uint) *Checkout {
	if deps.Events == nil {
		deps.Events = NewEvents()
	}
	if deps.Clock == nil {
		deps.Clock = RealClock()
	}
	if deps.Fees == (dues.FeeSchedule{}) {
		deps.Fees = dues.DefaultFeeSchedule
	}
	if cfg.MinimumPayment.IsZero() {
		cfg.MinimumPayment = dues.DefaultMinimumPayment
	}

	id := uuid.NewString()
	return &Checkout{
		id:       id,
		duesID:   duesID,
		memberID: memberID,
		deps:     deps,
		cfg:      cfg,
		log: deps.Logger.WithFields(logrus.Fields{
			"component":  "checkout",
			"session_id": id,
			"dues_id":    duesID,
		}),
		reconciler: NewReconciler(deps.Gateway, deps.Clock, ReconcilerConfig{
			SessionID: id,
			MemberID:  memberID,
			Debounce:  cfg.Debounce,
		}, deps.Events, deps.Logger),
		mode: dues.PaymentModeFull,
	}
}

// ID returns the checkout session id
func (c *Checkout) ID() string { return c.id }

// DuesID returns the dues row this checkout pays
func (c *Checkout) DuesID() uint { return c.duesID }

// MemberID returns the member paying through this checkout
func (c *Checkout) MemberID() uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memberID
}

// Load reads the dues row, the chapter account, eligibility and saved
// methods. Calling it again re-reads everything.
func (c *Checkout) Load(ctx context.Context) error {
	d, err := c.deps.Dues.GetDues(ctx, c.duesID)
	if err != nil {
		return fmt.Errorf("failed to load dues: %w", err)
	}
	if c.memberID != 0 && d.MemberID != c.memberID {
		return fmt.Errorf("dues %d: %w", c.duesID, dues.ErrNotFound)
	}

	account, err := c.deps.Accounts.GetAccountStatus(ctx, d.ChapterID)
	if err != nil {
		return fmt.Errorf("failed to read account status: %w", err)
	}
	elig, err := c.deps.Eligibility.Evaluate(ctx, c.duesID, d.MemberID)
	if err != nil {
		return err
	}
	methods, err := c.deps.Methods.ListSavedPaymentMethods(ctx, d.MemberID)
	if err != nil {
		return fmt.Errorf("failed to list saved methods: %w", err)
	}
	planActive, err := c.deps.Plans.ActivePlanExists(ctx, c.duesID)
	if err != nil {
		return fmt.Errorf("failed to look up installment plans: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	c.dues = d
	c.account = account
	c.eligibility = elig
	c.methods = methods
	c.planActive = planActive
	if c.memberID == 0 {
		c.memberID = d.MemberID
	}

	switch {
	case !c.loaded || c.mode == dues.PaymentModeFull:
		c.mode = dues.PaymentModeFull
		c.amount = d.Balance
	case c.mode == dues.PaymentModeInstallment && !elig.Eligible && c.firstRef == "":
		c.clearInstallmentsLocked()
		c.mode = dues.PaymentModeFull
		c.amount = d.Balance
	case c.amount.GreaterThan(d.Balance):
		c.amount = d.Balance
	}
	c.loaded = true
	key, ok := c.intentKeyLocked()
	c.mu.Unlock()

	if ok {
		c.reconciler.Request(key)
	}
	return nil
}

func (c *Checkout) clearInstallmentsLocked() {
	c.installments = 0
	c.schedule = nil
	c.planPending = false
}

// intentKeyLocked returns the key to request when everything needed for an
// intent is known and valid
func (c *Checkout) intentKeyLocked() (IntentKey, bool) {
	if !c.loaded || c.closed || c.planActive || !c.account.ChargesEnabled || !c.method.IsValid() {
		return IntentKey{}, false
	}
	if !c.dues.Balance.IsPositive() {
		return IntentKey{}, false
	}
	if err := dues.ValidatePaymentAmount(c.amount, c.dues.Balance, c.cfg.MinimumPayment); err != nil {
		return IntentKey{}, false
	}
	return IntentKey{
		DuesID:            c.duesID,
		Method:            c.method,
		Amount:            c.amount,
		SavePaymentMethod: c.save,
	}, true
}

func (c *Checkout) readyLocked() error {
	if c.closed {
		return ErrSessionClosed
	}
	if !c.loaded {
		return fmt.Errorf("checkout for dues %d is not loaded", c.duesID)
	}
	if !c.account.ChargesEnabled {
		return ErrChargesDisabled
	}
	return nil
}

// update runs fn under the lock and then requests an intent for the new
// parameters if they are complete
func (c *Checkout) update(fn func() error) error {
	c.mu.Lock()
	if err := c.readyLocked(); err != nil && !errors.Is(err, ErrChargesDisabled) {
		c.mu.Unlock()
		return err
	}
	if err := fn(); err != nil {
		c.mu.Unlock()
		return err
	}
	key, ok := c.intentKeyLocked()
	c.mu.Unlock()

	if ok {
		c.reconciler.Request(key)
	}
	return nil
}

// SelectMethod chooses card or bank for a new payment method
func (c *Checkout) SelectMethod(method models.MethodType) error {
	if !method.IsValid() {
		return dues.NewValidationError("method", dues.ErrInvalidMethod)
	}
	return c.update(func() error {
		c.method = method
		return nil
	})
}

// SetAmount switches to a custom amount. Paying the full balance this way
// goes back to full mode.
func (c *Checkout) SetAmount(amount decimal.Decimal) error {
	return c.update(func() error {
		if c.mode == dues.PaymentModeInstallment {
			return dues.NewValidationError("amount", dues.ErrPartialWithInstallments)
		}
		if err := dues.ValidatePaymentAmount(amount, c.dues.Balance, c.cfg.MinimumPayment); err != nil {
			return err
		}
		c.amount = amount
		c.mode = dues.PaymentModePartial
		if amount.Equal(c.dues.Balance) {
			c.mode = dues.PaymentModeFull
		}
		return nil
	})
}

// SetSave toggles saving the new payment method for later use
func (c *Checkout) SetSave(save bool) error {
	return c.update(func() error {
		if c.mode == dues.PaymentModeInstallment && !save {
			return dues.NewValidationError("save_payment_method", errors.New("installment plans need a saved payment method"))
		}
		c.save = save
		return nil
	})
}

// SetMode picks how the dues are paid. Installment mode needs an allowed
// plan size and charges the first installment now.
func (c *Checkout) SetMode(mode dues.PaymentMode, installments int) error {
	return c.update(func() error {
		return c.setModeLocked(mode, installments)
	})
}

func (c *Checkout) setModeLocked(mode dues.PaymentMode, installments int) error {
	if c.firstRef != "" {
		return dues.NewValidationError("mode", ErrPlanIncomplete)
	}
	switch mode {
	case dues.PaymentModeFull:
		c.clearInstallmentsLocked()
		c.amount = c.dues.Balance
	case dues.PaymentModePartial:
		c.clearInstallmentsLocked()
	case dues.PaymentModeInstallment:
		if err := dues.ValidateInstallmentSelection(mode, installments, c.eligibility); err != nil {
			return err
		}
		schedule, err := dues.ScheduleInstallments(c.dues.Balance, installments, c.deps.Clock.Now(), *c.eligibility.Deadline)
		if err != nil {
			return err
		}
		c.installments = installments
		c.schedule = schedule
		c.amount = schedule[0].Amount
		c.save = true
		c.planPending = true
	default:
		return dues.NewValidationError("mode", fmt.Errorf("unknown payment mode %q", mode))
	}
	c.mode = mode
	return nil
}

// Quote prices the current amount and method
func (c *Checkout) Quote() (dues.Quote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.method.IsValid() {
		return dues.Quote{}, dues.NewValidationError("method", ErrNoMethod)
	}
	return c.deps.Fees.Calculate(c.amount, c.method)
}

// Confirm confirms the ready intent. In installment mode a successful first
// charge goes on to create the plan.
func (c *Checkout) Confirm(ctx context.Context) (*Outcome, error) {
	c.mu.Lock()
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	out, err := c.reconciler.Confirm(ctx)
	if err != nil {
		return out, err
	}
	return c.afterCharge(ctx, out, out.PaymentMethodID)
}

// PaySaved charges a saved method for the current amount
func (c *Checkout) PaySaved(ctx context.Context, methodID uint) (*Outcome, error) {
	c.mu.Lock()
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	key, err := c.savedKeyLocked(methodID)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out, err := c.reconciler.ConfirmSaved(ctx, key, methodID)
	if err != nil {
		return out, err
	}
	return c.afterCharge(ctx, out, methodID)
}

func (c *Checkout) savedKeyLocked(methodID uint) (IntentKey, error) {
	if c.planActive {
		return IntentKey{}, ErrPlanActive
	}
	var method *models.SavedPaymentMethod
	for i := range c.methods {
		if c.methods[i].ID == methodID {
			method = &c.methods[i]
			break
		}
	}
	if method == nil {
		return IntentKey{}, fmt.Errorf("saved payment method %d: %w", methodID, dues.ErrNotFound)
	}
	if err := dues.ValidatePaymentAmount(c.amount, c.dues.Balance, c.cfg.MinimumPayment); err != nil {
		return IntentKey{}, err
	}
	return IntentKey{DuesID: c.duesID, Method: method.Type, Amount: c.amount}, nil
}

func (c *Checkout) afterCharge(ctx context.Context, out *Outcome, methodID uint) (*Outcome, error) {
	if out.Duplicate || !out.Success() {
		return out, nil
	}

	c.mu.Lock()
	memberID := c.memberID
	planPending := c.planPending
	if planPending {
		c.firstRef = out.IntentID
	}
	c.mu.Unlock()

	c.deps.Events.PaymentCompleted.Publish(PaymentCompleted{
		SessionID: c.id,
		DuesID:    c.duesID,
		MemberID:  memberID,
		Amount:    out.Amount,
		Status:    out.Status,
		IntentID:  out.IntentID,
	})

	if planPending {
		plan, err := c.CompleteInstallmentPlan(ctx, methodID, out.IntentID)
		out.Plan = plan
		if err != nil {
			return out, err
		}
	}

	c.deps.Events.Refresh.Publish(RefreshRequested{DuesID: c.duesID})
	return out, nil
}

// StartInstallmentPlan selects an n-installment plan. With a saved method the
// first installment is charged immediately; otherwise it is charged through
// the regular intent flow and the plan is created once that succeeds.
func (c *Checkout) StartInstallmentPlan(ctx context.Context, n int, methodID uint) (*Outcome, error) {
	c.mu.Lock()
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if c.planActive {
		c.mu.Unlock()
		return nil, ErrPlanActive
	}
	if err := c.setModeLocked(dues.PaymentModeInstallment, n); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	first := c.amount

	if methodID == 0 {
		key, ok := c.intentKeyLocked()
		c.mu.Unlock()
		if ok {
			c.reconciler.Request(key)
		}
		return &Outcome{Amount: first}, nil
	}

	key, err := c.savedKeyLocked(methodID)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out, err := c.reconciler.ConfirmSaved(ctx, key, methodID)
	if err != nil {
		return out, err
	}
	return c.afterCharge(ctx, out, methodID)
}

// CompleteInstallmentPlan creates the plan after its first installment was
// charged under firstRef. Any failure here is a ReconciliationError and
// may be retried; the charge stands.
func (c *Checkout) CompleteInstallmentPlan(ctx context.Context, methodID uint, firstRef string) (*models.InstallmentPlan, error) {
	c.mu.Lock()
	if !c.planPending {
		c.mu.Unlock()
		return nil, ErrNoPendingPlan
	}
	n := c.installments
	memberID := c.memberID
	if firstRef == "" {
		firstRef = c.firstRef
	}
	c.mu.Unlock()

	log := c.log.WithFields(logrus.Fields{"payment_ref": firstRef, "num_installments": n})
	if methodID == 0 {
		err := &ReconciliationError{PaymentRef: firstRef, Err: errors.New("the gateway returned no reusable payment method")}
		log.WithError(err).Error("installment plan not created")
		return nil, err
	}

	res, err := c.deps.Plans.CreateInstallmentPlan(ctx, PlanRequest{
		DuesID:           c.duesID,
		MemberID:         memberID,
		NumInstallments:  n,
		PaymentMethodID:  methodID,
		SkipFirstPayment: true,
		FirstPaymentRef:  firstRef,
	})
	if err != nil {
		rerr := &ReconciliationError{PaymentRef: firstRef, Err: err}
		log.WithError(err).Error("installment plan not created after a successful charge")
		return nil, rerr
	}

	c.mu.Lock()
	c.planPending = false
	c.firstRef = ""
	c.mu.Unlock()

	log.Info("installment plan created")
	return res.Plan, nil
}

// SavedMethods re-reads the member's saved payment methods
func (c *Checkout) SavedMethods(ctx context.Context) ([]models.SavedPaymentMethod, error) {
	c.mu.Lock()
	memberID := c.memberID
	c.mu.Unlock()

	methods, err := c.deps.Methods.ListSavedPaymentMethods(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to list saved methods: %w", err)
	}

	c.mu.Lock()
	c.methods = methods
	c.mu.Unlock()
	return methods, nil
}

// DeleteSavedMethod removes one of the member's saved methods
func (c *Checkout) DeleteSavedMethod(ctx context.Context, methodID uint) error {
	c.mu.Lock()
	memberID := c.memberID
	c.mu.Unlock()

	if err := c.deps.Methods.DeleteSavedPaymentMethod(ctx, methodID, memberID); err != nil {
		return err
	}
	_, err := c.SavedMethods(ctx)
	return err
}

// WatchOnboarding polls the chapter account until it can take charges. It
// returns nil when the account is already ready.
func (c *Checkout) WatchOnboarding() *PollHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.loaded {
		return nil
	}
	if c.account.OnboardingComplete && c.account.ChargesEnabled {
		return nil
	}
	if c.poll != nil && c.poll.Result() == PollRunning {
		return c.poll
	}
	c.poll = PollOnboarding(c.deps.Clock, c.cfg.Poll, c.deps.Accounts, c.dues.ChapterID, c.onboarded, c.deps.Logger)
	return c.poll
}

func (c *Checkout) onboarded(status AccountStatus) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.account = status
	chapterID := c.dues.ChapterID
	key, ok := c.intentKeyLocked()
	c.mu.Unlock()

	c.log.Info("chapter account finished onboarding")
	c.deps.Events.Onboarding.Publish(OnboardingCompleted{ChapterID: chapterID, Status: status})
	if ok {
		c.reconciler.Request(key)
	}
}

// Refresh re-reads everything and, once the last payment has settled or
// failed, lets a new charge start. A payment the gateway is still
// processing keeps the session closed to new charges.
func (c *Checkout) Refresh(ctx context.Context) error {
	state := c.reconciler.State()
	if state == StateProcessing {
		settled, err := c.processingSettled(ctx)
		if err != nil {
			return err
		}
		if !settled {
			c.log.Debug("last payment still processing, keeping the session")
			return c.Load(ctx)
		}
	}
	if state.Settled() || state == StateFailed {
		c.reconciler.Reset()
	}
	return c.Load(ctx)
}

// processingSettled asks the gateway whether the payment left processing
func (c *Checkout) processingSettled(ctx context.Context) (bool, error) {
	rec := c.reconciler.Record()
	if rec == nil {
		return true, nil
	}
	res, err := c.deps.Gateway.ConfirmPayment(ctx, Intent{ID: rec.IntentID, ClientSecret: rec.ClientSecret})
	if err != nil {
		return false, fmt.Errorf("failed to read payment status: %w", err)
	}
	return res.Status != PaymentProcessing, nil
}

// Retry re-enters idle after a failed payment
func (c *Checkout) Retry() bool {
	return c.reconciler.Retry()
}

// State returns the reconciler state
func (c *Checkout) State() State {
	return c.reconciler.State()
}

// View snapshots the checkout
func (c *Checkout) View() CheckoutView {
	c.mu.Lock()
	v := CheckoutView{
		SessionID:    c.id,
		Account:      c.account,
		Method:       c.method,
		Amount:       c.amount,
		Save:         c.save,
		Mode:         c.mode,
		Installments: c.installments,
		Schedule:     append([]dues.Installment(nil), c.schedule...),
		PlanPending:  c.planPending,
		PlanActive:   c.planActive,
		Methods:      append([]models.SavedPaymentMethod(nil), c.methods...),
		Polling:      c.poll != nil && c.poll.Result() == PollRunning,
	}
	if c.dues != nil {
		d := *c.dues
		v.Dues = &d
	}
	if c.eligibility != nil {
		e := *c.eligibility
		v.Eligibility = &e
	}
	if c.method.IsValid() && c.amount.IsPositive() {
		if q, err := c.deps.Fees.Calculate(c.amount, c.method); err == nil {
			v.Quote = &q
		}
	}
	c.mu.Unlock()

	v.State = c.reconciler.State()
	v.Intent = c.reconciler.Record()
	if err := c.reconciler.LastError(); err != nil {
		v.Error = err.Error()
	}
	return v
}

// Close cancels the pending debounce and the onboarding poll. Nothing the
// checkout scheduled runs afterwards.
func (c *Checkout) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.poll.Cancel()
	c.mu.Unlock()

	c.reconciler.Close()
}
