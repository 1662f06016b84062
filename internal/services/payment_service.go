package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"chapter_dues/internal/dues"
	"chapter_dues/internal/models"
	"chapter_dues/internal/payments"
)

var (
	ErrInvalidSignature = errors.New("notification signature does not match")
	ErrAlreadyClaimed   = errors.New("installment payment was already picked up")
	ErrNothingDue       = errors.New("dues row has no outstanding balance")
)

// DefaultLockTTL bounds how long one intent creation may hold its key
const DefaultLockTTL = 30 * time.Second

// installmentOrderPrefix marks gateway orders that charge a plan installment
const installmentOrderPrefix = "inst"

type PaymentConfig struct {
	// AmountScale converts currency amounts to the gateway's integer amounts
	AmountScale    decimal.Decimal
	MinimumPayment decimal.Decimal
	FinishURL      string
	LockTTL        time.Duration
}

// PaymentService creates and settles dues charges through the gateway
type PaymentService struct {
	store   *Store
	gateway TransactionGateway
	locks   IdempotencyLocker
	fees    dues.FeeSchedule
	cfg     PaymentConfig
	log     *logrus.Entry

	onSettle func(*Settlement)
}

func NewPaymentService(store *Store, gateway TransactionGateway, locks IdempotencyLocker, fees dues.FeeSchedule, cfg PaymentConfig, logger *logrus.Logger) *PaymentService {
	if cfg.AmountScale.IsZero() {
		cfg.AmountScale = decimal.NewFromInt(1)
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if locks == nil {
		locks = NewMemoryLocker()
	}
	return &PaymentService{
		store:   store,
		gateway: gateway,
		locks:   locks,
		fees:    fees,
		cfg:     cfg,
		log:     logger.WithField("component", "payment_service"),
	}
}

// OnSettle registers fn to run after a payment settles for the first time
func (s *PaymentService) OnSettle(fn func(*Settlement)) {
	s.onSettle = fn
}

func (s *PaymentService) settle(ctx context.Context, orderID string, status models.DuesPaymentStatus, reason string) (*Settlement, error) {
	st, err := s.store.SettlePayment(ctx, orderID, status, reason)
	if err != nil {
		return nil, err
	}
	if st.Applied && s.onSettle != nil {
		s.onSettle(st)
	}
	return st, nil
}

// lock takes key in the locker. The returned func releases it.
func (s *PaymentService) lock(ctx context.Context, key string) (func(), bool, error) {
	token, ok, err := s.locks.Reserve(ctx, key, s.cfg.LockTTL)
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		if err := s.locks.Release(context.Background(), key, token); err != nil {
			s.log.WithError(err).WithField("lock", key).Warn("failed to release lock")
		}
	}, true, nil
}

// lockDues serializes charges against one dues row
func (s *PaymentService) lockDues(ctx context.Context, duesID uint) (func(), error) {
	release, ok, err := s.lock(ctx, fmt.Sprintf("dues:%d", duesID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock dues %d: %w", duesID, err)
	}
	if !ok {
		return nil, fmt.Errorf("dues %d: %w", duesID, payments.ErrPaymentPending)
	}
	return release, nil
}

func newOrderID(prefix string, id uint) string {
	return fmt.Sprintf("%s-%d-%s", prefix, id, strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

func (s *PaymentService) grossAmount(total decimal.Decimal) int64 {
	return total.Mul(s.cfg.AmountScale).Round(0).IntPart()
}

// chargeStatus maps a gateway transaction status onto the engine's statuses
func chargeStatus(cs *ChargeStatus, method models.MethodType) payments.PaymentStatus {
	switch cs.TransactionStatus {
	case "settlement":
		return payments.PaymentSucceeded
	case "capture":
		if cs.FraudStatus == "challenge" {
			return payments.PaymentProcessing
		}
		return payments.PaymentSucceeded
	case "deny", "cancel", "expire", "failure":
		return payments.PaymentFailed
	case "pending":
		if method == models.MethodBank {
			return payments.PaymentProcessing
		}
		return payments.PaymentRequiresAction
	case "authorize":
		return payments.PaymentProcessing
	}
	return payments.PaymentRequiresAction
}

func resultFor(p *models.DuesPayment) *payments.IntentResult {
	res := &payments.IntentResult{
		IntentID:        p.GatewayOrderID,
		RedirectURL:     p.RedirectURL,
		PaymentMethodID: p.SavedMethodID,
	}
	if p.ResultingMethodID != 0 {
		res.PaymentMethodID = p.ResultingMethodID
	}
	switch {
	case p.Status == models.DuesPaymentSucceeded:
		res.Status = payments.PaymentSucceeded
	case p.SavedMethodID == 0:
		// hosted checkout still waiting for the payer
		res.ClientSecret = p.ClientToken
	case p.ClientToken != "":
		res.Status = payments.PaymentRequiresAction
		res.ClientSecret = p.ClientToken
	default:
		res.Status = payments.PaymentProcessing
	}
	return res
}

// CreatePaymentIntent validates the request against the stored balance and
// creates a hosted checkout, or charges the saved method right away. A
// request repeating an idempotency key gets the earlier result back.
//
// A dues row has at most one pending payment. Earlier checkouts the payer
// never completed are cancelled first; a charge still in progress at the
// gateway, or an active installment plan, refuses the request.
func (s *PaymentService) CreatePaymentIntent(ctx context.Context, req payments.IntentRequest) (*payments.IntentResult, error) {
	if !req.Method.IsValid() {
		return nil, dues.NewValidationError("method", dues.ErrInvalidMethod)
	}
	d, err := s.store.GetDues(ctx, req.DuesID)
	if err != nil {
		return nil, err
	}
	if d.MemberID != req.MemberID {
		return nil, fmt.Errorf("dues %d: %w", req.DuesID, dues.ErrNotFound)
	}

	log := s.log.WithFields(logrus.Fields{
		"dues_id":         d.ID,
		"method":          req.Method,
		"amount":          req.Amount.StringFixed(2),
		"idempotency_key": req.IdempotencyKey,
	})

	if req.IdempotencyKey != "" {
		if res, ok, err := s.reuse(ctx, req.IdempotencyKey); err != nil || ok {
			if ok {
				log.Debug("returning existing payment for idempotency key")
			}
			return res, err
		}
		release, locked, err := s.lock(ctx, "intent:"+req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		if !locked {
			return nil, &payments.GatewayError{Code: "duplicate_request", Message: "this payment is already being created"}
		}
		defer release()
		// another caller may have finished while we waited for the lock
		if res, ok, err := s.reuse(ctx, req.IdempotencyKey); err != nil || ok {
			return res, err
		}
	}

	release, err := s.lockDues(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	active, err := s.store.ActivePlanExists(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, fmt.Errorf("dues %d: %w", d.ID, payments.ErrPlanActive)
	}
	if d, err = s.clearPending(ctx, d); err != nil {
		return nil, err
	}

	if err := dues.ValidatePaymentAmount(req.Amount, d.Balance, s.cfg.MinimumPayment); err != nil {
		return nil, err
	}
	quote, err := s.fees.Calculate(req.Amount, req.Method)
	if err != nil {
		return nil, err
	}

	var method *models.SavedPaymentMethod
	if req.SavedMethodID != 0 {
		method, err = s.store.GetSavedPaymentMethod(ctx, req.SavedMethodID, req.MemberID)
		if err != nil {
			return nil, err
		}
		if method.Type != req.Method {
			return nil, dues.NewValidationError("method", dues.ErrInvalidMethod)
		}
	}

	p := &models.DuesPayment{
		DuesID:         d.ID,
		MemberID:       d.MemberID,
		Amount:         quote.Amount,
		Fee:            quote.Fee,
		Method:         req.Method,
		GatewayOrderID: newOrderID("dues", d.ID),
		Status:         models.DuesPaymentPending,
		IdempotencyKey: req.IdempotencyKey,
		SaveMethod:     req.SavePaymentMethod && method == nil,
	}
	charge := ChargeRequest{
		OrderID:       p.GatewayOrderID,
		GrossAmount:   s.grossAmount(quote.Total),
		Method:        req.Method,
		SaveCard:      p.SaveMethod,
		CustomerID:    fmt.Sprintf("member-%d", d.MemberID),
		CustomerName:  d.MemberName,
		CustomerEmail: d.MemberEmail,
		ItemName:      fmt.Sprintf("Dues %s", d.Period),
		FinishURL:     s.cfg.FinishURL,
	}

	if method != nil {
		return s.chargeSaved(ctx, p, method, charge)
	}

	token, redirect, err := s.gateway.CreateTransaction(charge)
	if err != nil {
		log.WithError(err).Warn("gateway rejected payment intent")
		return nil, &payments.GatewayError{Code: "create_failed", Message: err.Error()}
	}
	p.ClientToken = token
	p.RedirectURL = redirect
	if err := s.store.CreateDuesPayment(ctx, p); err != nil {
		return nil, err
	}

	log.WithField("order_id", p.GatewayOrderID).Info("payment intent created")
	return resultFor(p), nil
}

// clearPending settles or supersedes the pending payments of d before a new
// charge and returns the dues row as it stands afterwards. Payments the
// gateway finished are settled; checkouts still waiting for the payer are
// cancelled. A charge the gateway is working on, or any installment charge,
// refuses the new one with ErrPaymentPending.
func (s *PaymentService) clearPending(ctx context.Context, d *models.MemberDues) (*models.MemberDues, error) {
	pending, err := s.store.PendingPaymentsForDues(ctx, d.ID)
	if err != nil || len(pending) == 0 {
		return d, err
	}

	for i := range pending {
		p := &pending[i]
		log := s.log.WithFields(logrus.Fields{"dues_id": d.ID, "order_id": p.GatewayOrderID})

		cs, err := s.gateway.CheckTransaction(p.GatewayOrderID)
		switch {
		case errors.Is(err, ErrTransactionNotFound):
			// the payer never opened the checkout
		case err != nil:
			return nil, &payments.GatewayError{Code: "status_unavailable", Message: err.Error()}
		default:
			status := chargeStatus(cs, p.Method)
			if status == payments.PaymentSucceeded || status == payments.PaymentFailed {
				if _, err := s.applyStatus(ctx, p, cs, status); err != nil {
					return nil, err
				}
				continue
			}
			if cs.TransactionStatus != "pending" {
				log.WithField("transaction_status", cs.TransactionStatus).Info("new charge refused while a payment is in progress")
				return nil, fmt.Errorf("dues %d: %w", d.ID, payments.ErrPaymentPending)
			}
		}

		if strings.HasPrefix(p.GatewayOrderID, installmentOrderPrefix+"-") {
			log.Info("new charge refused while an installment is pending")
			return nil, fmt.Errorf("dues %d: %w", d.ID, payments.ErrPaymentPending)
		}
		if err := s.supersede(ctx, p, "replaced by a newer payment"); err != nil {
			log.WithError(err).Warn("failed to cancel the earlier payment")
			return nil, fmt.Errorf("dues %d: %w", d.ID, payments.ErrPaymentPending)
		}
		log.Info("earlier unpaid checkout cancelled")
	}
	return s.store.GetDues(ctx, d.ID)
}

// supersede cancels an unpaid payment at the gateway and records it failed
func (s *PaymentService) supersede(ctx context.Context, p *models.DuesPayment, reason string) error {
	if err := s.gateway.CancelTransaction(p.GatewayOrderID); err != nil && !errors.Is(err, ErrTransactionNotFound) {
		return err
	}
	_, err := s.settle(ctx, p.GatewayOrderID, models.DuesPaymentFailed, reason)
	return err
}

// CancelPaymentIntent voids a pending payment whose checkout was replaced.
// Payments that already settled are left alone.
func (s *PaymentService) CancelPaymentIntent(ctx context.Context, intent payments.Intent) error {
	p, err := s.store.GetDuesPaymentByOrder(ctx, intent.ID)
	if err != nil {
		return err
	}
	if p.Settled() {
		return nil
	}
	if err := s.supersede(ctx, p, "checkout changed before payment"); err != nil {
		return &payments.GatewayError{Code: "cancel_failed", Message: err.Error()}
	}
	s.log.WithFields(logrus.Fields{"order_id": p.GatewayOrderID, "dues_id": p.DuesID}).Info("payment intent cancelled")
	return nil
}

// reuse returns the result of an earlier payment created under key. Failed
// payments are not reused.
func (s *PaymentService) reuse(ctx context.Context, key string) (*payments.IntentResult, bool, error) {
	p, err := s.store.FindDuesPaymentByKey(ctx, key)
	if err != nil || p == nil || p.Status == models.DuesPaymentFailed {
		return nil, false, err
	}
	return resultFor(p), true, nil
}

// chargeSaved records p and charges the saved method for it
func (s *PaymentService) chargeSaved(ctx context.Context, p *models.DuesPayment, method *models.SavedPaymentMethod, charge ChargeRequest) (*payments.IntentResult, error) {
	p.SavedMethodID = method.ID
	if err := s.store.CreateDuesPayment(ctx, p); err != nil {
		return nil, err
	}
	log := s.log.WithFields(logrus.Fields{"order_id": p.GatewayOrderID, "dues_id": p.DuesID, "method_id": method.ID})

	charge.Token = method.GatewayToken
	cs, err := s.gateway.ChargeToken(charge)
	if err != nil {
		if _, serr := s.settle(ctx, p.GatewayOrderID, models.DuesPaymentFailed, err.Error()); serr != nil {
			log.WithError(serr).Error("failed to record declined charge")
		}
		log.WithError(err).Warn("saved method charge failed")
		return nil, &payments.GatewayError{Code: "charge_failed", Message: err.Error()}
	}

	status := chargeStatus(cs, method.Type)
	switch status {
	case payments.PaymentSucceeded:
		if _, err := s.settle(ctx, p.GatewayOrderID, models.DuesPaymentSucceeded, ""); err != nil {
			return nil, err
		}
		p.Status = models.DuesPaymentSucceeded
	case payments.PaymentFailed:
		if _, err := s.settle(ctx, p.GatewayOrderID, models.DuesPaymentFailed, cs.StatusMessage); err != nil {
			log.WithError(err).Error("failed to record declined charge")
		}
		return nil, &payments.GatewayError{Code: "declined", Message: cs.StatusMessage}
	case payments.PaymentRequiresAction:
		p.ClientToken = cs.RedirectURL
		p.RedirectURL = cs.RedirectURL
		if err := s.store.SetPaymentHandles(ctx, p.ID, p.ClientToken, p.RedirectURL); err != nil {
			return nil, err
		}
	}

	log.WithField("status", status).Info("saved method charged")
	res := resultFor(p)
	res.Status = status
	return res, nil
}

// ConfirmPayment reads the gateway status of an intent and settles it when final
func (s *PaymentService) ConfirmPayment(ctx context.Context, intent payments.Intent) (*payments.ConfirmResult, error) {
	p, err := s.store.GetDuesPaymentByOrder(ctx, intent.ID)
	if err != nil {
		return nil, err
	}
	if p.Settled() {
		return confirmResultFor(p, ""), nil
	}

	cs, err := s.gateway.CheckTransaction(p.GatewayOrderID)
	if errors.Is(err, ErrTransactionNotFound) {
		return &payments.ConfirmResult{
			Status:  payments.PaymentRequiresAction,
			Message: "complete the payment in the checkout window",
		}, nil
	}
	if err != nil {
		return nil, &payments.GatewayError{Code: "status_unavailable", Message: err.Error()}
	}

	status := chargeStatus(cs, p.Method)
	if _, err := s.applyStatus(ctx, p, cs, status); err != nil {
		return nil, err
	}
	res := confirmResultFor(p, cs.StatusMessage)
	res.Status = status
	return res, nil
}

func confirmResultFor(p *models.DuesPayment, message string) *payments.ConfirmResult {
	res := &payments.ConfirmResult{Message: message, PaymentMethodID: p.SavedMethodID}
	if p.ResultingMethodID != 0 {
		res.PaymentMethodID = p.ResultingMethodID
	}
	switch p.Status {
	case models.DuesPaymentSucceeded:
		res.Status = payments.PaymentSucceeded
	case models.DuesPaymentFailed:
		res.Status = payments.PaymentFailed
		if res.Message == "" {
			res.Message = p.FailureReason
		}
	default:
		res.Status = payments.PaymentProcessing
	}
	return res
}

// applyStatus keeps a method the payer asked to save and settles p when
// status is final
func (s *PaymentService) applyStatus(ctx context.Context, p *models.DuesPayment, cs *ChargeStatus, status payments.PaymentStatus) (*Settlement, error) {
	if status.Complete() && p.SaveMethod && p.ResultingMethodID == 0 {
		if err := s.keepMethod(ctx, p, cs); err != nil {
			return nil, err
		}
	}

	var final models.DuesPaymentStatus
	reason := ""
	switch status {
	case payments.PaymentSucceeded:
		final = models.DuesPaymentSucceeded
	case payments.PaymentFailed:
		final = models.DuesPaymentFailed
		reason = cs.StatusMessage
		if reason == "" {
			reason = cs.TransactionStatus
		}
	default:
		return nil, nil
	}

	st, err := s.settle(ctx, p.GatewayOrderID, final, reason)
	if err != nil {
		return nil, err
	}
	*p = *st.Payment
	return st, nil
}

func last4(masked string) string {
	if len(masked) < 4 {
		return masked
	}
	return masked[len(masked)-4:]
}

func (s *PaymentService) keepMethod(ctx context.Context, p *models.DuesPayment, cs *ChargeStatus) error {
	m := &models.SavedPaymentMethod{MemberID: p.MemberID, Type: p.Method}
	switch p.Method {
	case models.MethodCard:
		if cs.SavedTokenID == "" {
			return nil
		}
		m.GatewayToken = cs.SavedTokenID
		m.Last4 = last4(cs.MaskedCard)
		m.Brand = cs.CardType
		if m.Brand == "" {
			m.Brand = "card"
		}
	case models.MethodBank:
		if cs.Bank == "" {
			return nil
		}
		m.GatewayToken = cs.Bank
		m.Brand = cs.Bank
	}

	if err := s.store.AddSavedPaymentMethod(ctx, m); err != nil {
		return fmt.Errorf("failed to save payment method: %w", err)
	}
	p.ResultingMethodID = m.ID
	if err := s.store.SetResultingMethod(ctx, p.ID, m.ID); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"member_id": p.MemberID, "method_id": m.ID}).Info("payment method saved")
	return nil
}

// ChargeInstallment charges a scheduled installment against the plan's saved
// method. An installment larger than what is still owed is lowered to the
// balance.
func (s *PaymentService) ChargeInstallment(ctx context.Context, plan *models.InstallmentPlan, inst *models.InstallmentPayment) (*payments.IntentResult, error) {
	log := s.log.WithFields(logrus.Fields{"plan_id": plan.ID, "installment": inst.Sequence})

	release, err := s.lockDues(ctx, plan.DuesID)
	if err != nil {
		return nil, err
	}
	defer release()

	d, err := s.store.GetDues(ctx, plan.DuesID)
	if err != nil {
		return nil, err
	}
	if d, err = s.clearPending(ctx, d); err != nil {
		return nil, err
	}
	if !d.Balance.IsPositive() {
		if err := s.store.FailInstallmentPayment(ctx, inst.ID, "dues already settled"); err != nil {
			return nil, err
		}
		return nil, ErrNothingDue
	}

	method, err := s.store.GetSavedPaymentMethod(ctx, plan.PaymentMethodID, plan.MemberID)
	if err != nil {
		if ferr := s.store.FailInstallmentPayment(ctx, inst.ID, "payment method unavailable"); ferr != nil {
			log.WithError(ferr).Error("failed to mark installment failed")
		}
		return nil, err
	}
	if inst.Amount.GreaterThan(d.Balance) {
		if err := s.store.SetInstallmentAmount(ctx, inst.ID, d.Balance); err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{
			"scheduled": inst.Amount.StringFixed(2),
			"charged":   d.Balance.StringFixed(2),
		}).Info("installment lowered to the remaining balance")
		inst.Amount = d.Balance
	}
	quote, err := s.fees.Calculate(inst.Amount, method.Type)
	if err != nil {
		return nil, err
	}

	orderID := newOrderID(installmentOrderPrefix, inst.ID)
	claimed, err := s.store.ClaimInstallmentPayment(ctx, inst.ID, orderID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrAlreadyClaimed
	}

	p := &models.DuesPayment{
		DuesID:         d.ID,
		MemberID:       d.MemberID,
		Amount:         quote.Amount,
		Fee:            quote.Fee,
		Method:         method.Type,
		GatewayOrderID: orderID,
		Status:         models.DuesPaymentPending,
	}
	charge := ChargeRequest{
		OrderID:       orderID,
		GrossAmount:   s.grossAmount(quote.Total),
		Method:        method.Type,
		CustomerID:    fmt.Sprintf("member-%d", d.MemberID),
		CustomerName:  d.MemberName,
		CustomerEmail: d.MemberEmail,
		ItemName:      fmt.Sprintf("Dues %s installment %d of %d", d.Period, inst.Sequence, plan.NumInstallments),
	}
	return s.chargeSaved(ctx, p, method, charge)
}

// Notification is the gateway's HTTP notification body
type Notification struct {
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	StatusMessage     string `json:"status_message"`
	PaymentType       string `json:"payment_type"`
	SavedTokenID      string `json:"saved_token_id"`
	MaskedCard        string `json:"masked_card"`
	CardType          string `json:"card_type"`
	VANumbers         []struct {
		Bank string `json:"bank"`
	} `json:"va_numbers"`
}

func (n *Notification) chargeStatus() *ChargeStatus {
	cs := &ChargeStatus{
		OrderID:           n.OrderID,
		TransactionStatus: n.TransactionStatus,
		FraudStatus:       n.FraudStatus,
		StatusMessage:     n.StatusMessage,
		SavedTokenID:      n.SavedTokenID,
		MaskedCard:        n.MaskedCard,
		CardType:          n.CardType,
	}
	if len(n.VANumbers) > 0 {
		cs.Bank = n.VANumbers[0].Bank
	}
	return cs
}

// HandleNotification verifies and records a gateway notification and
// settles the payment it refers to. It returns nil when the payment is not
// final yet.
func (s *PaymentService) HandleNotification(ctx context.Context, body []byte) (*Settlement, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, dues.NewValidationError("body", err)
	}
	if !s.gateway.VerifySignature(n.OrderID, n.StatusCode, n.GrossAmount, n.SignatureKey) {
		return nil, ErrInvalidSignature
	}

	cb := &models.PaymentCallbackHistory{
		PaymentGateway: models.PaymentGatewayMidtrans,
		OrderID:        n.OrderID,
		Metadata:       json.RawMessage(body),
	}
	if err := s.store.RecordCallback(ctx, cb); err != nil {
		return nil, err
	}

	p, err := s.store.GetDuesPaymentByOrder(ctx, n.OrderID)
	if err != nil {
		return nil, err
	}
	cs := n.chargeStatus()
	status := chargeStatus(cs, p.Method)
	log := s.log.WithFields(logrus.Fields{"order_id": n.OrderID, "transaction_status": n.TransactionStatus, "status": status})
	log.Info("gateway notification received")
	if p.Status == models.DuesPaymentFailed && status == payments.PaymentSucceeded {
		log.WithField("reason", p.FailureReason).Error("money received for a cancelled payment; refund it or credit the member by hand")
	}
	return s.applyStatus(ctx, p, cs, status)
}

// ReconcileResult counts what a reconciliation pass did
type ReconcileResult struct {
	Checked   int `json:"checked"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// ReconcilePending checks pending payments older than minAge with the
// gateway and settles the ones that finished. Hosted checkouts the gateway
// never saw are failed once older than abandonAfter.
func (s *PaymentService) ReconcilePending(ctx context.Context, minAge, abandonAfter time.Duration, limit int) (*ReconcileResult, []*Settlement, error) {
	now := s.store.now()
	pending, err := s.store.PendingDuesPayments(ctx, now.Add(-minAge), limit)
	if err != nil {
		return nil, nil, err
	}

	out := &ReconcileResult{}
	var settled []*Settlement
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return out, settled, err
		}
		p := &pending[i]
		out.Checked++

		cs, err := s.gateway.CheckTransaction(p.GatewayOrderID)
		if errors.Is(err, ErrTransactionNotFound) {
			if now.Sub(p.CreatedAt) < abandonAfter {
				out.Pending++
				continue
			}
			if err := s.gateway.CancelTransaction(p.GatewayOrderID); err != nil && !errors.Is(err, ErrTransactionNotFound) {
				s.log.WithError(err).WithField("order_id", p.GatewayOrderID).Warn("failed to cancel abandoned checkout")
				out.Pending++
				continue
			}
			cs = &ChargeStatus{OrderID: p.GatewayOrderID, TransactionStatus: "expire", StatusMessage: "checkout abandoned"}
		} else if err != nil {
			s.log.WithError(err).WithField("order_id", p.GatewayOrderID).Warn("failed to check payment status")
			out.Pending++
			continue
		}

		st, err := s.applyStatus(ctx, p, cs, chargeStatus(cs, p.Method))
		if err != nil {
			return out, settled, err
		}
		switch {
		case st == nil:
			out.Pending++
		case st.Payment.Status == models.DuesPaymentSucceeded:
			out.Succeeded++
			settled = append(settled, st)
		default:
			out.Failed++
			settled = append(settled, st)
		}
	}
	return out, settled, nil
}
