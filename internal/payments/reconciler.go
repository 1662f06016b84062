package payments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"chapter_dues/internal/models"
)

// DefaultDebounce coalesces rapid parameter changes into one creation call
const DefaultDebounce = 300 * time.Millisecond

var idempotencyNamespace = uuid.MustParse("6b1d3c9e-4f0a-5c2e-9a57-3d8f4e2b1c70")

// State is a reconciler lifecycle state
type State string

const (
	StateIdle           State = "idle"
	StateCreating       State = "creating"
	StateReady          State = "ready"
	StateConfirming     State = "confirming"
	StateSucceeded      State = "succeeded"
	StateProcessing     State = "processing"
	StateRequiresAction State = "requires_action"
	StateFailed         State = "failed"
)

// Settled reports whether the payment in this state already went through
func (s State) Settled() bool {
	return s == StateSucceeded || s == StateProcessing
}

func stateFor(status PaymentStatus) State {
	switch status {
	case PaymentSucceeded:
		return StateSucceeded
	case PaymentProcessing:
		return StateProcessing
	case PaymentRequiresAction:
		return StateRequiresAction
	}
	return StateFailed
}

// IntentKey identifies a logical payment request. Two requests with equal
// keys must never produce two intents.
type IntentKey struct {
	DuesID            uint              `json:"dues_id"`
	Method            models.MethodType `json:"method"`
	Amount            decimal.Decimal   `json:"amount"`
	SavePaymentMethod bool              `json:"save_payment_method"`
}

// Equal compares keys by value; amounts compare numerically
func (k IntentKey) Equal(o IntentKey) bool {
	return k.DuesID == o.DuesID &&
		k.Method == o.Method &&
		k.Amount.Equal(o.Amount) &&
		k.SavePaymentMethod == o.SavePaymentMethod
}

func (k IntentKey) String() string {
	return fmt.Sprintf("%d/%s/%s/%t", k.DuesID, k.Method, k.Amount.StringFixed(2), k.SavePaymentMethod)
}

// IdempotencyKey derives the gateway idempotency key for an attempt of k
// within a checkout session
func (k IntentKey) IdempotencyKey(session string, attempt int, savedMethodID uint) string {
	name := fmt.Sprintf("%s/%s/%d/%d", session, k, attempt, savedMethodID)
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}

// IntentRecord is the intent currently cached by a reconciler. It lives only
// as long as the reconciler.
type IntentRecord struct {
	Key            IntentKey `json:"key"`
	IntentID       string    `json:"intent_id"`
	ClientSecret   string    `json:"client_secret,omitempty"`
	RedirectURL    string    `json:"redirect_url,omitempty"`
	Status         State     `json:"status"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// Outcome is the result of a confirmation attempt
type Outcome struct {
	IntentID        string                  `json:"intent_id,omitempty"`
	Status          PaymentStatus           `json:"status,omitempty"`
	Amount          decimal.Decimal         `json:"amount"`
	ClientSecret    string                  `json:"client_secret,omitempty"`
	PaymentMethodID uint                    `json:"payment_method_id,omitempty"`
	Duplicate       bool                    `json:"duplicate,omitempty"`
	Plan            *models.InstallmentPlan `json:"plan,omitempty"`
}

// Success reports whether the payment went through
func (o *Outcome) Success() bool {
	return o != nil && o.Status.Complete()
}

// ReconcilerConfig configures a Reconciler
type ReconcilerConfig struct {
	SessionID string
	MemberID  uint
	Debounce  time.Duration
}

// Reconciler drives the payment intent lifecycle for one checkout session
// and keeps at most one intent creating, ready or confirming at a time.
type Reconciler struct {
	mu       sync.Mutex
	gateway  Gateway
	clock    Clock
	events   *Events
	log      *logrus.Entry
	session  string
	memberID uint
	debounce time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	state    State
	key      *IntentKey
	record   *IntentRecord
	stale    []Intent
	pending  *IntentKey
	timer    Timer
	timerSeq uint64
	waiting  bool
	inflight bool
	gen      uint64
	attempt  int
	lastErr  error
	closed   bool
	outbox   []StateChange
}

// NewReconciler creates an idle reconciler
func NewReconciler(gateway Gateway, clock Clock, cfg ReconcilerConfig, evts *Events, logger *logrus.Logger) *Reconciler {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		gateway:  gateway,
		clock:    clock,
		events:   evts,
		log:      logger.WithFields(logrus.Fields{"component": "reconciler", "session_id": cfg.SessionID}),
		session:  cfg.SessionID,
		memberID: cfg.MemberID,
		debounce: cfg.Debounce,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateIdle,
	}
}

// callContext derives the context of a gateway call made on behalf of ctx.
// It is also cancelled when the reconciler closes.
func (r *Reconciler) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(r.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// unlock releases mu and then publishes queued transitions
func (r *Reconciler) unlock() {
	out := r.outbox
	r.outbox = nil
	r.mu.Unlock()
	if r.events == nil {
		return
	}
	for _, c := range out {
		r.events.StateChanged.Publish(c)
	}
}

func (r *Reconciler) setLocked(to State) {
	if r.state == to {
		return
	}
	c := StateChange{SessionID: r.session, From: r.state, To: to}
	if r.key != nil {
		c.Key = *r.key
		c.DuesID = r.key.DuesID
	}
	r.state = to
	r.outbox = append(r.outbox, c)
}

// Request asks for an intent matching key. Identical requests while one is
// pending or live are dropped; a different key invalidates the cached intent.
// Creation starts once no new request arrived for the debounce window.
func (r *Reconciler) Request(key IntentKey) {
	r.mu.Lock()
	defer r.unlock()

	log := r.log.WithField("intent_key", key.String())
	if r.closed {
		log.Debug("request on closed session ignored")
		return
	}
	if r.pending != nil && r.pending.Equal(key) {
		log.Debug("duplicate intent request suppressed")
		return
	}
	if r.pending == nil && r.key != nil && r.key.Equal(key) && r.state != StateIdle {
		log.WithField("state", r.state).Debug("duplicate intent request suppressed")
		return
	}
	if r.state == StateConfirming || r.state.Settled() {
		log.WithField("state", r.state).Debug("intent request ignored until the session is refreshed")
		return
	}

	if r.state == StateFailed {
		r.attempt++
		r.lastErr = nil
	}
	r.gen++
	r.dropRecordLocked()
	r.setLocked(StateIdle)
	r.pending = &key
	r.scheduleLocked()
}

// dropRecordLocked forgets the cached intent. An intent that can still be
// paid is queued for cancellation before the next gateway call.
func (r *Reconciler) dropRecordLocked() {
	if r.record != nil && r.record.IntentID != "" &&
		(r.record.Status == StateReady || r.record.Status == StateRequiresAction) {
		r.stale = append(r.stale, Intent{ID: r.record.IntentID, ClientSecret: r.record.ClientSecret})
	}
	r.record = nil
}

func (r *Reconciler) takeStaleLocked() []Intent {
	out := r.stale
	r.stale = nil
	return out
}

// cancelStale cancels superseded intents so the payer cannot complete them
// after a new one was created
func (r *Reconciler) cancelStale(ctx context.Context, stale []Intent) {
	for _, in := range stale {
		log := r.log.WithField("intent_id", in.ID)
		if err := r.gateway.CancelPaymentIntent(ctx, in); err != nil {
			log.WithError(err).Warn("failed to cancel superseded intent")
			continue
		}
		log.Debug("superseded intent cancelled")
	}
}

func (r *Reconciler) scheduleLocked() {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timerSeq++
	seq := r.timerSeq
	r.timer = r.clock.AfterFunc(r.debounce, func() { r.fire(seq) })
}

func (r *Reconciler) fire(seq uint64) {
	r.mu.Lock()
	if r.closed || seq != r.timerSeq || r.pending == nil {
		r.unlock()
		return
	}
	r.timer = nil
	if r.inflight {
		r.waiting = true
		r.log.Debug("debounce elapsed while a creation is in flight, deferring")
		r.unlock()
		return
	}
	job := r.beginCreateLocked()
	r.unlock()

	r.create(job)
}

// createJob is one intent creation started by the debounce timer
type createJob struct {
	key   IntentKey
	gen   uint64
	idem  string
	stale []Intent
}

func (r *Reconciler) beginCreateLocked() createJob {
	key := *r.pending
	r.pending = nil
	r.key = &key
	r.inflight = true
	r.setLocked(StateCreating)
	return createJob{
		key:   key,
		gen:   r.gen,
		idem:  key.IdempotencyKey(r.session, r.attempt, 0),
		stale: r.takeStaleLocked(),
	}
}

func (r *Reconciler) create(job createJob) {
	for {
		r.cancelStale(r.ctx, job.stale)
		key, gen, idem := job.key, job.gen, job.idem

		res, err := r.gateway.CreatePaymentIntent(r.ctx, IntentRequest{
			DuesID:            key.DuesID,
			MemberID:          r.memberID,
			Method:            key.Method,
			Amount:            key.Amount,
			SavePaymentMethod: key.SavePaymentMethod,
			IdempotencyKey:    idem,
		})

		r.mu.Lock()
		r.inflight = false
		if r.closed {
			r.unlock()
			return
		}

		log := r.log.WithField("intent_key", key.String())
		switch {
		case gen != r.gen:
			log.Debug("discarding stale intent")
			if err == nil && res.IntentID != "" && !res.PaymentComplete() {
				r.stale = append(r.stale, Intent{ID: res.IntentID, ClientSecret: res.ClientSecret})
			}
		case err != nil:
			r.lastErr = AsGatewayError(err)
			r.record = nil
			r.setLocked(StateFailed)
			log.WithError(err).Warn("payment intent creation failed")
		case res.Status == PaymentFailed:
			r.lastErr = &GatewayError{Code: "payment_failed", Message: "the payment was declined"}
			r.record = nil
			r.setLocked(StateFailed)
			log.Warn("payment intent was declined on creation")
		default:
			r.record = &IntentRecord{
				Key:            key,
				IntentID:       res.IntentID,
				ClientSecret:   res.ClientSecret,
				RedirectURL:    res.RedirectURL,
				IdempotencyKey: idem,
				CreatedAt:      r.clock.Now(),
			}
			switch {
			case res.PaymentComplete(), res.Status == PaymentRequiresAction:
				r.record.Status = stateFor(res.Status)
			default:
				r.record.Status = StateReady
			}
			r.setLocked(r.record.Status)
			log.WithField("intent_id", res.IntentID).Info("payment intent created")
		}

		if !r.waiting || r.pending == nil {
			r.waiting = false
			r.unlock()
			return
		}
		r.waiting = false
		job = r.beginCreateLocked()
		r.unlock()
	}
}

// Confirm confirms the cached intent. Succeeded and processing count as
// success; requires_action hands back the client secret for verification.
func (r *Reconciler) Confirm(ctx context.Context) (*Outcome, error) {
	r.mu.Lock()
	if r.closed {
		r.unlock()
		return nil, ErrSessionClosed
	}
	if r.state == StateConfirming {
		r.log.Debug("duplicate confirmation suppressed")
		r.unlock()
		return &Outcome{Duplicate: true}, nil
	}
	if r.record == nil || r.pending != nil || (r.state != StateReady && r.state != StateRequiresAction) {
		r.unlock()
		return nil, ErrNoIntent
	}
	rec := *r.record
	r.setLocked(StateConfirming)
	r.unlock()

	callCtx, done := r.callContext(ctx)
	res, err := r.gateway.ConfirmPayment(callCtx, Intent{ID: rec.IntentID, ClientSecret: rec.ClientSecret})
	done()

	r.mu.Lock()
	defer r.unlock()
	log := r.log.WithFields(logrus.Fields{"intent_key": rec.Key.String(), "intent_id": rec.IntentID})
	if err != nil {
		gerr := AsGatewayError(err)
		if !r.closed {
			r.lastErr = gerr
			r.record = nil
			r.setLocked(StateFailed)
		}
		log.WithError(err).Warn("payment confirmation failed")
		return nil, gerr
	}

	out := &Outcome{
		IntentID:        rec.IntentID,
		Status:          res.Status,
		Amount:          rec.Key.Amount,
		PaymentMethodID: res.PaymentMethodID,
	}
	if r.closed {
		return out, nil
	}

	switch res.Status {
	case PaymentSucceeded, PaymentProcessing:
		r.record.Status = stateFor(res.Status)
		r.setLocked(r.record.Status)
		log.WithField("status", res.Status).Info("payment confirmed")
	case PaymentRequiresAction:
		out.ClientSecret = rec.ClientSecret
		r.record.Status = StateRequiresAction
		r.setLocked(StateRequiresAction)
	default:
		gerr := &GatewayError{Code: "payment_failed", Message: failureMessage(res.Message)}
		r.lastErr = gerr
		r.record = nil
		r.setLocked(StateFailed)
		log.WithField("reason", res.Message).Warn("payment failed")
		return out, gerr
	}
	return out, nil
}

// ConfirmSaved charges a saved method directly, without an unconfirmed
// intent first. If the gateway wants verification the reconciler falls back
// to ready and Confirm finishes the payment.
func (r *Reconciler) ConfirmSaved(ctx context.Context, key IntentKey, methodID uint) (*Outcome, error) {
	r.mu.Lock()
	if r.closed {
		r.unlock()
		return nil, ErrSessionClosed
	}
	log := r.log.WithFields(logrus.Fields{"intent_key": key.String(), "method_id": methodID})
	if r.inflight || r.state == StateConfirming || r.state == StateCreating {
		log.Debug("saved method charge suppressed while another is in flight")
		r.unlock()
		return &Outcome{Duplicate: true}, nil
	}
	if r.state.Settled() {
		status := PaymentSucceeded
		if r.state == StateProcessing {
			status = PaymentProcessing
		}
		log.Debug("saved method charge suppressed, session already paid")
		r.unlock()
		return &Outcome{Duplicate: true, Status: status}, nil
	}

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.state == StateFailed {
		r.attempt++
		r.lastErr = nil
	}
	r.pending = nil
	r.waiting = false
	r.dropRecordLocked()
	r.gen++
	r.key = &key
	r.inflight = true
	r.setLocked(StateConfirming)
	gen := r.gen
	idem := key.IdempotencyKey(r.session, r.attempt, methodID)
	stale := r.takeStaleLocked()
	r.unlock()

	callCtx, done := r.callContext(ctx)
	defer done()
	r.cancelStale(callCtx, stale)
	res, err := r.gateway.CreatePaymentIntent(callCtx, IntentRequest{
		DuesID:         key.DuesID,
		MemberID:       r.memberID,
		Method:         key.Method,
		Amount:         key.Amount,
		SavedMethodID:  methodID,
		IdempotencyKey: idem,
	})

	r.mu.Lock()
	defer r.unlock()
	r.inflight = false
	if err != nil {
		gerr := AsGatewayError(err)
		if !r.closed && gen == r.gen {
			r.lastErr = gerr
			r.setLocked(StateFailed)
		}
		log.WithError(err).Warn("saved method charge failed")
		return nil, gerr
	}

	out := &Outcome{
		IntentID:        res.IntentID,
		Status:          res.Status,
		Amount:          key.Amount,
		PaymentMethodID: res.PaymentMethodID,
	}
	if out.PaymentMethodID == 0 {
		out.PaymentMethodID = methodID
	}
	if r.closed || gen != r.gen {
		return out, nil
	}

	r.record = &IntentRecord{
		Key:            key,
		IntentID:       res.IntentID,
		ClientSecret:   res.ClientSecret,
		RedirectURL:    res.RedirectURL,
		IdempotencyKey: idem,
		CreatedAt:      r.clock.Now(),
	}
	switch {
	case res.PaymentComplete():
		r.record.Status = stateFor(res.Status)
		r.setLocked(r.record.Status)
		log.WithField("status", res.Status).Info("saved method charged")
	case res.Status == PaymentFailed:
		gerr := &GatewayError{Code: "payment_failed", Message: "the saved payment method was declined"}
		r.lastErr = gerr
		r.record = nil
		r.setLocked(StateFailed)
		return out, gerr
	default:
		out.Status = PaymentRequiresAction
		out.ClientSecret = res.ClientSecret
		r.record.Status = StateReady
		r.setLocked(StateReady)
		log.Info("saved method charge needs verification")
	}
	return out, nil
}

// Retry re-enters idle after a failure and requests the last key again
func (r *Reconciler) Retry() bool {
	r.mu.Lock()
	defer r.unlock()
	if r.closed || r.state != StateFailed {
		return false
	}
	r.attempt++
	r.lastErr = nil
	r.record = nil
	r.gen++
	r.setLocked(StateIdle)
	if r.key != nil {
		k := *r.key
		r.pending = &k
		r.scheduleLocked()
	}
	return true
}

// Reset drops the cached intent so a new charge can start. It refuses while
// a creation or confirmation is in flight.
func (r *Reconciler) Reset() bool {
	r.mu.Lock()
	defer r.unlock()
	if r.closed || r.inflight || r.state == StateConfirming || r.state == StateCreating {
		return false
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.pending = nil
	r.waiting = false
	r.dropRecordLocked()
	r.lastErr = nil
	r.gen++
	r.attempt++
	r.setLocked(StateIdle)
	r.key = nil
	return true
}

// Close cancels any pending debounce and in-flight call context. Results
// arriving afterwards are discarded.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.unlock()
	if r.closed {
		return
	}
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.pending = nil
	r.waiting = false
	r.cancel()
}

// State returns the current lifecycle state
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Record returns a copy of the cached intent, or nil
func (r *Reconciler) Record() *IntentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.record == nil {
		return nil
	}
	rec := *r.record
	return &rec
}

// Pending reports whether a request is waiting out its debounce window
func (r *Reconciler) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending != nil
}

// LastError returns the error that moved the reconciler to failed
func (r *Reconciler) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

func failureMessage(msg string) string {
	if msg == "" {
		return "the payment was declined"
	}
	return msg
}
