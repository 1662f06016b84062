package payments

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"chapter_dues/internal/dues"
	"chapter_dues/internal/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var epoch = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu            sync.Mutex
	creates       []IntentRequest
	confirms      []Intent
	cancels       []Intent
	createErr     error
	createStatus  PaymentStatus
	createMethod  uint
	confirmResult ConfirmResult
	confirmErr    error
	onCreate      func(n int)
	// hold, when set, is closed by the first creation, which then blocks
	// until its context is cancelled
	hold chan struct{}
}

func (g *fakeGateway) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*IntentResult, error) {
	g.mu.Lock()
	g.creates = append(g.creates, req)
	n := len(g.creates)
	hook, err, status, method := g.onCreate, g.createErr, g.createStatus, g.createMethod
	hold := g.hold
	g.hold = nil
	g.mu.Unlock()

	if hold != nil {
		close(hold)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if hook != nil {
		hook(n)
	}
	if err != nil {
		return nil, err
	}
	return &IntentResult{
		IntentID:        fmt.Sprintf("pi_%d", n),
		ClientSecret:    fmt.Sprintf("secret_%d", n),
		Status:          status,
		PaymentMethodID: method,
	}, nil
}

func (g *fakeGateway) ConfirmPayment(_ context.Context, intent Intent) (*ConfirmResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.confirms = append(g.confirms, intent)
	if g.confirmErr != nil {
		return nil, g.confirmErr
	}
	res := g.confirmResult
	return &res, nil
}

func (g *fakeGateway) CancelPaymentIntent(ctx context.Context, intent Intent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, intent)
	return ctx.Err()
}

func (g *fakeGateway) cancelled() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, len(g.cancels))
	for i, in := range g.cancels {
		ids[i] = in.ID
	}
	return ids
}

func (g *fakeGateway) createCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.creates)
}

func (g *fakeGateway) lastCreate() IntentRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creates[len(g.creates)-1]
}

type fakeAccounts struct {
	mu       sync.Mutex
	statuses []AccountStatus
	calls    int
	err      error
}

// GetAccountStatus returns the next scripted status, repeating the last one
func (a *fakeAccounts) GetAccountStatus(_ context.Context, _ uint) (AccountStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return AccountStatus{}, a.err
	}
	i := a.calls - 1
	if i >= len(a.statuses) {
		i = len(a.statuses) - 1
	}
	return a.statuses[i], nil
}

func (a *fakeAccounts) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

var readyAccount = AccountStatus{Exists: true, OnboardingComplete: true, ChargesEnabled: true}

type fakeLedger struct {
	mu        sync.Mutex
	dues      map[uint]*models.MemberDues
	overrides map[uint]*models.InstallmentEligibility
	flags     map[uint]bool
	methods   map[uint][]models.SavedPaymentMethod
	plans     []PlanRequest
	planErr   error
	active    map[uint]bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		dues:      make(map[uint]*models.MemberDues),
		overrides: make(map[uint]*models.InstallmentEligibility),
		flags:     make(map[uint]bool),
		methods:   make(map[uint][]models.SavedPaymentMethod),
		active:    make(map[uint]bool),
	}
}

func (l *fakeLedger) GetDues(_ context.Context, id uint) (*models.MemberDues, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.dues[id]
	if !ok {
		return nil, dues.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (l *fakeLedger) GetEligibility(_ context.Context, id uint) (*models.InstallmentEligibility, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.overrides[id], nil
}

func (l *fakeLedger) GetMemberEligibilityFlag(_ context.Context, memberID uint) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flags[memberID], nil
}

func (l *fakeLedger) ListSavedPaymentMethods(_ context.Context, memberID uint) ([]models.SavedPaymentMethod, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.SavedPaymentMethod(nil), l.methods[memberID]...), nil
}

func (l *fakeLedger) DeleteSavedPaymentMethod(_ context.Context, methodID, memberID uint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.methods[memberID][:0]
	found := false
	for _, m := range l.methods[memberID] {
		if m.ID == methodID {
			found = true
			continue
		}
		kept = append(kept, m)
	}
	if !found {
		return dues.ErrNotFound
	}
	l.methods[memberID] = kept
	return nil
}

func (l *fakeLedger) CreateInstallmentPlan(_ context.Context, req PlanRequest) (*PlanResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.plans = append(l.plans, req)
	if l.planErr != nil {
		return nil, l.planErr
	}
	return &PlanResult{Plan: &models.InstallmentPlan{
		ID:              uint(len(l.plans)),
		DuesID:          req.DuesID,
		NumInstallments: req.NumInstallments,
		PaymentMethodID: req.PaymentMethodID,
		Status:          models.PlanStatusActive,
	}}, nil
}

func (l *fakeLedger) ActivePlanExists(_ context.Context, duesID uint) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[duesID], nil
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
