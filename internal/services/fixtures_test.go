package services

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chapter_dues/internal/dues"
	"chapter_dues/internal/models"
)

var testNow = time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := AutoMigrate(db, quietLogger()); err != nil {
		t.Fatal(err)
	}
	s := NewStore(db, quietLogger())
	s.now = func() time.Time { return testNow }
	return s
}

func seedDues(t *testing.T, s *Store, d models.MemberDues) *models.MemberDues {
	t.Helper()
	if d.ChapterID == 0 {
		d.ChapterID = 1
	}
	if d.Period == "" {
		d.Period = "Fall 2025"
	}
	if err := s.SaveDues(context.Background(), &d); err != nil {
		t.Fatal(err)
	}
	return &d
}

func seedMethod(t *testing.T, s *Store, memberID uint, typ models.MethodType, token string) *models.SavedPaymentMethod {
	t.Helper()
	m := &models.SavedPaymentMethod{MemberID: memberID, Type: typ, Brand: "visa", Last4: "4242", GatewayToken: token}
	if err := s.AddSavedPaymentMethod(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	return m
}

// fakeMidtrans records gateway calls and answers from scripted statuses
type fakeMidtrans struct {
	mu        sync.Mutex
	creates   []ChargeRequest
	charges   []ChargeRequest
	checks    []string
	cancels   []string
	createErr error
	charge    *ChargeStatus
	chargeErr error
	statuses  map[string]*ChargeStatus
	serverKey string
}

func newFakeMidtrans() *fakeMidtrans {
	return &fakeMidtrans{statuses: make(map[string]*ChargeStatus), serverKey: "server-key"}
}

func (f *fakeMidtrans) CreateTransaction(req ChargeRequest) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, req)
	if f.createErr != nil {
		return "", "", f.createErr
	}
	return "snap-" + req.OrderID, "https://pay.example/" + req.OrderID, nil
}

func (f *fakeMidtrans) ChargeToken(req ChargeRequest) (*ChargeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charges = append(f.charges, req)
	if f.chargeErr != nil {
		return nil, f.chargeErr
	}
	cs := *f.charge
	cs.OrderID = req.OrderID
	return &cs, nil
}

func (f *fakeMidtrans) CheckTransaction(orderID string) (*ChargeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append(f.checks, orderID)
	cs, ok := f.statuses[orderID]
	if !ok {
		return nil, fmt.Errorf("check %s: %w", orderID, ErrTransactionNotFound)
	}
	return cs, nil
}

func (f *fakeMidtrans) CancelTransaction(orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, orderID)
	return nil
}

func (f *fakeMidtrans) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancels...)
}

func (f *fakeMidtrans) VerifySignature(orderID, statusCode, grossAmount, signatureKey string) bool {
	return verifySignature(f.serverKey, orderID, statusCode, grossAmount, signatureKey)
}

func (f *fakeMidtrans) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

func (f *fakeMidtrans) chargeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.charges)
}

func newTestPaymentService(s *Store, gw TransactionGateway) *PaymentService {
	return NewPaymentService(s, gw, NewMemoryLocker(), dues.DefaultFeeSchedule, PaymentConfig{
		AmountScale:    decimal.NewFromInt(100),
		MinimumPayment: decimal.NewFromInt(1),
	}, quietLogger())
}
