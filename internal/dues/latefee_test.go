package dues

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"chapter_dues/internal/models"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func duesRow(id uint, status models.DuesStatus, balance, lateFee string) models.MemberDues {
	return models.MemberDues{
		ID:         id,
		MemberID:   id + 100,
		MemberName: "member",
		Status:     status,
		Balance:    dec(balance),
		LateFee:    dec(lateFee),
	}
}

func TestLateFeeEligible(t *testing.T) {
	targets := []decimal.Decimal{dec("50"), dec("100")}

	tests := []struct {
		name           string
		row            models.MemberDues
		excludePartial bool
		want           bool
	}{
		{"unpaid at target", duesRow(1, models.DuesStatusUnpaid, "100", "0"), false, true},
		{"overdue at target", duesRow(2, models.DuesStatusOverdue, "50", "0"), false, true},
		{"partial at target", duesRow(3, models.DuesStatusPartial, "50", "0"), false, true},
		{"partial excluded", duesRow(4, models.DuesStatusPartial, "50", "0"), true, false},
		{"balance not targeted", duesRow(5, models.DuesStatusUnpaid, "75", "0"), false, false},
		{"already charged", duesRow(6, models.DuesStatusUnpaid, "100", "10"), false, false},
		{"paid", duesRow(7, models.DuesStatusPaid, "50", "0"), false, false},
		{"waived", duesRow(8, models.DuesStatusWaived, "100", "0"), false, false},
		{"matches exactly only", duesRow(9, models.DuesStatusUnpaid, "100.01", "0"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LateFeeEligible(tt.row, targets, tt.excludePartial); got != tt.want {
				t.Errorf("LateFeeEligible = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateLateFee(t *testing.T) {
	for _, fee := range []string{"0.01", "25", "500"} {
		if err := ValidateLateFee(dec(fee)); err != nil {
			t.Errorf("fee %s rejected: %v", fee, err)
		}
	}
	for _, fee := range []string{"0", "-5", "500.01"} {
		if err := ValidateLateFee(dec(fee)); !errors.Is(err, ErrInvalidLateFee) {
			t.Errorf("fee %s: expected ErrInvalidLateFee, got %v", fee, err)
		}
	}
}

type memoryLateFeeStore struct {
	rows     []models.MemberDues
	previews int
	applies  int
}

func (s *memoryLateFeeStore) PreviewLateFee(_ context.Context, _ uint, targets []decimal.Decimal, excludePartial bool) ([]PreviewMember, error) {
	s.previews++
	return SelectLateFeeCohort(s.rows, targets, excludePartial), nil
}

func (s *memoryLateFeeStore) ApplyLateFee(_ context.Context, _ uint, amount decimal.Decimal, targets []decimal.Decimal, excludePartial bool) (int, error) {
	s.applies++
	n := 0
	for i := range s.rows {
		if LateFeeEligible(s.rows[i], targets, excludePartial) {
			s.rows[i].LateFee = amount
			s.rows[i].Balance = s.rows[i].Balance.Add(amount)
			n++
		}
	}
	return n, nil
}

func TestLateFeeApplicatorFlow(t *testing.T) {
	store := &memoryLateFeeStore{rows: []models.MemberDues{
		duesRow(1, models.DuesStatusUnpaid, "50", "0"),
		duesRow(2, models.DuesStatusPartial, "50", "0"),
		duesRow(3, models.DuesStatusUnpaid, "80", "0"),
	}}
	app := NewLateFeeApplicator(store, 1, quietLogger())
	ctx := context.Background()

	if err := app.SetFee(dec("15")); err != nil {
		t.Fatal(err)
	}
	if _, err := app.Apply(ctx); !errors.Is(err, ErrPreviewRequired) {
		t.Fatalf("expected apply to require a preview, got %v", err)
	}

	app.SetTargets([]decimal.Decimal{dec("50")})
	app.SetExcludePartial(true)
	preview, err := app.Preview(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(preview) != 1 || preview[0].DuesID != 1 {
		t.Fatalf("expected only dues 1 in preview, got %+v", preview)
	}
	if !preview[0].NewBalance.Equal(dec("65")) {
		t.Errorf("new balance = %s, want 65", preview[0].NewBalance)
	}

	// toggling the flag drops the preview
	app.SetExcludePartial(false)
	if _, err := app.Apply(ctx); !errors.Is(err, ErrPreviewRequired) {
		t.Fatalf("expected stale preview to block apply, got %v", err)
	}
	app.SetExcludePartial(true)

	if _, err := app.Preview(ctx); err != nil {
		t.Fatal(err)
	}
	updated, err := app.Apply(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if updated != 1 {
		t.Fatalf("expected 1 row updated, got %d", updated)
	}
	if !store.rows[0].Balance.Equal(dec("65")) || !store.rows[1].LateFee.IsZero() {
		t.Errorf("unexpected rows after apply: %+v", store.rows)
	}

	// a second application must preview again and finds nobody at 50 without a fee
	if _, err := app.Apply(ctx); !errors.Is(err, ErrPreviewRequired) {
		t.Fatalf("expected preview to be required after apply, got %v", err)
	}
	preview, err = app.Preview(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(preview) != 0 {
		t.Fatalf("expected empty preview, got %+v", preview)
	}
	if _, err := app.Apply(ctx); !errors.Is(err, ErrNothingToApply) {
		t.Fatalf("expected ErrNothingToApply, got %v", err)
	}
	if store.applies != 1 {
		t.Errorf("expected a single store update, got %d", store.applies)
	}
}

func TestLateFeeApplicatorValidation(t *testing.T) {
	app := NewLateFeeApplicator(&memoryLateFeeStore{}, 1, quietLogger())

	if err := app.SetFee(dec("501")); !errors.Is(err, ErrInvalidLateFee) {
		t.Errorf("expected ErrInvalidLateFee, got %v", err)
	}
	if _, err := app.Preview(context.Background()); !errors.Is(err, ErrNoTargets) {
		t.Errorf("expected ErrNoTargets, got %v", err)
	}
}

func TestSetFeeUpdatesPreviewBalances(t *testing.T) {
	store := &memoryLateFeeStore{rows: []models.MemberDues{duesRow(1, models.DuesStatusUnpaid, "100", "0")}}
	app := NewLateFeeApplicator(store, 1, quietLogger())
	ctx := context.Background()

	app.SetTargets([]decimal.Decimal{dec("100")})
	if err := app.SetFee(dec("10")); err != nil {
		t.Fatal(err)
	}
	if _, err := app.Preview(ctx); err != nil {
		t.Fatal(err)
	}
	if err := app.SetFee(dec("25")); err != nil {
		t.Fatal(err)
	}
	if n, err := app.Apply(ctx); err != nil || n != 1 {
		t.Fatalf("apply = %d, %v", n, err)
	}
	if !store.rows[0].Balance.Equal(dec("125")) {
		t.Errorf("balance = %s, want 125", store.rows[0].Balance)
	}
}
