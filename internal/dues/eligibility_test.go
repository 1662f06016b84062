package dues

import (
	"context"
	"errors"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"chapter_dues/internal/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func deadline(s string) *time.Time {
	t := d(s)
	return &t
}

func TestEvaluateEligibility(t *testing.T) {
	today := d("2025-06-01")

	tests := []struct {
		name       string
		deadline   *time.Time
		override   *models.InstallmentEligibility
		memberFlag bool
		eligible   bool
		plans      []int
		source     EligibilitySourceKind
	}{
		{
			name:     "no deadline with eligible override",
			override: &models.InstallmentEligibility{Eligible: true, AllowedPlans: []int{2}},
		},
		{
			name:       "no deadline with member flag",
			memberFlag: true,
		},
		{
			name:     "override grants its plans",
			deadline: deadline("2025-09-01"),
			override: &models.InstallmentEligibility{Eligible: true, AllowedPlans: []int{2, 3}},
			eligible: true,
			plans:    []int{2, 3},
			source:   EligibilityFromDues,
		},
		{
			name:       "override denial wins over member flag",
			deadline:   deadline("2025-09-01"),
			override:   &models.InstallmentEligibility{Eligible: false},
			memberFlag: true,
			source:     EligibilityFromDues,
		},
		{
			name:       "member flag grants default plans",
			deadline:   deadline("2025-09-01"),
			memberFlag: true,
			eligible:   true,
			plans:      []int{2, 3, 4},
			source:     EligibilityFromMember,
		},
		{
			name:     "override without plans falls back to defaults",
			deadline: deadline("2025-09-01"),
			override: &models.InstallmentEligibility{Eligible: true},
			eligible: true,
			plans:    []int{2, 3, 4},
			source:   EligibilityFromDues,
		},
		{
			name:     "deadline without any grant",
			deadline: deadline("2025-09-01"),
		},
		{
			name:       "deadline already passed",
			deadline:   deadline("2025-05-31"),
			memberFlag: true,
		},
		{
			name:       "deadline today",
			deadline:   deadline("2025-06-01"),
			memberFlag: true,
			eligible:   true,
			plans:      []int{2, 3, 4},
			source:     EligibilityFromMember,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dues := &models.MemberDues{ID: 9, MemberID: 4, FlexibleDeadline: tt.deadline}
			got := EvaluateEligibility(dues, tt.override, tt.memberFlag, today)

			if got.Eligible != tt.eligible {
				t.Fatalf("eligible = %v, want %v (notes %q)", got.Eligible, tt.eligible, got.Notes)
			}
			if !reflect.DeepEqual(got.AllowedPlans, tt.plans) {
				t.Errorf("allowed plans = %v, want %v", got.AllowedPlans, tt.plans)
			}
			if got.Source != tt.source {
				t.Errorf("source = %q, want %q", got.Source, tt.source)
			}
		})
	}
}

func TestEligibilityDefaultsAreNotShared(t *testing.T) {
	dues := &models.MemberDues{FlexibleDeadline: deadline("2025-09-01")}
	got := EvaluateEligibility(dues, nil, true, d("2025-06-01"))
	got.AllowedPlans[0] = 99
	if DefaultAllowedPlans[0] != 2 {
		t.Fatal("evaluation result aliases DefaultAllowedPlans")
	}
}

type fakeEligibilitySource struct {
	dues        map[uint]*models.MemberDues
	overrides   map[uint]*models.InstallmentEligibility
	flags       map[uint]bool
	flagQueries int
	err         error
}

func (f *fakeEligibilitySource) GetDues(_ context.Context, id uint) (*models.MemberDues, error) {
	if f.err != nil {
		return nil, f.err
	}
	d, ok := f.dues[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (f *fakeEligibilitySource) GetEligibility(_ context.Context, id uint) (*models.InstallmentEligibility, error) {
	return f.overrides[id], nil
}

func (f *fakeEligibilitySource) GetMemberEligibilityFlag(_ context.Context, memberID uint) (bool, error) {
	f.flagQueries++
	return f.flags[memberID], nil
}

func TestEligibilityEvaluator(t *testing.T) {
	src := &fakeEligibilitySource{
		dues: map[uint]*models.MemberDues{
			1: {ID: 1, MemberID: 10, FlexibleDeadline: deadline("2025-09-01")},
			2: {ID: 2, MemberID: 10, FlexibleDeadline: deadline("2025-09-01")},
			3: {ID: 3, MemberID: 10},
		},
		overrides: map[uint]*models.InstallmentEligibility{
			2: {DuesID: 2, Eligible: true, AllowedPlans: []int{4}},
		},
		flags: map[uint]bool{10: true},
	}
	ev := NewEligibilityEvaluator(src, quietLogger())
	ev.now = func() time.Time { return d("2025-06-01") }
	ctx := context.Background()

	got, err := ev.Evaluate(ctx, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Allows(3) || got.Source != EligibilityFromMember {
		t.Errorf("expected member-level eligibility, got %+v", got)
	}
	if src.flagQueries != 1 {
		t.Errorf("expected the member flag to be read once, got %d", src.flagQueries)
	}

	got, err = ev.Evaluate(ctx, 2, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Allows(4) || got.Allows(2) {
		t.Errorf("expected override plans [4], got %v", got.AllowedPlans)
	}
	if src.flagQueries != 1 {
		t.Error("member flag must not be read when an override exists")
	}

	got, err = ev.Evaluate(ctx, 3, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got.Eligible {
		t.Error("dues without a deadline must not be eligible")
	}

	if _, err := ev.Evaluate(ctx, 77, 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
