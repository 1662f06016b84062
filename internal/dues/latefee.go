package dues

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"chapter_dues/internal/models"
)

// MaxLateFee is the largest late fee a single bulk application may add
var MaxLateFee = decimal.NewFromInt(500)

// PreviewMember is a dues row that a late fee application would touch
type PreviewMember struct {
	DuesID         uint              `json:"dues_id"`
	MemberID       uint              `json:"member_id"`
	MemberName     string            `json:"member_name"`
	Status         models.DuesStatus `json:"status"`
	CurrentBalance decimal.Decimal   `json:"current_balance"`
	NewBalance     decimal.Decimal   `json:"new_balance"`
}

// LateFeeEligible reports whether d receives a late fee for the given
// target balances. Rows already charged a late fee are never charged again.
func LateFeeEligible(d models.MemberDues, targets []decimal.Decimal, excludePartial bool) bool {
	if d.Status == models.DuesStatusPaid || d.Status == models.DuesStatusWaived {
		return false
	}
	if !d.LateFee.IsZero() {
		return false
	}
	if excludePartial && d.Status == models.DuesStatusPartial {
		return false
	}
	for _, t := range targets {
		if d.Balance.Equal(t) {
			return true
		}
	}
	return false
}

// SelectLateFeeCohort filters rows down to those LateFeeEligible accepts
func SelectLateFeeCohort(rows []models.MemberDues, targets []decimal.Decimal, excludePartial bool) []PreviewMember {
	out := make([]PreviewMember, 0, len(rows))
	for _, d := range rows {
		if !LateFeeEligible(d, targets, excludePartial) {
			continue
		}
		out = append(out, PreviewMember{
			DuesID:         d.ID,
			MemberID:       d.MemberID,
			MemberName:     d.MemberName,
			Status:         d.Status,
			CurrentBalance: d.Balance,
			NewBalance:     d.Balance,
		})
	}
	return out
}

// ValidateLateFee checks 0 < fee <= MaxLateFee
func ValidateLateFee(fee decimal.Decimal) error {
	if !fee.IsPositive() || fee.GreaterThan(MaxLateFee) {
		return invalid("late_fee", ErrInvalidLateFee)
	}
	return nil
}

// LateFeeStore runs the late fee preview and bulk update. ApplyLateFee must
// select rows with the same rule as PreviewLateFee.
type LateFeeStore interface {
	PreviewLateFee(ctx context.Context, chapterID uint, targets []decimal.Decimal, excludePartial bool) ([]PreviewMember, error)
	ApplyLateFee(ctx context.Context, chapterID uint, amount decimal.Decimal, targets []decimal.Decimal, excludePartial bool) (int, error)
}

// LateFeeApplicator holds the admin's late fee selection for one chapter.
// Changing the targets or the partial flag drops the preview; Apply is
// refused until a fresh, non-empty preview exists.
type LateFeeApplicator struct {
	mu             sync.Mutex
	store          LateFeeStore
	log            *logrus.Entry
	chapterID      uint
	fee            decimal.Decimal
	targets        []decimal.Decimal
	excludePartial bool
	preview        []PreviewMember
	previewValid   bool
}

// NewLateFeeApplicator creates an applicator for chapterID
func NewLateFeeApplicator(store LateFeeStore, chapterID uint, logger *logrus.Logger) *LateFeeApplicator {
	return &LateFeeApplicator{
		store:     store,
		chapterID: chapterID,
		log:       logger.WithFields(logrus.Fields{"component": "late_fee", "chapter_id": chapterID}),
	}
}

// SetFee sets the fee amount. The preview cohort is unaffected; only the
// projected balances change.
func (a *LateFeeApplicator) SetFee(fee decimal.Decimal) error {
	if err := ValidateLateFee(fee); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fee = fee
	for i := range a.preview {
		a.preview[i].NewBalance = a.preview[i].CurrentBalance.Add(fee)
	}
	return nil
}

// SetTargets replaces the target balances and invalidates the preview
func (a *LateFeeApplicator) SetTargets(targets []decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.targets = append([]decimal.Decimal(nil), targets...)
	a.invalidate()
}

// SetExcludePartial toggles skipping partially paid rows and invalidates the preview
func (a *LateFeeApplicator) SetExcludePartial(exclude bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.excludePartial != exclude {
		a.excludePartial = exclude
		a.invalidate()
	}
}

func (a *LateFeeApplicator) invalidate() {
	a.preview = nil
	a.previewValid = false
}

// Preview fetches the rows the current selection would touch
func (a *LateFeeApplicator) Preview(ctx context.Context) ([]PreviewMember, error) {
	a.mu.Lock()
	targets := append([]decimal.Decimal(nil), a.targets...)
	exclude := a.excludePartial
	a.mu.Unlock()

	if len(targets) == 0 {
		return nil, invalid("targets", ErrNoTargets)
	}

	rows, err := a.store.PreviewLateFee(ctx, a.chapterID, targets, exclude)
	if err != nil {
		return nil, fmt.Errorf("failed to preview late fee: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	// the selection changed while the store was queried
	if a.excludePartial != exclude || !sameTargets(a.targets, targets) {
		return nil, invalid("targets", ErrPreviewRequired)
	}
	for i := range rows {
		rows[i].NewBalance = rows[i].CurrentBalance.Add(a.fee)
	}
	a.preview = rows
	a.previewValid = true

	out := make([]PreviewMember, len(rows))
	copy(out, rows)
	return out, nil
}

// Apply adds the fee to every previewed row and returns the number updated
func (a *LateFeeApplicator) Apply(ctx context.Context) (int, error) {
	a.mu.Lock()
	fee := a.fee
	targets := append([]decimal.Decimal(nil), a.targets...)
	exclude := a.excludePartial
	valid := a.previewValid
	size := len(a.preview)
	a.mu.Unlock()

	if err := ValidateLateFee(fee); err != nil {
		return 0, err
	}
	if !valid {
		return 0, invalid("preview", ErrPreviewRequired)
	}
	if size == 0 {
		return 0, invalid("preview", ErrNothingToApply)
	}

	updated, err := a.store.ApplyLateFee(ctx, a.chapterID, fee, targets, exclude)
	if err != nil {
		return 0, fmt.Errorf("failed to apply late fee: %w", err)
	}

	a.mu.Lock()
	a.invalidate()
	a.mu.Unlock()

	a.log.WithFields(logrus.Fields{
		"fee":       fee.StringFixed(2),
		"updated":   updated,
		"previewed": size,
	}).Info("late fee applied")
	return updated, nil
}

func sameTargets(a, b []decimal.Decimal) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
