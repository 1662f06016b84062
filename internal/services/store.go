package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"chapter_dues/internal/dues"
	"chapter_dues/internal/models"
	"chapter_dues/internal/payments"
)

// Store is the database-backed ledger behind the dues engine
type Store struct {
	db  *gorm.DB
	log *logrus.Entry
	now func() time.Time
}

func NewStore(db *gorm.DB, logger *logrus.Logger) *Store {
	return &Store{
		db:  db,
		log: logger.WithField("component", "store"),
		now: time.Now,
	}
}

// DB returns the underlying connection
func (s *Store) DB() *gorm.DB {
	return s.db
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, dues.ErrNotFound)
	}
	return err
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// GetRecurringItems returns every recurring item of a chapter, active or not
func (s *Store) GetRecurringItems(ctx context.Context, chapterID uint) ([]models.RecurringItem, error) {
	var items []models.RecurringItem
	err := s.db.WithContext(ctx).
		Where("chapter_id = ?", chapterID).
		Order("id").
		Find(&items).Error
	return items, err
}

// SaveRecurringItem creates or updates a recurring item
func (s *Store) SaveRecurringItem(ctx context.Context, item *models.RecurringItem) error {
	if !item.Frequency.IsValid() {
		return dues.NewValidationError("frequency", fmt.Errorf("unknown frequency %q", item.Frequency))
	}
	return s.db.WithContext(ctx).Save(item).Error
}

// GetActualBalance sums the ledger entries posted up to the end of today
func (s *Store) GetActualBalance(ctx context.Context, chapterID uint) (decimal.Decimal, error) {
	var amounts []decimal.Decimal
	tomorrow := startOfDay(s.now()).AddDate(0, 0, 1)
	err := s.db.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Where("chapter_id = ? AND occurred_on < ?", chapterID, tomorrow).
		Pluck("amount", &amounts).Error
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total, nil
}

// PostLedgerEntry records a chapter transaction
func (s *Store) PostLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *Store) GetDues(ctx context.Context, duesID uint) (*models.MemberDues, error) {
	var d models.MemberDues
	if err := s.db.WithContext(ctx).First(&d, duesID).Error; err != nil {
		return nil, notFound(err, "dues")
	}
	return &d, nil
}

// SaveDues stores a dues row; the balance and status are recomputed on save
func (s *Store) SaveDues(ctx context.Context, d *models.MemberDues) error {
	return s.db.WithContext(ctx).Save(d).Error
}

// ListChapterDues returns the dues rows of a chapter ordered by member name
func (s *Store) ListChapterDues(ctx context.Context, chapterID uint) ([]models.MemberDues, error) {
	var rows []models.MemberDues
	err := s.db.WithContext(ctx).
		Where("chapter_id = ?", chapterID).
		Order("member_name, id").
		Find(&rows).Error
	return rows, err
}

// GetEligibility returns the installment override for a dues row, or nil
func (s *Store) GetEligibility(ctx context.Context, duesID uint) (*models.InstallmentEligibility, error) {
	var e models.InstallmentEligibility
	err := s.db.WithContext(ctx).Where("dues_id = ?", duesID).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// SetEligibility creates or replaces the installment override for a dues row
func (s *Store) SetEligibility(ctx context.Context, e *models.InstallmentEligibility) error {
	existing, err := s.GetEligibility(ctx, e.DuesID)
	if err != nil {
		return err
	}
	if existing != nil {
		e.ID = existing.ID
		e.CreatedAt = existing.CreatedAt
	}
	return s.db.WithContext(ctx).Save(e).Error
}

// GetMemberEligibilityFlag reports the member-level installment default.
// Members without a flag row are not enabled.
func (s *Store) GetMemberEligibilityFlag(ctx context.Context, memberID uint) (bool, error) {
	var f models.MemberEligibilityFlag
	err := s.db.WithContext(ctx).Where("member_id = ?", memberID).First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return f.InstallmentsEnabled, nil
}

// SetMemberEligibilityFlag creates or updates the member-level default
func (s *Store) SetMemberEligibilityFlag(ctx context.Context, memberID uint, enabled bool) error {
	var f models.MemberEligibilityFlag
	err := s.db.WithContext(ctx).Where("member_id = ?", memberID).First(&f).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	f.MemberID = memberID
	f.InstallmentsEnabled = enabled
	return s.db.WithContext(ctx).Save(&f).Error
}

// GetAccountStatus reads the chapter's receiving account. A chapter without
// an account row reports Exists=false.
func (s *Store) GetAccountStatus(ctx context.Context, chapterID uint) (payments.AccountStatus, error) {
	var acct models.ChapterAccount
	err := s.db.WithContext(ctx).Where("chapter_id = ?", chapterID).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payments.AccountStatus{}, nil
	}
	if err != nil {
		return payments.AccountStatus{}, err
	}
	return payments.AccountStatus{
		Exists:             true,
		OnboardingComplete: acct.OnboardingComplete,
		ChargesEnabled:     acct.ChargesEnabled,
	}, nil
}

// ListChapterIDs returns the chapters that have a receiving account
func (s *Store) ListChapterIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.ChapterAccount{}).Order("chapter_id").Pluck("chapter_id", &ids).Error
	return ids, err
}

// SaveChapterAccount creates or updates the chapter's receiving account
func (s *Store) SaveChapterAccount(ctx context.Context, acct *models.ChapterAccount) error {
	var existing models.ChapterAccount
	err := s.db.WithContext(ctx).Where("chapter_id = ?", acct.ChapterID).First(&existing).Error
	switch {
	case err == nil:
		acct.ID = existing.ID
		acct.CreatedAt = existing.CreatedAt
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return err
	}
	return s.db.WithContext(ctx).Save(acct).Error
}

// ListSavedPaymentMethods returns a member's methods, default first
func (s *Store) ListSavedPaymentMethods(ctx context.Context, memberID uint) ([]models.SavedPaymentMethod, error) {
	var methods []models.SavedPaymentMethod
	err := s.db.WithContext(ctx).
		Where("member_id = ?", memberID).
		Order("is_default desc, id").
		Find(&methods).Error
	return methods, err
}

// GetSavedPaymentMethod loads a method owned by memberID
func (s *Store) GetSavedPaymentMethod(ctx context.Context, methodID, memberID uint) (*models.SavedPaymentMethod, error) {
	var m models.SavedPaymentMethod
	err := s.db.WithContext(ctx).
		Where("id = ? AND member_id = ?", methodID, memberID).
		First(&m).Error
	if err != nil {
		return nil, notFound(err, "payment method")
	}
	return &m, nil
}

// AddSavedPaymentMethod stores a new method. A member's first method becomes
// the default.
func (s *Store) AddSavedPaymentMethod(ctx context.Context, m *models.SavedPaymentMethod) error {
	if !m.Type.IsValid() {
		return dues.NewValidationError("method", dues.ErrInvalidMethod)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.SavedPaymentMethod{}).Where("member_id = ?", m.MemberID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			m.IsDefault = true
		}
		return tx.Create(m).Error
	})
}

// DeleteSavedPaymentMethod removes a method, refusing methods the member
// does not own
func (s *Store) DeleteSavedPaymentMethod(ctx context.Context, methodID, memberID uint) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND member_id = ?", methodID, memberID).
		Delete(&models.SavedPaymentMethod{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("payment method %d: %w", methodID, dues.ErrNotFound)
	}
	return nil
}

func lateFeeCandidates(tx *gorm.DB, chapterID uint) ([]models.MemberDues, error) {
	var rows []models.MemberDues
	err := tx.
		Where("chapter_id = ? AND status NOT IN ?", chapterID,
			[]models.DuesStatus{models.DuesStatusPaid, models.DuesStatusWaived}).
		Order("member_name, id").
		Find(&rows).Error
	return rows, err
}

// PreviewLateFee lists the dues rows a late fee would be added to
func (s *Store) PreviewLateFee(ctx context.Context, chapterID uint, targets []decimal.Decimal, excludePartial bool) ([]dues.PreviewMember, error) {
	rows, err := lateFeeCandidates(s.db.WithContext(ctx), chapterID)
	if err != nil {
		return nil, err
	}
	return dues.SelectLateFeeCohort(rows, targets, excludePartial), nil
}

// ApplyLateFee adds amount as the late fee of every row the preview rule
// selects, in one transaction
func (s *Store) ApplyLateFee(ctx context.Context, chapterID uint, amount decimal.Decimal, targets []decimal.Decimal, excludePartial bool) (int, error) {
	rows, err := s.ApplyLateFeeRows(ctx, chapterID, amount, targets, excludePartial)
	return len(rows), err
}

// ApplyLateFeeRows is ApplyLateFee returning the updated rows
func (s *Store) ApplyLateFeeRows(ctx context.Context, chapterID uint, amount decimal.Decimal, targets []decimal.Decimal, excludePartial bool) ([]models.MemberDues, error) {
	if err := dues.ValidateLateFee(amount); err != nil {
		return nil, err
	}

	var applied []models.MemberDues
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := lateFeeCandidates(tx, chapterID)
		if err != nil {
			return err
		}
		for i := range rows {
			if !dues.LateFeeEligible(rows[i], targets, excludePartial) {
				continue
			}
			rows[i].LateFee = amount
			if err := tx.Save(&rows[i]).Error; err != nil {
				return fmt.Errorf("failed to apply late fee to dues %d: %w", rows[i].ID, err)
			}
			applied = append(applied, rows[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}
