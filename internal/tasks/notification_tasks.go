package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"chapter_dues/internal/models"
	"chapter_dues/internal/services"
)

const SendBalanceReminders = "send_balance_reminders"

// ChapterDuesLister lists the dues rows of a chapter
type ChapterDuesLister interface {
	ListChapterDues(ctx context.Context, chapterID uint) ([]models.MemberDues, error)
}

// Mailer sends plain text email
type Mailer interface {
	Enabled() bool
	SendEmail(to []string, subject, body string) error
}

// SendBalanceRemindersArgs defines the arguments for a reminder run
type SendBalanceRemindersArgs struct {
	ChapterID uint `json:"chapter_id"`
	// OverdueOnly limits reminders to overdue rows
	OverdueOnly bool `json:"overdue_only"`
}

// SendBalanceRemindersTask emails every member of a chapter who still owes dues
type SendBalanceRemindersTask struct {
	dues ChapterDuesLister
	mail Mailer
	log  *logrus.Entry
	now  func() time.Time
}

func NewSendBalanceRemindersTask(dues ChapterDuesLister, mail Mailer, logger *logrus.Logger) *SendBalanceRemindersTask {
	return &SendBalanceRemindersTask{
		dues: dues,
		mail: mail,
		log:  logger.WithField("component", SendBalanceReminders),
		now:  time.Now,
	}
}

func (t *SendBalanceRemindersTask) TaskID() string {
	return SendBalanceReminders
}

func (t *SendBalanceRemindersTask) HandleExecution(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	var parsed SendBalanceRemindersArgs
	if err := decodeArgs(args, &parsed); err != nil {
		return nil, err
	}
	if parsed.ChapterID == 0 {
		return nil, fmt.Errorf("chapter_id not provided or invalid")
	}
	if !t.mail.Enabled() {
		return nil, services.ErrEmailNotConfigured
	}
	log := t.log.WithField("chapter_id", parsed.ChapterID)

	rows, err := t.dues.ListChapterDues(ctx, parsed.ChapterID)
	if err != nil {
		return nil, err
	}

	today := t.now()
	var sent, skipped int
	var errs []error
	for i := range rows {
		d := &rows[i]
		if !remind(d, parsed.OverdueOnly, today) {
			continue
		}
		if d.MemberEmail == "" {
			log.WithField("dues_id", d.ID).Debug("skipping reminder: no email on file")
			skipped++
			continue
		}
		subject, body := services.BalanceReminderMessage(d)
		if err := t.mail.SendEmail([]string{d.MemberEmail}, subject, body); err != nil {
			errs = append(errs, fmt.Errorf("dues %d: %w", d.ID, err))
			continue
		}
		sent++
	}

	return map[string]interface{}{
		"sent":    sent,
		"skipped": skipped,
		"failed":  len(errs),
	}, errors.Join(errs...)
}

func remind(d *models.MemberDues, overdueOnly bool, today time.Time) bool {
	if !d.Balance.IsPositive() || d.Status == models.DuesStatusWaived {
		return false
	}
	return !overdueOnly || d.PastDue(today)
}
