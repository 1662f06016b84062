package services

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"chapter_dues/internal/models"
)

var ErrEmailNotConfigured = errors.New("SMTP credentials not fully configured")

type EmailConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	From     string
}

// EmailService sends dues notices to members
type EmailService struct {
	cfg  EmailConfig
	log  *logrus.Entry
	send func(e *email.Email, addr string, auth smtp.Auth) error
}

func NewEmailService(cfg EmailConfig, logger *logrus.Logger) *EmailService {
	return &EmailService{
		cfg: cfg,
		log: logger.WithField("component", "email"),
		send: func(e *email.Email, addr string, auth smtp.Auth) error {
			return e.Send(addr, auth)
		},
	}
}

// Enabled reports whether SMTP is configured
func (s *EmailService) Enabled() bool {
	return s.cfg.Host != "" && s.cfg.Port != "" && s.cfg.User != "" && s.cfg.Password != ""
}

func (s *EmailService) SendEmail(to []string, subject, body string) error {
	if !s.Enabled() {
		return ErrEmailNotConfigured
	}
	if len(to) == 0 || to[0] == "" {
		return fmt.Errorf("no recipient for %q", subject)
	}

	e := email.NewEmail()
	e.From = s.cfg.From
	e.To = to
	e.Subject = subject
	e.Text = []byte(body)

	addr := fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port)
	auth := smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Host)
	if err := s.send(e, addr, auth); err != nil {
		s.log.WithError(err).WithField("to", to[0]).Error("failed to send email")
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.log.WithFields(logrus.Fields{"to": to[0], "subject": subject}).Info("email sent")
	return nil
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func greeting(d *models.MemberDues) string {
	name := strings.TrimSpace(d.MemberName)
	if name == "" {
		name = "member"
	}
	return fmt.Sprintf("Dear %s,\n\n", name)
}

const signature = "\nBest regards,\nChapter Treasurer"

// ReceiptMessage builds the receipt sent after a successful payment
func ReceiptMessage(d *models.MemberDues, p *models.DuesPayment) (string, string) {
	subject := fmt.Sprintf("Payment received: %s dues", d.Period)
	body := greeting(d) +
		fmt.Sprintf("We received your payment of %s toward your %s dues (processing fee %s).\n", money(p.Amount), d.Period, money(p.Fee)) +
		fmt.Sprintf("Reference: %s\n", p.GatewayOrderID) +
		fmt.Sprintf("Remaining balance: %s\n", money(d.Balance)) +
		signature
	return subject, body
}

// InstallmentFailedMessage builds the notice for a declined installment
func InstallmentFailedMessage(d *models.MemberDues, inst *models.InstallmentPayment) (string, string) {
	subject := fmt.Sprintf("Installment %d of your %s dues could not be charged", inst.Sequence, d.Period)
	body := greeting(d) +
		fmt.Sprintf("We could not charge installment %d (%s) scheduled for %s.\n", inst.Sequence, money(inst.Amount), inst.ScheduledDate.Format("2006-01-02"))
	if inst.FailureReason != "" {
		body += fmt.Sprintf("Reason: %s\n", inst.FailureReason)
	}
	body += "Please update your payment method or pay the remaining balance directly.\n" + signature
	return subject, body
}

// LateFeeMessage builds the notice sent when a late fee is added
func LateFeeMessage(d *models.MemberDues) (string, string) {
	subject := fmt.Sprintf("Late fee added to your %s dues", d.Period)
	body := greeting(d) +
		fmt.Sprintf("A late fee of %s was added to your %s dues.\n", money(d.LateFee), d.Period) +
		fmt.Sprintf("Your balance is now %s.\n", money(d.Balance)) +
		signature
	return subject, body
}

// NotifySettlement emails the member about a settled payment. Settlements
// that were already applied earlier are ignored.
func (s *EmailService) NotifySettlement(st *Settlement) error {
	if st == nil || !st.Applied || !s.Enabled() {
		return nil
	}
	var subject, body string
	switch {
	case st.Payment.Status == models.DuesPaymentSucceeded:
		subject, body = ReceiptMessage(st.Dues, st.Payment)
	case st.Installment != nil:
		subject, body = InstallmentFailedMessage(st.Dues, st.Installment)
	default:
		return nil
	}
	return s.SendEmail([]string{st.Dues.MemberEmail}, subject, body)
}

// NotifyLateFee emails the members of rows that just received a late fee
func (s *EmailService) NotifyLateFee(rows []models.MemberDues) (sent int, err error) {
	if !s.Enabled() {
		return 0, nil
	}
	var errs []error
	for i := range rows {
		subject, body := LateFeeMessage(&rows[i])
		if err := s.SendEmail([]string{rows[i].MemberEmail}, subject, body); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// NotifyingLateFeeStore emails members after a late fee is applied to them
type NotifyingLateFeeStore struct {
	*Store
	Mail *EmailService
}

func (n *NotifyingLateFeeStore) ApplyLateFee(ctx context.Context, chapterID uint, amount decimal.Decimal, targets []decimal.Decimal, excludePartial bool) (int, error) {
	rows, err := n.Store.ApplyLateFeeRows(ctx, chapterID, amount, targets, excludePartial)
	if err != nil {
		return 0, err
	}
	if n.Mail != nil && len(rows) > 0 {
		go func() {
			if _, err := n.Mail.NotifyLateFee(rows); err != nil {
				n.Mail.log.WithError(err).Warn("some late fee notices were not sent")
			}
		}()
	}
	return len(rows), nil
}

// BalanceReminderMessage builds the reminder for an outstanding balance
func BalanceReminderMessage(d *models.MemberDues) (string, string) {
	subject := fmt.Sprintf("Reminder: %s dues balance %s", d.Period, money(d.Balance))
	body := greeting(d) +
		fmt.Sprintf("Your %s dues have an outstanding balance of %s.\n", d.Period, money(d.Balance))
	if d.DueDate != nil {
		body += fmt.Sprintf("Payment is due on %s.\n", d.DueDate.Format("2006-01-02"))
	}
	body += "You can pay in full, make a partial payment, or ask the treasurer about an installment plan.\n" + signature
	return subject, body
}
