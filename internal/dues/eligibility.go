package dues

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"chapter_dues/internal/models"
)

// DefaultAllowedPlans are the installment counts granted by the member-level flag
var DefaultAllowedPlans = []int{2, 3, 4}

// EligibilitySourceKind says which rule granted eligibility
type EligibilitySourceKind string

const (
	EligibilityFromDues   EligibilitySourceKind = "dues"
	EligibilityFromMember EligibilitySourceKind = "member"
)

// Eligibility is the outcome of evaluating a dues row for installment plans
type Eligibility struct {
	DuesID       uint                  `json:"dues_id"`
	Eligible     bool                  `json:"eligible"`
	AllowedPlans []int                 `json:"allowed_plans"`
	Deadline     *time.Time            `json:"deadline,omitempty"`
	Source       EligibilitySourceKind `json:"source,omitempty"`
	Notes        string                `json:"notes,omitempty"`
}

// Allows reports whether n installments may be chosen
func (e *Eligibility) Allows(n int) bool {
	if e == nil || !e.Eligible {
		return false
	}
	for _, p := range e.AllowedPlans {
		if p == n {
			return true
		}
	}
	return false
}

// EligibilitySource reads the inputs of an eligibility decision.
// GetEligibility returns nil when no per-dues override exists.
type EligibilitySource interface {
	GetDues(ctx context.Context, duesID uint) (*models.MemberDues, error)
	GetEligibility(ctx context.Context, duesID uint) (*models.InstallmentEligibility, error)
	GetMemberEligibilityFlag(ctx context.Context, memberID uint) (bool, error)
}

// EvaluateEligibility applies the eligibility rules. A flexible-plan deadline
// is mandatory; a per-dues override wins over the member flag.
func EvaluateEligibility(d *models.MemberDues, override *models.InstallmentEligibility, memberFlag bool, today time.Time) Eligibility {
	out := Eligibility{DuesID: d.ID, Deadline: d.FlexibleDeadline, Notes: d.FlexibleNotes}

	if d.FlexibleDeadline == nil {
		out.Notes = "no flexible plan deadline is configured"
		return out
	}
	if dateOf(*d.FlexibleDeadline).Before(dateOf(today)) {
		out.Notes = "the flexible plan deadline has passed"
		return out
	}

	switch {
	case override != nil:
		out.Source = EligibilityFromDues
		out.Eligible = override.Eligible
		out.AllowedPlans = append([]int(nil), override.AllowedPlans...)
		if len(out.AllowedPlans) == 0 {
			out.AllowedPlans = append([]int(nil), DefaultAllowedPlans...)
		}
		if override.Notes != "" {
			out.Notes = override.Notes
		}
	case memberFlag:
		out.Source = EligibilityFromMember
		out.Eligible = true
		out.AllowedPlans = append([]int(nil), DefaultAllowedPlans...)
	}

	if !out.Eligible {
		out.AllowedPlans = nil
	}
	return out
}

// EligibilityEvaluator decides whether a dues row may use an installment plan
type EligibilityEvaluator struct {
	source EligibilitySource
	log    *logrus.Entry
	now    func() time.Time
}

// NewEligibilityEvaluator creates an evaluator reading from source
func NewEligibilityEvaluator(source EligibilitySource, logger *logrus.Logger) *EligibilityEvaluator {
	return &EligibilityEvaluator{
		source: source,
		log:    logger.WithField("component", "eligibility"),
		now:    time.Now,
	}
}

// Evaluate reads the dues row, its override and, only when no override
// exists, the member flag.
func (e *EligibilityEvaluator) Evaluate(ctx context.Context, duesID, memberID uint) (*Eligibility, error) {
	d, err := e.source.GetDues(ctx, duesID)
	if err != nil {
		return nil, fmt.Errorf("failed to read dues %d: %w", duesID, err)
	}
	if memberID == 0 {
		memberID = d.MemberID
	}

	override, err := e.source.GetEligibility(ctx, duesID)
	if err != nil {
		return nil, fmt.Errorf("failed to read eligibility for dues %d: %w", duesID, err)
	}

	flag := false
	if override == nil && d.FlexibleDeadline != nil {
		flag, err = e.source.GetMemberEligibilityFlag(ctx, memberID)
		if err != nil {
			return nil, fmt.Errorf("failed to read member %d eligibility flag: %w", memberID, err)
		}
	}

	result := EvaluateEligibility(d, override, flag, e.now())
	e.log.WithFields(logrus.Fields{
		"dues_id":  duesID,
		"eligible": result.Eligible,
		"source":   result.Source,
	}).Debug("installment eligibility evaluated")
	return &result, nil
}
