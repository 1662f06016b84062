package forecast

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/teambition/rrule-go"

	"chapter_dues/internal/models"
)

var (
	ErrInvalidWindow    = errors.New("window end is before window start")
	ErrInvalidFrequency = errors.New("invalid recurring frequency")
)

// Occurrence is one concrete calendar date of a recurring item
type Occurrence struct {
	ItemID uint            `json:"item_id"`
	Date   time.Time       `json:"date"`
	Amount decimal.Decimal `json:"amount"`
}

// dateOf strips the clock and location so that dates compare by calendar day
func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// AddMonthsClamped moves t forward by months, clamping the day to the last
// valid day of the target month. Jan 31 + 1 month is Feb 28 (or 29), never Mar 3.
func AddMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	target := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
	if last := daysIn(target.Year(), target.Month()); d > last {
		d = last
	}
	return time.Date(target.Year(), target.Month(), d, 0, 0, 0, 0, time.UTC)
}

// Step advances a date by one period of freq
func Step(t time.Time, freq models.Frequency) time.Time {
	switch freq {
	case models.FrequencyDaily:
		return t.AddDate(0, 0, 1)
	case models.FrequencyWeekly:
		return t.AddDate(0, 0, 7)
	case models.FrequencyBiweekly:
		return t.AddDate(0, 0, 14)
	case models.FrequencyMonthly:
		return AddMonthsClamped(t, 1)
	case models.FrequencyQuarterly:
		return AddMonthsClamped(t, 3)
	case models.FrequencyYearly:
		return AddMonthsClamped(t, 12)
	}
	return t
}

// ruleOption maps a frequency to an RRULE. Month-based rules are only exact
// while the anchor day exists in every month, so callers fall back to clamped
// stepping for days past the 28th.
func ruleOption(freq models.Frequency, start time.Time) rrule.ROption {
	opt := rrule.ROption{Dtstart: start, Interval: 1}
	switch freq {
	case models.FrequencyDaily:
		opt.Freq = rrule.DAILY
	case models.FrequencyWeekly:
		opt.Freq = rrule.WEEKLY
	case models.FrequencyBiweekly:
		opt.Freq = rrule.WEEKLY
		opt.Interval = 2
	case models.FrequencyMonthly:
		opt.Freq = rrule.MONTHLY
	case models.FrequencyQuarterly:
		opt.Freq = rrule.MONTHLY
		opt.Interval = 3
	case models.FrequencyYearly:
		opt.Freq = rrule.YEARLY
	}
	return opt
}

func monthBased(freq models.Frequency) bool {
	return freq == models.FrequencyMonthly || freq == models.FrequencyQuarterly || freq == models.FrequencyYearly
}

// Expand lists the occurrences of item that fall inside [start, end], both
// bounds inclusive, in strictly increasing date order. Inactive items and
// items whose next occurrence is already past end yield nothing.
func Expand(item models.RecurringItem, start, end time.Time) ([]Occurrence, error) {
	start, end = dateOf(start), dateOf(end)
	if end.Before(start) {
		return nil, ErrInvalidWindow
	}
	if !item.IsActive {
		return nil, nil
	}

	first := dateOf(item.NextOccurrence)
	if first.After(end) {
		return nil, nil
	}

	var dates []time.Time
	switch {
	case item.RecurringRule != nil && *item.RecurringRule != "":
		rule, err := rrule.StrToRRule(*item.RecurringRule)
		if err != nil {
			return nil, fmt.Errorf("recurring item %d: invalid rule: %w", item.ID, err)
		}
		rule.DTStart(first)
		dates = rule.Between(start, end, true)
	case !item.Frequency.IsValid():
		return nil, fmt.Errorf("recurring item %d: %w: %q", item.ID, ErrInvalidFrequency, item.Frequency)
	case monthBased(item.Frequency) && first.Day() > 28:
		for cursor := first; !cursor.After(end); cursor = Step(cursor, item.Frequency) {
			if !cursor.Before(start) {
				dates = append(dates, cursor)
			}
		}
	default:
		rule, err := rrule.NewRRule(ruleOption(item.Frequency, first))
		if err != nil {
			return nil, fmt.Errorf("recurring item %d: %w", item.ID, err)
		}
		dates = rule.Between(start, end, true)
	}

	out := make([]Occurrence, 0, len(dates))
	for _, d := range dates {
		out = append(out, Occurrence{ItemID: item.ID, Date: dateOf(d), Amount: item.Amount})
	}
	return out, nil
}
