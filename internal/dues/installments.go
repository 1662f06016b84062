package dues

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Installment is one dated charge of a proposed plan
type Installment struct {
	Sequence int             `json:"sequence"`
	Amount   decimal.Decimal `json:"amount"`
	DueDate  time.Time       `json:"due_date"`
	DueNow   bool            `json:"due_now"`
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ScheduleInstallments splits balance into n charges that sum to balance to
// the cent. Every installment but the last is floor(balance/n) at cent
// precision; the last absorbs the remainder. The first is due on start and
// the last on deadline, with the rest evenly spaced between. A balance
// smaller than n cents leaves an installment at zero and is rejected.
func ScheduleInstallments(balance decimal.Decimal, n int, start, deadline time.Time) ([]Installment, error) {
	if n < 1 {
		return nil, invalid("num_installments", ErrInvalidInstallmentCount)
	}
	if !balance.IsPositive() {
		return nil, invalid("balance", ErrInvalidAmount)
	}
	start, deadline = dateOf(start), dateOf(deadline)
	if n > 1 && !deadline.After(start) {
		return nil, invalid("deadline", ErrDeadlinePassed)
	}

	count := decimal.NewFromInt(int64(n))
	per := balance.Mul(hundred).Div(count).Floor().Div(hundred)
	if !per.IsPositive() {
		return nil, invalid("num_installments", ErrInvalidInstallmentCount)
	}
	last := balance.Sub(per.Mul(decimal.NewFromInt(int64(n - 1))))

	totalDays := int(deadline.Sub(start).Hours() / 24)
	out := make([]Installment, n)
	for i := 0; i < n; i++ {
		inst := Installment{Sequence: i + 1, Amount: per, DueDate: start}
		if n > 1 {
			inst.DueDate = start.AddDate(0, 0, i*totalDays/(n-1))
		}
		if i == n-1 {
			inst.Amount = last
			if n > 1 {
				inst.DueDate = deadline
			}
		}
		inst.DueNow = i == 0
		out[i] = inst
	}
	return out, nil
}

// SumInstallments totals the amounts of a schedule
func SumInstallments(plan []Installment) decimal.Decimal {
	total := decimal.Zero
	for _, inst := range plan {
		total = total.Add(inst.Amount)
	}
	return total
}
