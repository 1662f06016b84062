package forecast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"chapter_dues/internal/models"
)

var ErrInvalidHorizon = errors.New("forecast horizon must be 30, 60 or 90 days")

// Horizon is the number of future days a forecast covers
type Horizon int

const (
	Horizon30 Horizon = 30
	Horizon60 Horizon = 60
	Horizon90 Horizon = 90
)

// ParseHorizon validates a horizon given in days
func ParseHorizon(days int) (Horizon, error) {
	switch h := Horizon(days); h {
	case Horizon30, Horizon60, Horizon90:
		return h, nil
	}
	return 0, fmt.Errorf("%w: got %d", ErrInvalidHorizon, days)
}

// Tag marks where a forecast point's value came from
type Tag string

const (
	TagActual    Tag = "actual"
	TagRecurring Tag = "recurring"
)

// Point is the projected balance for one day
type Point struct {
	Date             time.Time       `json:"date"`
	ChapterID        uint            `json:"chapter_id"`
	Adjustment       decimal.Decimal `json:"adjustment"`
	Tags             []Tag           `json:"tags"`
	ProjectedBalance decimal.Decimal `json:"projected_balance"`
}

// HasTag reports whether the point carries tag
func (p Point) HasTag(tag Tag) bool {
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Forecast is a projected balance curve for one chapter
type Forecast struct {
	ChapterID   uint            `json:"chapter_id"`
	Horizon     Horizon         `json:"horizon"`
	BaseBalance decimal.Decimal `json:"base_balance"`
	Points      []Point         `json:"points"`
	MinBalance  decimal.Decimal `json:"min_balance"`
	MinDate     time.Time       `json:"min_date"`
}

// WillGoNegative reports whether any projected balance is below zero
func (f *Forecast) WillGoNegative() bool {
	return len(f.Points) > 0 && f.MinBalance.IsNegative()
}

// Warning describes the lowest projected balance, or is empty when the
// balance never goes negative.
func (f *Forecast) Warning() string {
	if !f.WillGoNegative() {
		return ""
	}
	return fmt.Sprintf("balance is projected to go negative, reaching %s on %s",
		f.MinBalance.StringFixed(2), f.MinDate.Format("2006-01-02"))
}

// Build projects base forward over horizon days starting at today. Every
// active item is expanded over [today, today+horizon] and its occurrences are
// added to the running balance on the day they fall.
func Build(chapterID uint, today time.Time, base decimal.Decimal, items []models.RecurringItem, horizon Horizon) ([]Point, error) {
	today = dateOf(today)
	end := today.AddDate(0, 0, int(horizon))

	adjustments := make(map[time.Time]decimal.Decimal)
	for _, item := range items {
		occurrences, err := Expand(item, today, end)
		if err != nil {
			return nil, err
		}
		for _, o := range occurrences {
			adjustments[o.Date] = adjustments[o.Date].Add(o.Amount)
		}
	}

	points := make([]Point, 0, int(horizon))
	running := base
	for day := 0; day < int(horizon); day++ {
		date := today.AddDate(0, 0, day)
		p := Point{Date: date, ChapterID: chapterID, Adjustment: decimal.Zero}
		if day == 0 {
			p.Tags = append(p.Tags, TagActual)
		}
		if adj, ok := adjustments[date]; ok {
			running = running.Add(adj)
			p.Adjustment = adj
			p.Tags = append(p.Tags, TagRecurring)
		}
		p.ProjectedBalance = running
		points = append(points, p)
	}
	return points, nil
}

// Source supplies the inputs of a forecast
type Source interface {
	GetRecurringItems(ctx context.Context, chapterID uint) ([]models.RecurringItem, error)
	GetActualBalance(ctx context.Context, chapterID uint) (decimal.Decimal, error)
}

// Aggregator computes chapter forecasts from a Source
type Aggregator struct {
	source Source
	log    *logrus.Entry
	now    func() time.Time
}

// NewAggregator creates an Aggregator reading from source
func NewAggregator(source Source, logger *logrus.Logger) *Aggregator {
	return &Aggregator{
		source: source,
		log:    logger.WithField("component", "forecast"),
		now:    time.Now,
	}
}

// Forecast recomputes the projected balance curve. Results are never cached.
func (a *Aggregator) Forecast(ctx context.Context, chapterID uint, horizon Horizon) (*Forecast, error) {
	if _, err := ParseHorizon(int(horizon)); err != nil {
		return nil, err
	}

	base, err := a.source.GetActualBalance(ctx, chapterID)
	if err != nil {
		return nil, fmt.Errorf("failed to read actual balance: %w", err)
	}
	items, err := a.source.GetRecurringItems(ctx, chapterID)
	if err != nil {
		return nil, fmt.Errorf("failed to read recurring items: %w", err)
	}

	points, err := Build(chapterID, a.now(), base, items, horizon)
	if err != nil {
		return nil, err
	}

	f := &Forecast{ChapterID: chapterID, Horizon: horizon, BaseBalance: base, Points: points, MinBalance: base}
	for i, p := range points {
		if i == 0 || p.ProjectedBalance.LessThan(f.MinBalance) {
			f.MinBalance = p.ProjectedBalance
			f.MinDate = p.Date
		}
	}

	entry := a.log.WithFields(logrus.Fields{"chapter_id": chapterID, "horizon": int(horizon), "items": len(items)})
	if f.WillGoNegative() {
		entry.Warn(f.Warning())
	} else {
		entry.Debug("forecast computed")
	}
	return f, nil
}
