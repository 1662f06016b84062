package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"chapter_dues/internal/dues"
	"chapter_dues/internal/middleware"
	"chapter_dues/internal/models"
	"chapter_dues/internal/services"
)

// DuesHandler serves the read-only pricing and eligibility views of a dues row
type DuesHandler struct {
	store       *services.Store
	eligibility *dues.EligibilityEvaluator
	fees        dues.FeeSchedule
	now         func() time.Time
}

func NewDuesHandler(store *services.Store, eligibility *dues.EligibilityEvaluator, fees dues.FeeSchedule) *DuesHandler {
	return &DuesHandler{store: store, eligibility: eligibility, fees: fees, now: time.Now}
}

// GetDues returns one of the member's dues rows
func (h *DuesHandler) GetDues(c echo.Context) error {
	duesID, err := parseID(c, "duesID")
	if err != nil {
		return err
	}
	d, err := memberDues(c.Request().Context(), h.store, duesID, middleware.MemberID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

// GetEligibility reports whether the dues row may use an installment plan
func (h *DuesHandler) GetEligibility(c echo.Context) error {
	ctx := c.Request().Context()
	duesID, err := parseID(c, "duesID")
	if err != nil {
		return err
	}
	memberID := middleware.MemberID(c)
	if _, err := memberDues(ctx, h.store, duesID, memberID); err != nil {
		return err
	}

	elig, err := h.eligibility.Evaluate(ctx, duesID, memberID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, elig)
}

// PreviewSchedule proposes the installments for ?num_installments=n
func (h *DuesHandler) PreviewSchedule(c echo.Context) error {
	ctx := c.Request().Context()
	duesID, err := parseID(c, "duesID")
	if err != nil {
		return err
	}
	n, err := queryInt(c, "num_installments", 0)
	if err != nil {
		return err
	}
	memberID := middleware.MemberID(c)
	d, err := memberDues(ctx, h.store, duesID, memberID)
	if err != nil {
		return err
	}

	elig, err := h.eligibility.Evaluate(ctx, duesID, memberID)
	if err != nil {
		return err
	}
	if err := dues.ValidateInstallmentSelection(dues.PaymentModeInstallment, n, elig); err != nil {
		return err
	}
	schedule, err := dues.ScheduleInstallments(d.Balance, n, h.now(), *elig.Deadline)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"dues_id":          duesID,
		"balance":          d.Balance,
		"num_installments": n,
		"installments":     schedule,
		"total":            dues.SumInstallments(schedule),
	})
}

// QuoteFee prices ?amount=&method= with the processing fee
func (h *DuesHandler) QuoteFee(c echo.Context) error {
	amount, err := queryDecimal(c, "amount")
	if err != nil {
		return err
	}
	q, err := h.fees.Calculate(amount, models.MethodType(c.QueryParam("method")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, q)
}

// ListChapterDues lists every dues row of a chapter
func (h *DuesHandler) ListChapterDues(c echo.Context) error {
	chapterID, err := parseID(c, "chapterID")
	if err != nil {
		return err
	}
	rows, err := h.store.ListChapterDues(c.Request().Context(), chapterID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rows)
}

// GetAccountStatus reports whether the chapter can take charges
func (h *DuesHandler) GetAccountStatus(c echo.Context) error {
	chapterID, err := parseID(c, "chapterID")
	if err != nil {
		return err
	}
	status, err := h.store.GetAccountStatus(c.Request().Context(), chapterID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, status)
}

// ListSavedMethods lists the member's saved payment methods, default first
func (h *DuesHandler) ListSavedMethods(c echo.Context) error {
	methods, err := h.store.ListSavedPaymentMethods(c.Request().Context(), middleware.MemberID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, methods)
}

// DeleteSavedMethod removes one of the member's saved payment methods
func (h *DuesHandler) DeleteSavedMethod(c echo.Context) error {
	methodID, err := parseID(c, "methodID")
	if err != nil {
		return err
	}
	if err := h.store.DeleteSavedPaymentMethod(c.Request().Context(), methodID, middleware.MemberID(c)); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
