package handlers

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"chapter_dues/internal/dues"
	"chapter_dues/internal/middleware"
	"chapter_dues/internal/models"
	"chapter_dues/internal/payments"
	"chapter_dues/internal/services"
)

type PlanHandler struct {
	store *services.Store
	plans payments.PlanCreator
}

func NewPlanHandler(store *services.Store, plans payments.PlanCreator) *PlanHandler {
	return &PlanHandler{store: store, plans: plans}
}

// ListPlans lists the installment plans of one of the member's dues rows
func (h *PlanHandler) ListPlans(c echo.Context) error {
	ctx := c.Request().Context()
	duesID, err := parseID(c, "duesID")
	if err != nil {
		return err
	}
	if _, err := memberDues(ctx, h.store, duesID, middleware.MemberID(c)); err != nil {
		return err
	}
	plans, err := h.store.ListInstallmentPlans(ctx, duesID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, plans)
}

type createPlanRequest struct {
	NumInstallments int  `json:"num_installments"`
	PaymentMethodID uint `json:"payment_method_id"`
}

// StorePlan creates a plan on a saved method and charges its first installment
func (h *PlanHandler) StorePlan(c echo.Context) error {
	duesID, err := parseID(c, "duesID")
	if err != nil {
		return err
	}
	var req createPlanRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}

	res, err := h.plans.CreateInstallmentPlan(c.Request().Context(), payments.PlanRequest{
		DuesID:          duesID,
		MemberID:        middleware.MemberID(c),
		NumInstallments: req.NumInstallments,
		PaymentMethodID: req.PaymentMethodID,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *PlanHandler) memberPlan(c echo.Context) (*models.InstallmentPlan, error) {
	planID, err := parseID(c, "planID")
	if err != nil {
		return nil, err
	}
	plan, err := h.store.GetInstallmentPlan(c.Request().Context(), planID)
	if err != nil {
		return nil, err
	}
	if plan.MemberID != middleware.MemberID(c) {
		return nil, fmt.Errorf("installment plan %d: %w", planID, dues.ErrNotFound)
	}
	return plan, nil
}

// GetPlan returns a plan with its installments
func (h *PlanHandler) GetPlan(c echo.Context) error {
	plan, err := h.memberPlan(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, plan)
}

// CancelPlan stops charging the remaining installments of a plan
func (h *PlanHandler) CancelPlan(c echo.Context) error {
	ctx := c.Request().Context()
	plan, err := h.memberPlan(c)
	if err != nil {
		return err
	}
	if err := h.store.CancelInstallmentPlan(ctx, plan.ID); err != nil {
		return err
	}
	plan, err = h.store.GetInstallmentPlan(ctx, plan.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, plan)
}
