package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"chapter_dues/internal/dues"
	"chapter_dues/internal/middleware"
	"chapter_dues/internal/models"
	"chapter_dues/internal/payments"
)

// CheckoutHandler exposes checkout sessions. Each session is one open
// payment view; DELETE dismisses it.
type CheckoutHandler struct {
	sessions *payments.SessionManager
}

func NewCheckoutHandler(sessions *payments.SessionManager) *CheckoutHandler {
	return &CheckoutHandler{sessions: sessions}
}

// checkout returns the caller's open session named in the path
func (h *CheckoutHandler) checkout(c echo.Context) (*payments.Checkout, error) {
	co, err := h.sessions.Get(c.Param("sessionID"))
	if err != nil {
		return nil, err
	}
	if co.MemberID() != middleware.MemberID(c) {
		return nil, payments.ErrSessionNotFound
	}
	return co, nil
}

type openCheckoutRequest struct {
	DuesID uint `json:"dues_id"`
}

// Open starts a checkout over one of the member's dues rows
func (h *CheckoutHandler) Open(c echo.Context) error {
	var req openCheckoutRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}
	if req.DuesID == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "dues_id is required")
	}
	co, err := h.sessions.Open(c.Request().Context(), req.DuesID, middleware.MemberID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, co.View())
}

// Get returns the current state of a checkout
func (h *CheckoutHandler) Get(c echo.Context) error {
	co, err := h.checkout(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, co.View())
}

type updateCheckoutRequest struct {
	Mode            *dues.PaymentMode   `json:"mode"`
	NumInstallments int                 `json:"num_installments"`
	Method          *models.MethodType  `json:"method"`
	Amount          decimal.NullDecimal `json:"amount"`
	Save            *bool               `json:"save_payment_method"`
}

// Update changes the payment parameters. Fields left out keep their value.
func (h *CheckoutHandler) Update(c echo.Context) error {
	co, err := h.checkout(c)
	if err != nil {
		return err
	}
	var req updateCheckoutRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}

	if req.Mode != nil {
		if err := co.SetMode(*req.Mode, req.NumInstallments); err != nil {
			return err
		}
	}
	if req.Method != nil {
		if err := co.SelectMethod(*req.Method); err != nil {
			return err
		}
	}
	if req.Amount.Valid {
		if err := co.SetAmount(req.Amount.Decimal); err != nil {
			return err
		}
	}
	if req.Save != nil {
		if err := co.SetSave(*req.Save); err != nil {
			return err
		}
	}
	return c.JSON(http.StatusOK, co.View())
}

// Quote prices the current amount and method
func (h *CheckoutHandler) Quote(c echo.Context) error {
	co, err := h.checkout(c)
	if err != nil {
		return err
	}
	q, err := co.Quote()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, q)
}

// Confirm confirms the ready payment intent
func (h *CheckoutHandler) Confirm(c echo.Context) error {
	co, err := h.checkout(c)
	if err != nil {
		return err
	}
	out, err := co.Confirm(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

type savedMethodRequest struct {
	PaymentMethodID uint   `json:"payment_method_id"`
	NumInstallments int    `json:"num_installments"`
	PaymentRef      string `json:"payment_ref"`
}

// PaySaved charges one of the member's saved methods
func (h *CheckoutHandler) PaySaved(c echo.Context) error {
	co, err := h.checkout(c)
	if err != nil {
		return err
	}
	var req savedMethodRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}
	if req.PaymentMethodID == 0 {
		return dues.NewValidationError("payment_method_id", dues.ErrInvalidMethod)
	}
	out, err := co.PaySaved(c.Request().Context(), req.PaymentMethodID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

// StartPlan selects an installment plan. With a saved method the first
// installment is charged right away.
func (h *CheckoutHandler) StartPlan(c echo.Context) error {
	co, err := h.checkout(c)
	if err != nil {
		return err
	}
	var req savedMethodRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}
	out, err := co.StartInstallmentPlan(c.Request().Context(), req.NumInstallments, req.PaymentMethodID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"outcome":  out,
		"checkout": co.View(),
	})
}

// CompletePlan retries plan creation after its first installment was charged
func (h *CheckoutHandler) CompletePlan(c echo.Context) error {
	co, err := h.checkout(c)
	if err != nil {
		return err
	}
	var req savedMethodRequest
	if err := bindBody(c, &req); err != nil {
		return err
	}
	plan, err := co.CompleteInstallmentPlan(c.Request().Context(), req.PaymentMethodID, req.PaymentRef)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, plan)
}

// Retry lets a failed payment start over
func (h *CheckoutHandler) Retry(c echo.Context) error {
	co, err := h.checkout(c)
	if err != nil {
		return err
	}
	if !co.Retry() {
		return echo.NewHTTPError(http.StatusConflict, "only a failed payment can be retried")
	}
	return c.JSON(http.StatusOK, co.View())
}

// Refresh re-reads the dues row, account and saved methods
func (h *CheckoutHandler) Refresh(c echo.Context) error {
	co, err := h.checkout(c)
	if err != nil {
		return err
	}
	if err := co.Refresh(c.Request().Context()); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, co.View())
}

// WatchOnboarding polls the chapter account until it can take charges
func (h *CheckoutHandler) WatchOnboarding(c echo.Context) error {
	co, err := h.checkout(c)
	if err != nil {
		return err
	}
	poll := co.WatchOnboarding()
	return c.JSON(http.StatusAccepted, map[string]bool{"polling": poll != nil})
}

// ListMethods re-reads the member's saved methods
func (h *CheckoutHandler) ListMethods(c echo.Context) error {
	co, err := h.checkout(c)
	if err != nil {
		return err
	}
	methods, err := co.SavedMethods(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, methods)
}

// DeleteMethod removes a saved method from within the checkout
func (h *CheckoutHandler) DeleteMethod(c echo.Context) error {
	co, err := h.checkout(c)
	if err != nil {
		return err
	}
	methodID, err := parseID(c, "methodID")
	if err != nil {
		return err
	}
	if err := co.DeleteSavedMethod(c.Request().Context(), methodID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, co.View())
}

// Close dismisses the checkout, cancelling anything it scheduled
func (h *CheckoutHandler) Close(c echo.Context) error {
	if _, err := h.checkout(c); err != nil {
		return err
	}
	if err := h.sessions.CloseSession(c.Param("sessionID")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
