package handlers

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"chapter_dues/internal/payments"
	"chapter_dues/internal/services"
)

// maxNotificationSize bounds a gateway notification body
const maxNotificationSize = 1 << 20

type WebhookHandler struct {
	payments *services.PaymentService
	events   *payments.Events
	log      *logrus.Entry
}

func NewWebhookHandler(paymentService *services.PaymentService, evts *payments.Events, logger *logrus.Logger) *WebhookHandler {
	return &WebhookHandler{
		payments: paymentService,
		events:   evts,
		log:      logger.WithField("component", "webhook"),
	}
}

// MidtransCallback records a gateway notification and settles the payment
// it refers to. Open checkouts on the same dues row are refreshed.
func (h *WebhookHandler) MidtransCallback(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxNotificationSize))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid notification body")
	}

	st, err := h.payments.HandleNotification(c.Request().Context(), body)
	if err != nil {
		return err
	}
	if st != nil && st.Applied {
		h.log.WithFields(logrus.Fields{
			"order_id": st.Payment.GatewayOrderID,
			"dues_id":  st.Dues.ID,
			"status":   st.Payment.Status,
		}).Info("payment settled from notification")
		h.events.Refresh.Publish(payments.RefreshRequested{DuesID: st.Dues.ID})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
