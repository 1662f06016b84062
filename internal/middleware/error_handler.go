package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"chapter_dues/internal/dues"
	"chapter_dues/internal/forecast"
	"chapter_dues/internal/payments"
	"chapter_dues/internal/services"
)

// conflicts are requests that are well formed but arrive in the wrong state
var conflicts = []error{
	payments.ErrChargesDisabled,
	payments.ErrNoIntent,
	payments.ErrNoMethod,
	payments.ErrNoPendingPlan,
	payments.ErrPaymentPending,
	payments.ErrPlanActive,
	payments.ErrPlanIncomplete,
	payments.ErrSessionClosed,
	services.ErrPlanExists,
	services.ErrFirstPaymentUsed,
	dues.ErrPreviewRequired,
	dues.ErrNothingToApply,
}

// StatusFor maps an engine error to its HTTP status code
func StatusFor(err error) int {
	var he *echo.HTTPError
	var gerr *payments.GatewayError
	var rerr *payments.ReconciliationError

	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.As(err, &rerr):
		return http.StatusBadGateway
	case errors.As(err, &gerr):
		return http.StatusPaymentRequired
	case dues.IsValidation(err),
		errors.Is(err, forecast.ErrInvalidHorizon),
		errors.Is(err, forecast.ErrInvalidFrequency):
		return http.StatusUnprocessableEntity
	case errors.Is(err, dues.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidSignature):
		return http.StatusUnauthorized
	}
	for _, c := range conflicts {
		if errors.Is(err, c) {
			return http.StatusConflict
		}
	}
	return http.StatusInternalServerError
}

// ErrorHandler renders every error as {"error": message}
func ErrorHandler(logger *logrus.Logger) echo.HTTPErrorHandler {
	log := logger.WithField("component", "http")
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := StatusFor(err)
		message := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			if msg, ok := he.Message.(string); ok && msg != "" {
				message = msg
			} else {
				message = http.StatusText(code)
			}
		}

		entry := log.WithFields(logrus.Fields{
			"method": c.Request().Method,
			"path":   c.Path(),
			"status": code,
		}).WithError(err)
		if code >= http.StatusInternalServerError {
			entry.Error("request failed")
			if code == http.StatusInternalServerError {
				message = "Something went wrong. Please try again later."
			}
		} else {
			entry.Debug("request rejected")
		}

		var respErr error
		if c.Request().Method == http.MethodHead {
			respErr = c.NoContent(code)
		} else {
			respErr = c.JSON(code, map[string]string{"error": message})
		}
		if respErr != nil {
			log.WithError(respErr).Error("failed to write error response")
		}
	}
}
