package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"chapter_dues/internal/middleware"
)

// Handlers groups every HTTP handler of the server
type Handlers struct {
	Forecast *ForecastHandler
	Dues     *DuesHandler
	Plans    *PlanHandler
	LateFees *LateFeeHandler
	Checkout *CheckoutHandler
	Webhooks *WebhookHandler
}

// Register mounts the routes on e
func Register(e *echo.Echo, h Handlers) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// Gateway callbacks are authenticated by signature
	e.POST("/webhooks/midtrans", h.Webhooks.MidtransCallback)

	// Treasurer routes
	chapters := e.Group("/chapters/:chapterID")
	chapters.GET("/forecast", h.Forecast.GetForecast)
	chapters.GET("/dues", h.Dues.ListChapterDues)
	chapters.GET("/account", h.Dues.GetAccountStatus)
	chapters.POST("/late-fees/preview", h.LateFees.Preview)
	chapters.POST("/late-fees/apply", h.LateFees.Apply)

	// Member routes, identified by the upstream proxy
	member := e.Group("/member", middleware.RequireMember())
	member.GET("/fees/quote", h.Dues.QuoteFee)

	member.GET("/dues/:duesID", h.Dues.GetDues)
	member.GET("/dues/:duesID/eligibility", h.Dues.GetEligibility)
	member.GET("/dues/:duesID/schedule", h.Dues.PreviewSchedule)
	member.GET("/dues/:duesID/plans", h.Plans.ListPlans)
	member.POST("/dues/:duesID/plans", h.Plans.StorePlan)
	member.GET("/plans/:planID", h.Plans.GetPlan)
	member.POST("/plans/:planID/cancel", h.Plans.CancelPlan)

	member.GET("/payment-methods", h.Dues.ListSavedMethods)
	member.DELETE("/payment-methods/:methodID", h.Dues.DeleteSavedMethod)

	member.POST("/checkouts", h.Checkout.Open)
	member.GET("/checkouts/:sessionID", h.Checkout.Get)
	member.PATCH("/checkouts/:sessionID", h.Checkout.Update)
	member.DELETE("/checkouts/:sessionID", h.Checkout.Close)
	member.GET("/checkouts/:sessionID/quote", h.Checkout.Quote)
	member.POST("/checkouts/:sessionID/confirm", h.Checkout.Confirm)
	member.POST("/checkouts/:sessionID/pay-saved", h.Checkout.PaySaved)
	member.POST("/checkouts/:sessionID/plan", h.Checkout.StartPlan)
	member.POST("/checkouts/:sessionID/plan/complete", h.Checkout.CompletePlan)
	member.POST("/checkouts/:sessionID/retry", h.Checkout.Retry)
	member.POST("/checkouts/:sessionID/refresh", h.Checkout.Refresh)
	member.POST("/checkouts/:sessionID/onboarding", h.Checkout.WatchOnboarding)
	member.GET("/checkouts/:sessionID/methods", h.Checkout.ListMethods)
	member.DELETE("/checkouts/:sessionID/methods/:methodID", h.Checkout.DeleteMethod)
}
