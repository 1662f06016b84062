package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"chapter_dues/internal/forecast"
)

type ForecastHandler struct {
	aggregator *forecast.Aggregator
}

func NewForecastHandler(aggregator *forecast.Aggregator) *ForecastHandler {
	return &ForecastHandler{aggregator: aggregator}
}

type forecastResponse struct {
	*forecast.Forecast
	WillGoNegative bool   `json:"will_go_negative"`
	Warning        string `json:"warning,omitempty"`
}

// GetForecast projects a chapter's balance over ?days=30|60|90
func (h *ForecastHandler) GetForecast(c echo.Context) error {
	chapterID, err := parseID(c, "chapterID")
	if err != nil {
		return err
	}
	days, err := queryInt(c, "days", 30)
	if err != nil {
		return err
	}
	horizon, err := forecast.ParseHorizon(days)
	if err != nil {
		return err
	}

	f, err := h.aggregator.Forecast(c.Request().Context(), chapterID, horizon)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, forecastResponse{
		Forecast:       f,
		WillGoNegative: f.WillGoNegative(),
		Warning:        f.Warning(),
	})
}
