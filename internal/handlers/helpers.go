package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"chapter_dues/internal/dues"
	"chapter_dues/internal/models"
)

// parseID reads a positive integer path parameter
func parseID(c echo.Context, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid %s", name))
	}
	return uint(id), nil
}

// bindBody decodes the JSON request body into dst
func bindBody(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid JSON payload")
	}
	return nil
}

// queryDecimal reads a decimal query parameter, reporting a validation
// error against the parameter name
func queryDecimal(c echo.Context, name string) (decimal.Decimal, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return decimal.Zero, dues.NewValidationError(name, fmt.Errorf("%s is required", name))
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, dues.NewValidationError(name, err)
	}
	return v, nil
}

func queryInt(c echo.Context, name string, defaultVal int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, dues.NewValidationError(name, err)
	}
	return v, nil
}

// DuesReader reads a single dues row
type DuesReader interface {
	GetDues(ctx context.Context, duesID uint) (*models.MemberDues, error)
}

// memberDues loads a dues row owned by memberID. Rows of other members are
// reported as missing.
func memberDues(ctx context.Context, r DuesReader, duesID, memberID uint) (*models.MemberDues, error) {
	d, err := r.GetDues(ctx, duesID)
	if err != nil {
		return nil, err
	}
	if d.MemberID != memberID {
		return nil, fmt.Errorf("dues %d: %w", duesID, dues.ErrNotFound)
	}
	return d, nil
}
