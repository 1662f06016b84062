package middleware

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// MemberHeader carries the member id set by the upstream authentication proxy
const MemberHeader = "X-Member-ID"

const memberKey = "memberID"

// RequireMember reads the authenticated member id into the request context
func RequireMember() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := c.Request().Header.Get(MemberHeader)
			if raw == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing member identity")
			}
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil || id == 0 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid member identity")
			}
			c.Set(memberKey, uint(id))
			return next(c)
		}
	}
}

// MemberID returns the member id stored by RequireMember, or 0
func MemberID(c echo.Context) uint {
	id, _ := c.Get(memberKey).(uint)
	return id
}
