package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// framedPrefixes are pages the monitoring agent shows inside an iframe.
var framedPrefixes = []string{"/frame"}

// SecurityHeaders sets security response headers on every request. Pages the
// agent embeds may be framed and run their inline script; everything else is
// a plain API response that can neither be framed nor load resources.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			// contract settings and questionnaires must not be cached
			h.Set("Cache-Control", "no-store")

			if isFramed(c.Request().URL.Path) {
				h.Set("Content-Security-Policy", "default-src 'none'; script-src 'unsafe-inline'; style-src 'unsafe-inline'")
			} else {
				h.Set("X-Frame-Options", "DENY")
				h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			}
			return next(c)
		}
	}
}

func isFramed(path string) bool {
	for _, p := range framedPrefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}
