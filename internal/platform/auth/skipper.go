package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths are reachable without the shared key.
var publicPaths = map[string]bool{
	"/":       true,
	"/health": true,
}

// AuthSkipper returns true for requests whose route skips authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether path is served without credentials.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
