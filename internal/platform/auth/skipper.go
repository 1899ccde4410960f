package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication. They are infrastructure endpoints that
// must answer without credentials.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
}

// AuthSkipper reports whether the request's route skips authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

func IsPublicPath(path string) bool {
	return publicPaths[path]
}
