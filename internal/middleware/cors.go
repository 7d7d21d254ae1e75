package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
	"github.com/labstack/echo/v4"
)

// corsMaxAge is how long, in seconds, browsers may cache a preflight result.
const corsMaxAge = 300

// CORS returns an Echo middleware that answers preflight requests and sets
// the Access-Control-* headers for the given origins. "*" allows any origin.
func CORS(allowedOrigins []string) echo.MiddlewareFunc {
	return echo.WrapMiddleware(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{echo.HeaderXRequestID},
		MaxAge:         corsMaxAge,
	}))
}
