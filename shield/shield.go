// Package shield provides the HTTP middleware stack of the livewatch control
// API.
//
//	r := chi.NewRouter()
//	for _, mw := range shield.APIStack(logger) {
//	    r.Use(mw)
//	}
package shield

import (
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultMaxBody bounds control API request bodies (64 KiB).
const DefaultMaxBody int64 = 64 << 10

// APIStack returns the standard middleware stack, ordered
// HeadToGet → SecurityHeaders → MaxBody → TraceID.
func APIStack(logger *slog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(APIHeaders()),
		MaxBody(DefaultMaxBody),
		TraceID(logger),
	}
}
