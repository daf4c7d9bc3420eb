package util

import (
	"log/slog"
	"net/http"
	"strings"
)

// RequestIDHeader carries the correlation id in and out of the API.
const RequestIDHeader = "X-Request-Id"

const maxRequestIDLen = 128

// WithRequestID reuses the caller's X-Request-Id or mints a new one, echoes it
// on the response and tags the request logger with it.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if requestID == "" || len(requestID) > maxRequestIDLen {
			requestID = NewID()
		}
		w.Header().Set(RequestIDHeader, requestID)
		ctx := ContextWithLogger(r.Context(), slog.Default().With("request_id", requestID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
