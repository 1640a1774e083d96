package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// contextKey scopes context values set by this package's middleware.
type contextKey string

const RequestIDKey contextKey = "request_id"

// RequestIDMiddleware tags every request with a generated ID. The ID is
// stored in the request context and echoed in the X-Request-ID header so
// log lines and client reports can be correlated.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request ID from ctx, or an empty string when the
// middleware did not run.
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
