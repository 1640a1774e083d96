package server

import (
	"context"
	"net/http"
	"time"
)

// TimeoutMiddleware puts a deadline on each request's context. Cancellation
// is cooperative: handlers observe it through ctx.Done(), they are not
// forcibly terminated.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
