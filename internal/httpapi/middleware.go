package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dshills/bookstore-orders/pkg/types"
)

// Headers set by the auth gate in front of the service
const (
	HeaderCallerID    = "X-Caller-ID"
	HeaderCallerAdmin = "X-Caller-Admin"
)

type callerKey struct{}

// callerFromContext returns the identity stored by requireCaller
func callerFromContext(ctx context.Context) (types.Caller, bool) {
	caller, ok := ctx.Value(callerKey{}).(types.Caller)
	return caller, ok
}

// requireCaller trusts the gate's identity headers and rejects requests
// that carry none.
func requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderCallerID))
		if id == "" {
			writeError(w, http.StatusUnauthorized, "Caller identity required")
			return
		}
		admin, _ := strconv.ParseBool(r.Header.Get(HeaderCallerAdmin))

		ctx := context.WithValue(r.Context(), callerKey{}, types.Caller{ID: id, IsAdmin: admin})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin must run after requireCaller
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerFromContext(r.Context())
		if !ok || !caller.IsAdmin {
			writeError(w, http.StatusForbidden, "Admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request through zap
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
