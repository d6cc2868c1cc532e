package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"verigate/pkg/requestcontext"
)

// RequestMeta pins a correlation id and a request-scoped "now" on the context
// so every write within one request shares the same timestamp. Inbound
// X-Request-ID headers are honored for cross-service traces.
func RequestMeta(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := requestcontext.WithRequestID(r.Context(), requestID)
		ctx = requestcontext.WithTime(ctx, time.Now())
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
