package mw

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/gujaehyung/s2b-extend/internal/logging"
)

// RequestContext copies chi's request ID into the logging context so every
// log line of the request carries request_id. Apply after middleware.RequestID.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set("X-Request-ID", id)
			r = r.WithContext(logging.WithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
