package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/immsbatch/pkg/logger"
)

const (
	requestIDHeader    = "X-Request-Id"
	cloudTraceHeader   = "X-Cloud-Trace-Context"
	maxRequestIDLength = 128
)

// RequestID propagates the caller's request id, falling back to the Cloud trace
// id set by Google front ends, and generates one when neither is usable.
func RequestID(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := sanitizeRequestID(r.Header.Get(requestIDHeader))
			if reqID == "" {
				trace, _, _ := strings.Cut(r.Header.Get(cloudTraceHeader), "/")
				reqID = sanitizeRequestID(trace)
			}
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, reqID)

			ctx := r.Context()
			if logg != nil {
				ctx = logg.WithRequestID(ctx, reqID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func sanitizeRequestID(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || len(v) > maxRequestIDLength {
		return ""
	}
	for _, c := range v {
		if c < 0x21 || c > 0x7e {
			return ""
		}
	}
	return v
}
