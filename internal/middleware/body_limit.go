package middleware

import (
	"net/http"

	"ondevice-gateway/internal/apperr"
	"ondevice-gateway/internal/openai"
)

// MaxBodySize rejects declared oversize bodies up front and caps the rest,
// so a read past limit fails with *http.MaxBytesError.
func MaxBodySize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				openai.WriteError(w, apperr.TooLarge(limit))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
