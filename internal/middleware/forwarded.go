package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"ondevice-gateway/internal/proxy"
)

type forwardedKey struct{}

// TrustForwarded recognises requests relayed by a sibling variant. Only a
// request presenting token in proxy.TokenHeader has its client address taken
// from X-Forwarded-For and is marked as forwarded; forwarding headers on any
// other request are ignored. An empty token trusts nothing.
func TrustForwarded(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		realIP := chimw.RealIP(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(proxy.TokenHeader)
			r.Header.Del(proxy.TokenHeader)

			if token == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				next.ServeHTTP(w, r)
				return
			}
			ctx := context.WithValue(r.Context(), forwardedKey{}, true)
			realIP.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IsForwarded reports whether the request was relayed by a trusted sibling.
func IsForwarded(ctx context.Context) bool {
	v, _ := ctx.Value(forwardedKey{}).(bool)
	return v
}
