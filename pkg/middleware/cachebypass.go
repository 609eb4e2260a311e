package middleware

import (
	"fmt"
	"net/http"
)

// CacheBypass returns middleware that keeps shared page caches honest around
// gated content. Responses vary on the subscriber cookie, and any request that
// carries it gets Cache-Control: private, no-store so a per-subscriber page is
// never stored by an intermediary. Host-level cache plugins key their bypass
// rules on the cookie name, which is why that name must stay stable.
func CacheBypass(cookieName string, defaultMaxAge int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "Cookie")

			if _, err := r.Cookie(cookieName); err == nil {
				w.Header().Set("Cache-Control", "private, no-store")
			} else if r.Method == http.MethodGet && defaultMaxAge > 0 {
				w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", defaultMaxAge))
			}

			next.ServeHTTP(w, r)
		})
	}
}
