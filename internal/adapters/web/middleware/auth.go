package middleware

import (
	"crypto/subtle"
	"net/http"
)

// APIKeyHeader carries the operator key.
const APIKeyHeader = "X-API-Key"

// APIKeyMiddleware rejects requests without the configured key. key is read
// on every request so a config reload takes effect immediately; an empty key
// disables the check. Browsers cannot set headers on a websocket handshake,
// so the api_key query parameter is accepted as well.
func APIKeyMiddleware(key func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			want := key()
			if want == "" {
				next.ServeHTTP(w, r)
				return
			}

			got := r.Header.Get(APIKeyHeader)
			if got == "" {
				got = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
