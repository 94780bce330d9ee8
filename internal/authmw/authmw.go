// Package authmw provides HTTP middleware for gateway bearer token
// authentication and caller identity.
package authmw

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// BearerToken returns middleware that admits only requests carrying the
// gateway's token in the Authorization header. Comparison is constant time.
// Identity headers are trusted only after this check passes, so it must run
// before Identity.
func BearerToken(token string) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, bearerPrefix) {
				reject(w, http.StatusUnauthorized, "missing or malformed authorization header")
				return
			}

			got := []byte(auth[len(bearerPrefix):])
			if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
				reject(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// reject writes the same {"error": ...} body the API handlers use.
func reject(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="relief"`)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
