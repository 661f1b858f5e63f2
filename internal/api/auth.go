package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const authHeaderName = "Authorization"

// RequireToken rejects requests that do not carry token as a bearer
// credential or a token query parameter. An empty token disables the check.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && !tokenMatches(token, bearerToken(r)) {
				writeError(w, http.StatusUnauthorized, "invalid token", "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get(authHeaderName)
	scheme, value, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return r.URL.Query().Get("token")
	}
	return strings.TrimSpace(value)
}

func tokenMatches(want, got string) bool {
	if want == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
