package api

import (
	"net/http"
	"strings"
)

// bearerToken extracts the token from an "Authorization: Bearer" header.
// The token is passed on to the fleet API and the toolchain; it is not
// validated here.
func bearerToken(r *http.Request) (string, bool) {
	val := r.Header.Get("Authorization")
	if len(val) < len("Bearer ") || !strings.EqualFold(val[:len("Bearer ")], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(val[len("Bearer "):])
	return token, token != ""
}

// requireBearer rejects requests without a bearer token.
func requireBearer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := bearerToken(r); !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
