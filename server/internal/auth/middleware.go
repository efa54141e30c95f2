package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

// QueryParam is the query parameter accepted in place of the header.
const QueryParam = "api_key"

// APIKeyMiddleware returns next wrapped with API key authentication.
//
// Behaviour:
//   - If mode != "apikey" or key == "", every request is allowed.
//   - Otherwise the value of header (or the api_key query parameter) must
//     equal key.
//   - A missing, empty or incorrect key returns 401 Unauthorized.
func APIKeyMiddleware(mode, header, key string, next http.Handler) http.Handler {
	if mode != "apikey" || key == "" {
		return next
	}
	want := []byte(key)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(header)
		if got == "" {
			got = r.URL.Query().Get(QueryParam)
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "invalid api key"}) //nolint:errcheck
}
