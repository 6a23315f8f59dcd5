package httpx

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireToken rejects requests that do not carry the shared core token.
// EventSource cannot set headers, so the token is also accepted as a query
// parameter.
func (r *Router) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.coreToken == "" {
			next(w, req)
			return
		}
		token := strings.TrimSpace(req.Header.Get("X-Core-Token"))
		if token == "" {
			token = strings.TrimSpace(req.URL.Query().Get("token"))
		}
		if len(token) != len(r.coreToken) || subtle.ConstantTimeCompare([]byte(token), []byte(r.coreToken)) != 1 {
			r.logger.Warn("core token mismatch", "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "invalid core token")
			return
		}
		next(w, req)
	}
}
