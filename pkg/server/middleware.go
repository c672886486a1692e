package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// requestIDMiddleware stamps every response with an X-Request-Id, keeping
// a caller-provided id when one arrives.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// authMiddleware enforces the single process bearer key. Organization and
// user level authorization happens in the executor, not here.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" || token != s.settings.APIKey {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, apiError{Error: "invalid or missing API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitHeaders are the OpenAI-compat headers some chat clients read
// before issuing requests. The gateway does not rate limit; the values are
// synthetic and constant.
func rateLimitHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("x-ratelimit-limit-requests", "10000")
	h.Set("x-ratelimit-remaining-requests", "9999")
	h.Set("x-ratelimit-reset-requests", "1s")
}
