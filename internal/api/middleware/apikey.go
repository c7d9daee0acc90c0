package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// APIKeyAuth guards the admin API with static keys taken from
// CHATBRIDGE_API_KEYS. With no keys configured every request passes.
//
// A key is accepted from "Authorization: Bearer <key>" or "X-API-Key".
// /health, /version and /metrics are always public.
type APIKeyAuth struct {
	keys [][]byte
}

func NewAPIKeyAuth(keys []string) *APIKeyAuth {
	auth := &APIKeyAuth{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			auth.keys = append(auth.keys, []byte(k))
		}
	}
	return auth
}

func (a *APIKeyAuth) Enabled() bool {
	return len(a.keys) > 0
}

func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key := extractAPIKey(r)
		if key == "" {
			respondUnauthorized(w, "API key required. Set Authorization: Bearer <key> or X-API-Key header.")
			return
		}
		if !a.validateKey(key) {
			respondUnauthorized(w, "Invalid API key.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *APIKeyAuth) validateKey(candidate string) bool {
	for _, key := range a.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), key) == 1 {
			return true
		}
	}
	return false
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func isPublicPath(path string) bool {
	switch path {
	case "/health", "/version", "/metrics":
		return true
	}
	return false
}

func respondUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="chatbridge"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": msg,
	})
}
