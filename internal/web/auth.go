package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorizeRequest checks the optional bearer token. The token may
// arrive as an Authorization header or a ?token= query parameter (the
// latter for websocket clients that cannot set headers).
func (s *Server) authorizeRequest(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}

	if q := strings.TrimSpace(r.URL.Query().Get("token")); q != "" && secureEqual(q, s.cfg.Token) {
		return true
	}
	if h := bearerToken(r.Header.Get("Authorization")); h != "" && secureEqual(h, s.cfg.Token) {
		return true
	}
	return false
}

func bearerToken(authHeader string) string {
	const prefix = "Bearer "
	authHeader = strings.TrimSpace(authHeader)
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
