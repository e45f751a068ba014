package server

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/ehrlich-b/wsh/internal/werr"
)

// GenerateToken returns a random 32-byte hex token.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return fmt.Sprintf("%x", buf), nil
}

// LoopbackBind reports whether the bind address only accepts local
// connections, in which case no token is required.
func LoopbackBind(bind string) bool {
	host, _, err := net.SplitHostPort(bind)
	if err != nil {
		host = bind
	}
	if host == "" || host == "localhost" {
		return host == "localhost"
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// authMiddleware enforces the bearer token on every route except
// /health. Tokens are accepted as an Authorization header or a ?token=
// query parameter; WebSocket routes are covered before upgrade because
// the middleware runs first.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		token := ""
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		} else if q := r.URL.Query().Get("token"); q != "" {
			token = q
		}
		if token == "" {
			writeErr(w, werr.New(werr.CodeAuthRequired, "authentication required"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			writeErr(w, werr.New(werr.CodeAuthInvalid, "invalid token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
