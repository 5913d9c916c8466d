package httpapi

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/erpbridge/erpbridge/internal/types"
)

// requireAuth validates the bearer token as an HMAC-signed JWT. With no
// secret configured, auth is disabled (local development).
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.jwtSecret) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			s.writeError(w, types.E(types.KindAuth, "missing bearer token"))
			return
		}

		_, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, types.E(types.KindAuth, "unexpected signing method %v", t.Header["alg"])
			}
			return s.jwtSecret, nil
		}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		if err != nil {
			s.writeError(w, types.Wrap(types.KindAuth, err, "invalid token"))
			return
		}

		next.ServeHTTP(w, r)
	})
}
