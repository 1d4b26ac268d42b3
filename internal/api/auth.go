package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// opsAuthMiddleware gates the /admin subtree. Callers present either an
// X-API-Key matching OPS_API_KEY or a Bearer JWT signed with
// OPS_JWT_SECRET. With neither configured every admin request is refused,
// so a blank deployment cannot be driven remotely by accident.
func (s *Server) opsAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "OPTIONS" {
			next.ServeHTTP(w, r)
			return
		}

		operator, err := s.authenticate(r)
		if err != nil {
			s.log.Warn().Err(err).Str("path", r.URL.Path).Str("remote", clientIP(r)).Msg("admin auth rejected")
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		s.log.Info().Str("operator", operator).Str("path", r.URL.Path).Msg("admin request")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	if s.cfg.OpsAPIKey == "" && s.cfg.OpsJWTSecret == "" {
		return "", fmt.Errorf("admin auth not configured")
	}

	// Try API key first. Compare digests so the check is constant time
	// regardless of key length.
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		if s.cfg.OpsAPIKey == "" {
			return "", fmt.Errorf("API key auth not configured")
		}
		got := sha256.Sum256([]byte(apiKey))
		want := sha256.Sum256([]byte(s.cfg.OpsAPIKey))
		if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
			return "", fmt.Errorf("invalid API key")
		}
		return "api-key", nil
	}

	// Then JWT.
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("missing Authorization header or X-API-Key")
	}
	if s.cfg.OpsJWTSecret == "" {
		return "", fmt.Errorf("JWT auth not configured")
	}

	tokenStr := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	token, err := jwtlib.Parse(tokenStr, func(token *jwtlib.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.cfg.OpsJWTSecret), nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid JWT: %w", err)
	}

	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid JWT claims")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("JWT missing sub claim")
	}
	return sub, nil
}
