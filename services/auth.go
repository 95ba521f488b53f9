package services

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/cloakpoll/cloakpoll/crypto"
)

type authCtxKey int

const callerKey authCtxKey = 1

// Claims binds a bearer token to a caller's public key.
type Claims struct {
	PublicKey string `json:"public_key"`
	jwt.RegisteredClaims
}

// SignToken issues a bearer token for a public key.
func (s *Service) SignToken(publicKey crypto.PublicKey, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		PublicKey: publicKey.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.cfg.JWTSecret)
}

func (s *Service) parseToken(tok string) (*Claims, error) {
	t, err := jwt.ParseWithClaims(tok, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.cfg.JWTSecret, nil
	})
	if err != nil {
		return nil, err
	}
	if c, ok := t.Claims.(*Claims); ok && t.Valid {
		return c, nil
	}
	return nil, errors.New("invalid token")
}

// requireAuth rejects requests without a valid bearer token and attaches the
// caller's public key to the request context.
func (s *Service) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		claims, err := s.parseToken(strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")))
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		caller, err := crypto.NewPublicKeyFromString(claims.PublicKey)
		if err != nil {
			http.Error(w, "invalid token subject", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, caller)))
	})
}

// CallerFromContext returns the authenticated caller's public key.
func CallerFromContext(ctx context.Context) (crypto.PublicKey, bool) {
	caller, ok := ctx.Value(callerKey).(crypto.PublicKey)
	return caller, ok
}
