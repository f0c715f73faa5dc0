package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// authContextKey is the type for auth-related context keys.
type authContextKey string

const ctxKeyProfile authContextKey = "auth_profile"

// ErrUnauthenticated is returned for requests without a valid bearer token.
var ErrUnauthenticated = errors.New("authentication required")

// Authenticator verifies HS256 bearer tokens. The "sub" claim is the
// profile id.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator for secret.
func NewAuthenticator(secret string) (*Authenticator, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &Authenticator{secret: []byte(secret)}, nil
}

// Issue signs a token for profileID that expires after ttl.
func (a *Authenticator) Issue(profileID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   profileID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses token and returns its subject.
func (a *Authenticator) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// Middleware rejects requests without a valid "Authorization: Bearer"
// token and stores the profile id in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(header, bearerPrefix) || len(header) == len(bearerPrefix) {
			writeError(w, http.StatusUnauthorized, "invalid authorization format, expected Bearer token")
			return
		}

		profileID, err := a.Verify(header[len(bearerPrefix):])
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyProfile, profileID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ProfileID returns the authenticated profile id of the request.
func ProfileID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(ctxKeyProfile).(string)
	return id, ok && id != ""
}
