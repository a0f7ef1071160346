package httputil

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/bissquit/relay/internal/pkg/ctxlog"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// SubjectKey stores the authenticated token subject in the request context.
const SubjectKey contextKey = "subject"

// BearerAuth creates middleware that requires an HS256-signed JWT in the
// Authorization header. An empty secret disables the check.
func BearerAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(secret) == 0 {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				Error(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				Error(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			subject, err := ValidateToken(parts[1], secret)
			if err != nil {
				ctxlog.FromContext(r.Context()).Debug("token rejected", "error", err)
				Error(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), SubjectKey, subject)
			ctx = ctxlog.WithLogger(ctx, ctxlog.FromContext(ctx).With("subject", subject))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ValidateToken verifies a JWT and returns its subject.
func ValidateToken(tokenString string, secret []byte) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// GetSubject extracts the authenticated subject from context.
func GetSubject(ctx context.Context) string {
	if s, ok := ctx.Value(SubjectKey).(string); ok {
		return s
	}
	return ""
}
