// Package adminauth guards the controller's operator-facing debug/admin
// HTTP surface with a bearer JWT, modeled on the teacher's auth/auth.go.
// This is distinct from the wire protocol the event loop speaks to
// initiators, helpers and workers, which per spec §1's Non-goals carries
// no authentication at all (deployment assumes a trusted network) — this
// package only ever guards debugserver's HTTP routes.
package adminauth

import (
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"

	"distbuildctl/internal/errors"
)

// Claims identifies the operator a debug-surface token was issued to.
type Claims struct {
	Subject string `json:"sub"`
	jwt.StandardClaims
}

// Guard validates bearer tokens against a single HMAC secret.
type Guard struct {
	secretKey []byte
	tokenTTL  time.Duration
}

// New creates a Guard signing and verifying with secretKey.
func New(secretKey string, tokenTTL time.Duration) *Guard {
	return &Guard{secretKey: []byte(secretKey), tokenTTL: tokenTTL}
}

// IssueToken mints a bearer token for subject (an operator identity). In
// this repository only tests call it.
func (g *Guard) IssueToken(subject string) (string, error) {
	claims := &Claims{
		Subject: subject,
		StandardClaims: jwt.StandardClaims{
			Subject:   subject,
			IssuedAt:  time.Now().Unix(),
			ExpiresAt: time.Now().Add(g.tokenTTL).Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(g.secretKey)
}

func (g *Guard) validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New(errors.ErrCodeUnauthorized, "unexpected signing method")
		}
		return g.secretKey, nil
	})
	if err != nil {
		return nil, errors.New(errors.ErrCodeUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New(errors.ErrCodeUnauthorized, "invalid token claims")
	}
	return claims, nil
}

// Middleware wraps next, rejecting requests without a valid
// "Authorization: Bearer <token>" header.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeUnauthorized(w, "missing or malformed Authorization header")
			return
		}
		if _, err := g.validate(parts[1]); err != nil {
			writeUnauthorized(w, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + message + `"}`))
}
