// Package auth issues and verifies the gateway's bearer tokens and signed QR
// payloads.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role represents an authorized persona.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleUser     Role = "user"
	RoleMerchant Role = "merchant"
)

var allowedRoles = map[Role]struct{}{
	RoleAdmin:    {},
	RoleUser:     {},
	RoleMerchant: {},
}

var (
	// ErrInvalidToken covers malformed, unsigned, or expired tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrForbidden is returned when the verified role is not allowed.
	ErrForbidden = errors.New("auth: insufficient role")
)

// Claims is the verified identity attached to a request.
type Claims struct {
	Subject string
	Role    Role
	Name    string
}

type contextKey string

const contextKeyClaims contextKey = "claims"

// FromContext extracts the verified claims installed by the middleware.
func FromContext(ctx context.Context) (Claims, bool) {
	claims, ok := ctx.Value(contextKeyClaims).(Claims)
	return claims, ok
}

// Issuer signs and verifies HS256 bearer tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer constructs a token issuer. A non-positive ttl issues tokens
// without an expiry claim, matching self-service kiosk deployments.
func NewIssuer(secret []byte, ttl time.Duration) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: signing secret required")
	}
	return &Issuer{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue mints a token for the identity.
func (i *Issuer) Issue(subject string, role Role, name string) (string, error) {
	if _, ok := allowedRoles[role]; !ok {
		return "", fmt.Errorf("auth: unknown role %q", role)
	}
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": string(role),
		"name": name,
	}
	if i.ttl > 0 {
		claims["exp"] = i.now().Add(i.ttl).Unix()
		claims["iat"] = i.now().Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a bearer token.
func (i *Issuer) Verify(raw string) (Claims, error) {
	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	subject, _ := mapClaims["sub"].(string)
	roleRaw, _ := mapClaims["role"].(string)
	name, _ := mapClaims["name"].(string)
	role := Role(roleRaw)
	if subject == "" {
		return Claims{}, ErrInvalidToken
	}
	if _, ok := allowedRoles[role]; !ok {
		return Claims{}, ErrInvalidToken
	}
	return Claims{Subject: subject, Role: role, Name: name}, nil
}

// Middleware authenticates the Authorization header and, when roles are
// given, authorizes against them. Verified claims are installed on the
// request context.
func (i *Issuer) Middleware(roles ...Role) func(http.Handler) http.Handler {
	required := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		required[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if header == "" || !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				http.Error(w, "missing or invalid authorization header", http.StatusUnauthorized)
				return
			}
			claims, err := i.Verify(strings.TrimSpace(header[len("bearer "):]))
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if len(required) > 0 {
				if _, ok := required[claims.Role]; !ok {
					http.Error(w, "insufficient role", http.StatusForbidden)
					return
				}
			}
			ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
