// Package auth guards the practice-facing admin API. Staff authenticate
// with either a static API key or a short-lived HS256 token minted by
// `fragebogen-server token issue`.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const (
	// RoleAdmin is the only role accepted on the admin API.
	RoleAdmin = "admin"
	// TokenIssuer is written to and required in every admin token.
	TokenIssuer = "fragebogen"
)

// Authentication methods recorded on a Credential.
const (
	MethodAPIKey = "api_key"
	MethodJWT    = "jwt"
	MethodDev    = "dev"
)

type contextKey string

const credentialKey contextKey = "credential"

// Claims are the JWT claims of an admin token.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Credential identifies the authenticated caller.
type Credential struct {
	Subject string
	Method  string
}

type Config struct {
	APIKey    string
	JWTSecret []byte
	// Dev lets requests without an Authorization header through as a
	// development admin. Presented credentials are still checked.
	Dev bool
	now func() time.Time
}

// Enabled reports whether any real credential is configured.
func (c Config) Enabled() bool {
	return c.APIKey != "" || len(c.JWTSecret) > 0
}

func (c Config) clock() func() time.Time {
	if c.now != nil {
		return c.now
	}
	return time.Now
}

// Middleware authenticates admin requests and stores the Credential on the
// request context.
func Middleware(cfg Config) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if header == "" {
				if cfg.Dev {
					return next(withCredential(c, Credential{Subject: "dev-user", Method: MethodDev}))
				}
				return unauthorized(c, "missing authorization header")
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return unauthorized(c, "invalid authorization format")
			}
			secret := strings.TrimSpace(parts[1])

			if cfg.APIKey != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(cfg.APIKey)) == 1 {
				return next(withCredential(c, Credential{Subject: "api-key", Method: MethodAPIKey}))
			}
			if len(cfg.JWTSecret) == 0 {
				return unauthorized(c, "invalid credentials")
			}

			claims, err := ParseAdminToken(cfg.JWTSecret, secret, cfg.clock())
			if err != nil {
				if errors.Is(err, errForbiddenRole) {
					return echo.NewHTTPError(http.StatusForbidden, "admin role required")
				}
				return unauthorized(c, "invalid token")
			}
			return next(withCredential(c, Credential{Subject: claims.Subject, Method: MethodJWT}))
		}
	}
}

var errForbiddenRole = errors.New("token lacks admin role")

// ParseAdminToken verifies signature, issuer, expiry and role of tokenStr.
func ParseAdminToken(secret []byte, tokenStr string, now func() time.Time) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	)
	if err != nil {
		return nil, fmt.Errorf("parse admin token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("parse admin token: invalid")
	}
	if claims.Role != RoleAdmin {
		return nil, errForbiddenRole
	}
	return claims, nil
}

// IssueAdminToken signs an admin token for subject valid for ttl.
func IssueAdminToken(secret []byte, subject string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if len(secret) == 0 {
		return "", time.Time{}, errors.New("ADMIN_JWT_SECRET is not configured")
	}
	if subject == "" {
		return "", time.Time{}, errors.New("subject is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("ttl must be positive")
	}
	expires := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Role: RoleAdmin,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign admin token: %w", err)
	}
	return signed, expires, nil
}

func unauthorized(c echo.Context, msg string) error {
	c.Response().Header().Set("WWW-Authenticate", `Bearer realm="fragebogen-admin"`)
	return echo.NewHTTPError(http.StatusUnauthorized, msg)
}

func withCredential(c echo.Context, cred Credential) echo.Context {
	c.Set(string(credentialKey), cred)
	c.SetRequest(c.Request().WithContext(WithCredential(c.Request().Context(), cred)))
	return c
}

// WithCredential returns a context carrying cred.
func WithCredential(ctx context.Context, cred Credential) context.Context {
	return context.WithValue(ctx, credentialKey, cred)
}

// CredentialFromContext returns the caller stored by Middleware.
func CredentialFromContext(ctx context.Context) (Credential, bool) {
	cred, ok := ctx.Value(credentialKey).(Credential)
	return cred, ok
}

// SubjectFromContext returns the caller's subject or "".
func SubjectFromContext(ctx context.Context) string {
	cred, _ := CredentialFromContext(ctx)
	return cred.Subject
}
