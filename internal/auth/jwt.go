// Package auth verifies the JWTs collaborative-session clients present when
// opening a WebSocket connection. It is grounded on the teacher stack's
// auth.JWTManager (streamspace api/internal/auth/jwt.go): HS256 signing,
// explicit algorithm verification, and jti-based session tracking — adapted
// from role/group claims to the document permission set this spec needs.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config holds the settings needed to verify (and, for local/dev tooling,
// mint) tokens.
type Config struct {
	SecretKey string
	Issuer    string
	Audience  string
	// TokenDuration is only used by Mint, for dev/test token generation; the
	// server itself never issues tokens in production.
	TokenDuration time.Duration
}

// Claims is the JWT payload collabdoc-server expects. Permissions gates what
// a connection may do once attached to a document (spec.md §3's
// per-connection permission set); jti is the session id internal/sessionstore
// uses for logout/revocation.
type Claims struct {
	UserID      string   `json:"user_id"`
	Username    string   `json:"username"`
	Permissions []string `json:"permissions"`

	jwt.RegisteredClaims
}

// HasPermission reports whether perm is present in the token's permission
// list.
func (c *Claims) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// JWTManager validates (and, for tooling, mints) tokens against Config.
type JWTManager struct {
	cfg Config
}

// NewJWTManager builds a manager, filling in defaults for an unset issuer or
// token duration.
func NewJWTManager(cfg Config) *JWTManager {
	if cfg.Issuer == "" {
		cfg.Issuer = "collabdoc-server"
	}
	if cfg.TokenDuration == 0 {
		cfg.TokenDuration = 24 * time.Hour
	}
	return &JWTManager{cfg: cfg}
}

// Mint issues a signed token for local development and test fixtures. The
// production system is never the token issuer (spec.md's Non-goals exclude
// "token-minting authority"); this exists purely so tests and a local dev
// client do not need an external identity provider.
func (m *JWTManager) Mint(userID, username string, permissions []string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:      userID,
		Username:    username,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        fmt.Sprintf("%s-%d", userID, now.UnixNano()),
			Issuer:    m.cfg.Issuer,
			Audience:  jwt.ClaimStrings{m.cfg.Audience},
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.TokenDuration)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.cfg.SecretKey))
}

// ValidateToken verifies signature, algorithm, issuer, audience and
// expiration, returning the embedded claims. The explicit SigningMethodHMAC
// check below is what prevents an algorithm-substitution attack (a token
// re-signed with "none" or an asymmetric algorithm using the secret as a
// public key) — never remove it.
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(m.cfg.SecretKey), nil
	},
		jwt.WithIssuer(m.cfg.Issuer),
		jwt.WithAudience(m.cfg.Audience),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token")
	}
	return claims, nil
}
