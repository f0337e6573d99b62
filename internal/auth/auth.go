// Package auth verifies caller bearer tokens and mints new ones.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/nulpointcorp/llmhub/pkg/apierr"
)

// Caller is the identity derived from a verified token.
type Caller struct {
	UserID   string
	APIKeyID string
}

// Claims carries the registered claims plus the legacy "user" claim older
// tokens put the identity in.
type Claims struct {
	jwt.RegisteredClaims
	User string `json:"user,omitempty"`
}

type Authenticator struct {
	secret   []byte
	method   jwt.SigningMethod
	audience string
	now      func() time.Time
}

// New returns an Authenticator for HS256, HS384 or HS512.
func New(secret, algorithm, audience string) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	method := jwt.GetSigningMethod(strings.ToUpper(algorithm))
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("auth: unsupported algorithm %q", algorithm)
	}
	return &Authenticator{
		secret:   []byte(secret),
		method:   method,
		audience: audience,
		now:      time.Now,
	}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Authenticate verifies the Authorization header and returns the caller.
// Failures are apierr auth errors (401); an audience mismatch is forbidden
// (403).
func (a *Authenticator) Authenticate(header string) (Caller, error) {
	token, ok := BearerToken(header)
	if !ok {
		return Caller{}, apierr.Auth("missing bearer token")
	}
	return a.Verify(token)
}

// Verify checks the signature and expiry of token and extracts the caller.
func (a *Authenticator) Verify(token string) (Caller, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{a.method.Alg()}))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Caller{}, apierr.Wrap(apierr.KindAuth, "token has expired", err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return Caller{}, apierr.Wrap(apierr.KindAuth, "token is malformed", err)
		default:
			return Caller{}, apierr.Wrap(apierr.KindAuth, "invalid token", err)
		}
	}
	if !parsed.Valid {
		return Caller{}, apierr.Auth("invalid token")
	}

	if a.audience != "" && !claims.VerifyAudience(a.audience, true) {
		return Caller{}, apierr.Forbidden("token is not valid for this audience")
	}

	userID := claims.Subject
	if userID == "" {
		userID = claims.User
	}
	if userID == "" {
		return Caller{}, apierr.Auth("token has no subject")
	}

	return Caller{UserID: userID, APIKeyID: keyID(claims.ID, token)}, nil
}

// keyID prefers the jti claim; tokens without one are identified by a
// digest so the raw credential never reaches the ledger.
func keyID(jti, token string) string {
	if jti != "" {
		return jti
	}
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:16])
}

// Mint signs a token for userID. A zero ttl produces a token without expiry.
func (a *Authenticator) Mint(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("auth: user id is required")
	}
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
			ID:       uuid.NewString(),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	if a.audience != "" {
		claims.Audience = jwt.ClaimStrings{a.audience}
	}
	return jwt.NewWithClaims(a.method, claims).SignedString(a.secret)
}
