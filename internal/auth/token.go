// Package auth implements the gateway's optional pre-auth token verifier, a
// gate checked at WebSocket upgrade time and distinct from the core "auth"
// protocol frame (spec §1, §9: "authentication-token issuance... is a
// pluggable collaborator, not part of the core protocol").
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken indicates the token failed signature or structural checks.
var ErrInvalidToken = errors.New("invalid token")

// ErrExpiredToken signals that the token's expiry is in the past.
var ErrExpiredToken = errors.New("token expired")

// Claims is the JWT payload accepted by the pre-auth verifier.
type Claims struct {
	Subject string `json:"sub"`
	jwtlib.RegisteredClaims
}

// TokenVerifier validates compact JWT tokens signed with HS256. It is
// off-by-default: constructing a Gateway without one skips the pre-auth gate
// entirely and relies solely on the `auth` protocol frame.
type TokenVerifier struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewTokenVerifier constructs a verifier for the supplied shared secret and
// clock skew allowance.
func NewTokenVerifier(secret string, leeway time.Duration) (*TokenVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &TokenVerifier{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

// Verify parses the token and validates its signature and expiry, returning
// the parsed claims; a token whose subject claim is empty is rejected.
func (v *TokenVerifier) Verify(token string) (*Claims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("verifier not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	parsed, err := jwtlib.ParseWithClaims(token, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidToken, t.Header["alg"])
		}
		return v.secret, nil
	}, jwtlib.WithLeeway(v.leeway), jwtlib.WithTimeFunc(v.now))
	if err != nil {
		if errors.Is(err, jwtlib.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// WithClock overrides the verifier's clock, enabling deterministic tests.
func (v *TokenVerifier) WithClock(clock func() time.Time) {
	if v == nil || clock == nil {
		return
	}
	v.now = clock
}

// Sign issues a signed token for subject with the given time-to-live; used
// by tests and operator tooling to mint pre-auth tokens.
func (v *TokenVerifier) Sign(subject string, ttl time.Duration) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", errors.New("verifier not initialised")
	}
	now := v.now()
	claims := Claims{
		Subject: subject,
		RegisteredClaims: jwtlib.RegisteredClaims{
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwtlib.NewNumericDate(now),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
