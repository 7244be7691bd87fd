package challenge

import (
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// BypassIssuer mints and verifies signed bypass tokens (HS256 JWS) bound to
// an actor key, so an external challenge verifier can hand the client a
// portable, time-boxed proof that round-trips back into the gate without
// shared in-memory state.
type BypassIssuer struct {
	secret []byte
	ttl    time.Duration
}

type bypassClaims struct {
	Actor string `json:"act"`
	jwt.RegisteredClaims
}

// NewBypassIssuer decodes the configured base64url secret (>= 32 bytes).
func NewBypassIssuer(secret string, ttl time.Duration) (*BypassIssuer, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(secret)
	if err != nil {
		return nil, err
	}
	if len(decoded) < 32 {
		return nil, errors.New("bypass secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		return nil, errors.New("bypass ttl must be positive")
	}
	return &BypassIssuer{secret: decoded, ttl: ttl}, nil
}

// Issue mints a bypass token for actorKey, valid for the configured bypass
// duration from now.
func (i *BypassIssuer) Issue(actorKey string, now time.Time) (string, error) {
	claims := bypassClaims{
		Actor: actorKey,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Verify checks signature, expiry relative to now, and actor binding.
func (i *BypassIssuer) Verify(tokenStr, actorKey string, now time.Time) bool {
	if tokenStr == "" {
		return false
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	var claims bypassClaims
	token, err := parser.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	})
	if err != nil || !token.Valid {
		return false
	}
	return claims.Actor == actorKey
}
