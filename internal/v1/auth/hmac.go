package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength matches the JWT_SECRET requirement enforced by config.
const MinSecretLength = 32

// HMACValidator checks HS256 tokens signed with a shared secret.
type HMACValidator struct {
	secret []byte
	opts   []jwt.ParserOption
}

// HMACOption tunes the claims an HMACValidator requires.
type HMACOption func(*HMACValidator)

// WithIssuer requires the iss claim.
func WithIssuer(iss string) HMACOption {
	return func(v *HMACValidator) { v.opts = append(v.opts, jwt.WithIssuer(iss)) }
}

// WithAudience requires the aud claim.
func WithAudience(aud string) HMACOption {
	return func(v *HMACValidator) { v.opts = append(v.opts, jwt.WithAudience(aud)) }
}

// NewHMACValidator returns a validator for secret. Short secrets are rejected.
func NewHMACValidator(secret string, opts ...HMACOption) (*HMACValidator, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("secret must be at least %d characters", MinSecretLength)
	}
	v := &HMACValidator{
		secret: []byte(secret),
		opts:   []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// ValidateToken implements types.TokenValidator.
func (v *HMACValidator) ValidateToken(tokenString string) (*CustomClaims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	return parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, v.opts...)
}

// Sign issues an HS256 token for claims. Used by tooling and tests that mint local tokens.
func (v *HMACValidator) Sign(claims CustomClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
