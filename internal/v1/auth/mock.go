package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// MockValidator accepts any token. When the token is a JWT its unverified claims are used,
// otherwise the raw token is taken as the subject. Development only.
type MockValidator struct{}

// ValidateToken implements types.TokenValidator.
func (MockValidator) ValidateToken(tokenString string) (*CustomClaims, error) {
	claims := &CustomClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		claims = &CustomClaims{}
		claims.Subject = tokenString
	}
	if claims.Subject == "" {
		claims.Subject = "dev-user-123"
	}
	if claims.Name == "" {
		claims.Name = "Dev User"
	}
	return claims, nil
}
