package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func claimsFor(sub string, exp time.Time) CustomClaims {
	c := CustomClaims{Name: sub}
	c.Subject = sub
	c.ExpiresAt = jwt.NewNumericDate(exp)
	return c
}

func TestHMACValidator_RoundTrip(t *testing.T) {
	v, err := NewHMACValidator(testSecret)
	require.NoError(t, err)

	token, err := v.Sign(claimsFor("candidate-1", time.Now().Add(time.Hour)))
	require.NoError(t, err)

	claims, err := v.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "candidate-1", claims.Subject)
}

func TestHMACValidator_ShortSecret(t *testing.T) {
	_, err := NewHMACValidator("too-short")
	assert.Error(t, err)
}

func TestHMACValidator_Rejects(t *testing.T) {
	v, err := NewHMACValidator(testSecret, WithIssuer("job-portal"), WithAudience("messaging"))
	require.NoError(t, err)

	other, err := NewHMACValidator("ffffffffffffffffffffffffffffffff")
	require.NoError(t, err)

	good := claimsFor("u1", time.Now().Add(time.Hour))
	good.Issuer = "job-portal"
	good.Audience = jwt.ClaimStrings{"messaging"}

	expired := good
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	wrongAud := good
	wrongAud.Audience = jwt.ClaimStrings{"billing"}

	noSubject := good
	noSubject.Subject = ""

	sign := func(s *HMACValidator, c CustomClaims) string {
		tok, err := s.Sign(c)
		require.NoError(t, err)
		return tok
	}

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, good).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "garbage", token: "not-a-jwt"},
		{name: "wrong secret", token: sign(other, good)},
		{name: "expired", token: sign(v, expired)},
		{name: "wrong audience", token: sign(v, wrongAud)},
		{name: "missing subject", token: sign(v, noSubject)},
		{name: "alg none", token: unsigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateToken(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	_, err = v.ValidateToken(sign(v, good))
	assert.NoError(t, err)
}
