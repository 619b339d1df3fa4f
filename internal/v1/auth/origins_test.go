package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetAllowedOriginsFromEnv_WithValue(t *testing.T) {
	t.Setenv("TEST_ORIGINS", "http://localhost:3000, https://example.com,")

	origins := GetAllowedOriginsFromEnv("TEST_ORIGINS", []string{"http://default"})

	assert.Equal(t, []string{"http://localhost:3000", "https://example.com"}, origins)
}

func TestGetAllowedOriginsFromEnv_Empty(t *testing.T) {
	t.Setenv("TEST_ORIGINS_EMPTY", "")

	defaults := []string{"http://localhost:3000", "http://localhost:8080"}
	assert.Equal(t, defaults, GetAllowedOriginsFromEnv("TEST_ORIGINS_EMPTY", defaults))
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{header: "Bearer abc.def", want: "abc.def"},
		{header: "bearer   xyz ", want: "xyz"},
		{header: "Basic Zm9vOmJhcg==", want: ""},
		{header: "Bearer ", want: ""},
		{header: "", want: ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BearerToken(tt.header), tt.header)
	}
}
