package utils

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPHeadersExtractor_Extract(t *testing.T) {
	r := httptest.NewRequest("POST", "/rate-limit", nil)
	r.Header.Set("X-Client-Id", "  web ")
	r.Header.Add("X-Forwarded-For", "10.0.0.1")
	r.Header.Add("X-Forwarded-For", "10.0.0.2")
	r.Header.Set("Hasura-M-Auth", "secret")

	headers := NewHTTPHeadersExtractor("hasura-m-auth").Extract(r)

	assert.Equal(t, map[string]string{
		"x-client-id":     "web",
		"x-forwarded-for": "10.0.0.1",
	}, headers)
}

func TestHTTPHeadersExtractor_Empty(t *testing.T) {
	r := httptest.NewRequest("POST", "/rate-limit", nil)
	assert.Empty(t, NewHTTPHeadersExtractor().Extract(r))
}
