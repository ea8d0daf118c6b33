package transport

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func requestWithOrigin(origin string) *http.Request {
	req, _ := http.NewRequest(http.MethodGet, "/ws", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	return req
}

func TestOriginAllowed(t *testing.T) {
	allowed := []string{"https://app.example.com"}

	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"no origin header", "", true},
		{"null origin", "null", true},
		{"file scheme", "file://", true},
		{"capacitor shell", "capacitor://localhost", true},
		{"ionic shell", "ionic://localhost", true},
		{"electron shell", "electron://app", true},
		{"localhost any port", "http://localhost:3000", true},
		{"loopback ip", "http://127.0.0.1:8080", true},
		{"listed origin", "https://app.example.com", true},
		{"listed host wrong scheme", "http://app.example.com", false},
		{"unlisted origin", "https://evil.example.com", false},
		{"garbage origin", "://not a url", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, originAllowed(requestWithOrigin(tt.origin), allowed))
		})
	}
}

func TestParseAllowedOrigins(t *testing.T) {
	assert.Nil(t, ParseAllowedOrigins(""))
	assert.Equal(t,
		[]string{"https://a.example.com", "https://b.example.com"},
		ParseAllowedOrigins(" https://a.example.com, https://b.example.com ,"))
}
