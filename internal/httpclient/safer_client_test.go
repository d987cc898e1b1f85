package httpclient

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateURL(t *testing.T) {
	c := New(5*time.Second, Options{})

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"https allowed", "https://plugins.example.org/catalog.json", false},
		{"http allowed", "http://plugins.example.org/x", false},
		{"file blocked", "file:///etc/passwd", true},
		{"ftp blocked", "ftp://example.org/x", true},
		{"localhost blocked", "http://localhost:8080/x", true},
		{"localhost subdomain blocked", "http://api.localhost/x", true},
		{"loopback blocked", "http://127.0.0.1/x", true},
		{"private range blocked", "http://192.168.1.10/x", true},
		{"userinfo blocked", "http://evil.com@example.org/x", true},
		{"missing hostname", "http:///x", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.ValidateURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAllowPrivate(t *testing.T) {
	c := New(5*time.Second, Options{AllowPrivate: true})

	_, err := c.ValidateURL("http://127.0.0.1:8790/catalog.json")
	assert.NoError(t, err)

	// Scheme checks still apply
	_, err = c.ValidateURL("file:///etc/passwd")
	assert.Error(t, err)
}

func TestIsBlockedIP(t *testing.T) {
	assert.True(t, isBlockedIP(net.ParseIP("10.1.2.3")))
	assert.True(t, isBlockedIP(net.ParseIP("169.254.0.1")))
	assert.True(t, isBlockedIP(net.ParseIP("::1")))
	assert.True(t, isBlockedIP(net.ParseIP("fd00::1")))
	assert.False(t, isBlockedIP(net.ParseIP("93.184.216.34")))
	assert.False(t, isBlockedIP(net.ParseIP("2606:2800:220:1::1")))
}
