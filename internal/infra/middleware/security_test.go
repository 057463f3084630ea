package middleware

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(ok).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.TLS = &tls.ConnectionState{}
	w = httptest.NewRecorder()
	SecurityHeaders(ok).ServeHTTP(w, req)
	assert.Contains(t, w.Header().Get("Strict-Transport-Security"), "max-age=")
}

func TestLimiterBurstPerClient(t *testing.T) {
	l := NewLimiter(t.Context(), 6, 3)

	allowed := 0
	for range 10 {
		if l.Allow("alice") {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
	assert.True(t, l.Allow("bob"), "clients have separate buckets")
	assert.Equal(t, 2, l.Clients())
}

func TestLimiterRefills(t *testing.T) {
	l := NewLimiter(t.Context(), 60, 1)
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
	time.Sleep(1100 * time.Millisecond)
	assert.True(t, l.Allow("k"))
}

func TestLimiterDisabled(t *testing.T) {
	var nilLimiter *Limiter
	assert.True(t, nilLimiter.Allow("x"))

	l := NewLimiter(context.Background(), 0, 0)
	for range 100 {
		assert.True(t, l.Allow("x"))
	}
}

func TestLimiterForgetsIdleClients(t *testing.T) {
	l := NewLimiter(t.Context(), 60, 5)
	l.Allow("old")
	l.Allow("new")
	l.clients["old"].lastSeen = time.Now().Add(-10 * time.Minute)

	l.forgetIdle(time.Now())
	assert.Equal(t, 1, l.Clients())
}

func TestLimiterMiddleware(t *testing.T) {
	l := NewLimiter(t.Context(), 6, 2)
	h := l.Middleware(func(r *http.Request) string { return ClientIP(r, nil) })(ok)

	codes := func(addr string, n int) []int {
		var out []int
		for range n {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.RemoteAddr = addr
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			out = append(out, w.Code)
		}
		return out
	}
	assert.Equal(t, []int{200, 200, 429}, codes("192.168.1.1:1234", 3))
	assert.Equal(t, []int{200, 200}, codes("192.168.1.2:1234", 2))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		trusted []string
		want    string
	}{
		{"direct", "203.0.113.9:5000", nil, nil, "203.0.113.9"},
		{"ipv6", "[::1]:5000", nil, nil, "::1"},
		{"spoofed header ignored", "203.0.113.9:5000", map[string]string{"X-Forwarded-For": "10.0.0.1"}, nil, "203.0.113.9"},
		{"trusted proxy forwarded for", "10.0.0.2:80", map[string]string{"X-Forwarded-For": "198.51.100.7, 10.0.0.3"}, []string{"10.0.0.2"}, "198.51.100.7"},
		{"trusted proxy real ip", "10.0.0.2:80", map[string]string{"X-Real-IP": " 198.51.100.8 "}, []string{"10.0.0.2"}, "198.51.100.8"},
		{"trusted proxy no header", "10.0.0.2:80", nil, []string{"10.0.0.2"}, "10.0.0.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(req, tt.trusted))
		})
	}
}
