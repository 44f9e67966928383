package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimiter_Middleware(t *testing.T) {
	rl := newRateLimiterStore(60, 3)
	defer rl.stop()

	handler := rl.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(ip, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = ip + ":12345"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	// Burst of 3 is allowed
	for i := 0; i < 3; i++ {
		if w := send("192.168.1.1", "/files"); w.Code != http.StatusOK {
			t.Errorf("Request %d: expected 200, got %d", i+1, w.Code)
		}
	}

	w := send("192.168.1.1", "/files")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("4th request: expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// Different IP should be allowed
	if w := send("192.168.1.2", "/files"); w.Code != http.StatusOK {
		t.Errorf("other IP: expected 200, got %d", w.Code)
	}

	// Probes are never limited
	if w := send("192.168.1.1", "/health"); w.Code != http.StatusOK {
		t.Errorf("probe: expected 200, got %d", w.Code)
	}
}

func TestRateLimiter_Wired(t *testing.T) {
	ts := newTestServer(t, Config{RateLimit: 1, RateBurst: 1}, nil)

	if rr := ts.do(httptest.NewRequest(http.MethodGet, "/files", nil)); rr.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rr.Code)
	}
	if rr := ts.do(httptest.NewRequest(http.MethodGet, "/files", nil)); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rr.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		xri    string
		want   string
	}{
		{"remote addr", "10.0.0.5:9999", "", "", "10.0.0.5"},
		{"ipv6", "[fe80::1]:80", "", "", "fe80::1"},
		{"forwarded list", "10.0.0.5:1", "1.2.3.4, 10.0.0.1", "", "1.2.3.4"},
		{"real ip", "10.0.0.5:1", "", "5.6.7.8", "5.6.7.8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			if got := clientIP(req); got != tt.want {
				t.Fatalf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
