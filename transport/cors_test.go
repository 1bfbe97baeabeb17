package transport_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/felixgeelhaar/mcp-proxy/transport"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

func TestCORSHandler(t *testing.T) {
	t.Run("allows all origins with wildcard", func(t *testing.T) {
		handler := transport.CORSHandler(transport.CORSConfig{AllowOrigins: []string{"*"}}, okHandler)

		req := httptest.NewRequest(http.MethodGet, "/sse", nil)
		req.Header.Set("Origin", "http://example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("expected Access-Control-Allow-Origin '*', got %q", got)
		}
	})

	t.Run("echoes a listed origin", func(t *testing.T) {
		handler := transport.CORSHandler(transport.CORSConfig{
			AllowOrigins: []string{"http://allowed.com", "http://also-allowed.com"},
		}, okHandler)

		req := httptest.NewRequest(http.MethodGet, "/sse", nil)
		req.Header.Set("Origin", "http://allowed.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://allowed.com" {
			t.Errorf("expected Access-Control-Allow-Origin 'http://allowed.com', got %q", got)
		}
		if got := rec.Header().Get("Vary"); got != "Origin" {
			t.Errorf("expected Vary 'Origin', got %q", got)
		}
	})

	t.Run("omits headers for an unlisted origin", func(t *testing.T) {
		handler := transport.CORSHandler(transport.CORSConfig{AllowOrigins: []string{"http://allowed.com"}}, okHandler)

		req := httptest.NewRequest(http.MethodGet, "/sse", nil)
		req.Header.Set("Origin", "http://notallowed.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("expected no Access-Control-Allow-Origin header, got %q", got)
		}
	})

	t.Run("answers preflight", func(t *testing.T) {
		handler := transport.CORSHandler(transport.CORSConfig{
			AllowOrigins: []string{"*"},
			AllowMethods: []string{"GET", "POST"},
			AllowHeaders: []string{"Content-Type", "X-Custom-Header"},
			MaxAge:       3600,
		}, okHandler)

		req := httptest.NewRequest(http.MethodOptions, "/messages/", nil)
		req.Header.Set("Origin", "http://example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST" {
			t.Errorf("unexpected methods %q", got)
		}
		if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, X-Custom-Header" {
			t.Errorf("unexpected headers %q", got)
		}
		if got := rec.Header().Get("Access-Control-Max-Age"); got != "3600" {
			t.Errorf("unexpected max-age %q", got)
		}
	})

	t.Run("refuses preflight from unlisted origin", func(t *testing.T) {
		handler := transport.CORSHandler(transport.CORSConfig{AllowOrigins: []string{"http://allowed.com"}}, okHandler)

		req := httptest.NewRequest(http.MethodOptions, "/messages/", nil)
		req.Header.Set("Origin", "http://evil.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusForbidden {
			t.Errorf("expected status 403, got %d", rec.Code)
		}
	})

	t.Run("allows credentials", func(t *testing.T) {
		handler := transport.CORSHandler(transport.CORSConfig{
			AllowOrigins:     []string{"*"},
			AllowCredentials: true,
		}, okHandler)

		req := httptest.NewRequest(http.MethodGet, "/sse", nil)
		req.Header.Set("Origin", "http://example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
			t.Errorf("credentialed requests must echo the origin, got %q", got)
		}
		if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
			t.Error("expected Access-Control-Allow-Credentials 'true'")
		}
	})

	t.Run("uses default values", func(t *testing.T) {
		handler := transport.CORSHandler(transport.CORSConfig{AllowOrigins: []string{"*"}}, okHandler)

		req := httptest.NewRequest(http.MethodOptions, "/sse", nil)
		req.Header.Set("Origin", "http://example.com")
		req.Header.Set("Access-Control-Request-Method", "GET")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, OPTIONS" {
			t.Errorf("expected default methods, got %q", got)
		}
		if got := rec.Header().Get("Access-Control-Max-Age"); got != "86400" {
			t.Errorf("expected default max-age '86400', got %q", got)
		}
	})
}

func TestOriginGuard(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		host    string
		origin  string
		want    int
	}{
		{"no origin header", nil, "127.0.0.1:8080", "", http.StatusOK},
		{"same origin without allow list", nil, "127.0.0.1:8080", "http://127.0.0.1:8080", http.StatusOK},
		{"cross origin without allow list", nil, "127.0.0.1:8080", "http://evil.com", http.StatusForbidden},
		{"listed origin", []string{"http://app.local"}, "127.0.0.1:8080", "http://app.local", http.StatusOK},
		{"unlisted origin", []string{"http://app.local"}, "127.0.0.1:8080", "http://evil.com", http.StatusForbidden},
		{"wildcard", []string{"*"}, "127.0.0.1:8080", "http://anything.example", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := transport.OriginGuard(tt.allowed, okHandler)

			req := httptest.NewRequest(http.MethodGet, "/sse", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
