package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		method      string
		origin      string
		preflight   bool
		wantAllow   string
		wantStatus  int
		wantHandler bool
	}{
		{name: "listed origin", allowed: []string{"https://dash.example.com"}, method: http.MethodGet, origin: "https://dash.example.com", wantAllow: "https://dash.example.com", wantStatus: http.StatusOK, wantHandler: true},
		{name: "trailing slash in config", allowed: []string{"https://dash.example.com/"}, method: http.MethodGet, origin: "https://dash.example.com", wantAllow: "https://dash.example.com", wantStatus: http.StatusOK, wantHandler: true},
		{name: "unknown origin", allowed: []string{"https://dash.example.com"}, method: http.MethodGet, origin: "https://evil.example", wantStatus: http.StatusOK, wantHandler: true},
		{name: "wildcard", allowed: []string{"*"}, method: http.MethodGet, origin: "https://any.example", wantAllow: "https://any.example", wantStatus: http.StatusOK, wantHandler: true},
		{name: "no origin", allowed: []string{"*"}, method: http.MethodGet, wantStatus: http.StatusOK, wantHandler: true},
		{name: "preflight", allowed: []string{"https://dash.example.com"}, method: http.MethodOptions, origin: "https://dash.example.com", preflight: true, wantAllow: "https://dash.example.com", wantStatus: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			})
			req := httptest.NewRequest(tt.method, "/v1/slots", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			rec := httptest.NewRecorder()

			CORS(tt.allowed)(next).ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Fatalf("allow origin = %q, want %q", got, tt.wantAllow)
			}
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if called != tt.wantHandler {
				t.Fatalf("handler called = %v, want %v", called, tt.wantHandler)
			}
			if tt.wantAllow != "" && rec.Header().Get("Access-Control-Allow-Headers") != corsAllowedHeaders {
				t.Fatalf("expected tenant header to be allowed, got %q", rec.Header().Get("Access-Control-Allow-Headers"))
			}
		})
	}
}
