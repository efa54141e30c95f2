package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func serve(h http.Handler, target, header, key string) int {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if key != "" {
		req.Header.Set(header, key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestAPIKeyMiddleware_ModeNone_PassesThrough(t *testing.T) {
	h := APIKeyMiddleware("none", "X-API-Key", "secret", okHandler)
	// No key on the request: still allowed because mode != "apikey".
	if code := serve(h, "/api/v1/health", "", ""); code != http.StatusOK {
		t.Errorf("status: got %d, want 200", code)
	}
}

func TestAPIKeyMiddleware_EmptyKey_PassesThrough(t *testing.T) {
	h := APIKeyMiddleware("apikey", "X-API-Key", "", okHandler)
	if code := serve(h, "/api/v1/health", "", ""); code != http.StatusOK {
		t.Errorf("status: got %d, want 200", code)
	}
}

func TestAPIKeyMiddleware_CorrectKey_Passes(t *testing.T) {
	h := APIKeyMiddleware("apikey", "X-API-Key", "supersecret", okHandler)
	if code := serve(h, "/api/v1/health", "X-API-Key", "supersecret"); code != http.StatusOK {
		t.Errorf("status: got %d, want 200", code)
	}
}

func TestAPIKeyMiddleware_WrongKey_Unauthorized(t *testing.T) {
	h := APIKeyMiddleware("apikey", "X-API-Key", "supersecret", okHandler)
	if code := serve(h, "/api/v1/health", "X-API-Key", "wrong"); code != http.StatusUnauthorized {
		t.Errorf("status: got %d, want 401", code)
	}
}

func TestAPIKeyMiddleware_MissingHeader_Unauthorized(t *testing.T) {
	h := APIKeyMiddleware("apikey", "X-API-Key", "supersecret", okHandler)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want 401", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}
}

func TestAPIKeyMiddleware_QueryParam(t *testing.T) {
	h := APIKeyMiddleware("apikey", "X-API-Key", "mytoken", okHandler)
	if code := serve(h, "/ws/stream?api_key=mytoken", "", ""); code != http.StatusOK {
		t.Errorf("status: got %d, want 200", code)
	}
	if code := serve(h, "/ws/stream?api_key=nope", "", ""); code != http.StatusUnauthorized {
		t.Errorf("status: got %d, want 401", code)
	}
}

func TestAPIKeyMiddleware_CustomHeader(t *testing.T) {
	h := APIKeyMiddleware("apikey", "X-Watch-Token", "mytoken", okHandler)
	if code := serve(h, "/api/v1/runs", "X-Watch-Token", "mytoken"); code != http.StatusOK {
		t.Errorf("status: got %d, want 200", code)
	}
	if code := serve(h, "/api/v1/runs", "X-API-Key", "mytoken"); code != http.StatusUnauthorized {
		t.Errorf("status with wrong header name: got %d, want 401", code)
	}
}
