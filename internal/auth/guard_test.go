package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGuardCheck(t *testing.T) {
	g := NewGuard("s3cret")
	cases := []struct {
		header string
		want   error
	}{
		{"", ErrMissingToken},
		{"Bearer s3cret", nil},
		{"bearer s3cret", nil},
		{"Bearer wrong", ErrInvalidToken},
		{"Basic s3cret", ErrInvalidToken},
		{"s3cret", ErrInvalidToken},
	}
	for _, tc := range cases {
		if got := g.Check(tc.header); got != tc.want {
			t.Fatalf("Check(%q) = %v, want %v", tc.header, got, tc.want)
		}
	}
}

func TestGuardMiddleware(t *testing.T) {
	called := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called++
		w.WriteHeader(http.StatusAccepted)
	})
	h := NewGuard("s3cret", WithPublicPaths("/healthz")).Middleware(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/actions/e1/sign", nil))
	if rec.Code != http.StatusUnauthorized || called != 0 {
		t.Fatalf("expected 401 without token, got %d (calls=%d)", rec.Code, called)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/actions/e1/sign", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted || called != 1 {
		t.Fatalf("expected request to pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusAccepted || called != 2 {
		t.Fatalf("public path should bypass the guard, got %d", rec.Code)
	}
}

func TestDisabledGuardAllowsEverything(t *testing.T) {
	g := NewGuard("  ")
	if g.Enabled() {
		t.Fatal("blank token must disable the guard")
	}
	if err := g.Check(""); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}
