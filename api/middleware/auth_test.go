package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-donations/pkg/auth"
	"github.com/angelmondragon/packfinderz-donations/pkg/config"
)

var testJWT = config.JWTConfig{Secret: "secret", Issuer: "issuer"}

func mintTestToken(t *testing.T, donor uuid.UUID) string {
	t.Helper()
	token, err := auth.MintAccessToken(testJWT, time.Now(), donor, time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func TestDonorAuthAllowsGuests(t *testing.T) {
	var sawDonor bool
	handler := DonorAuth(testJWT, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawDonor = DonorIDFromContext(r.Context()) != nil
		w.WriteHeader(http.StatusOK)
	}))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if sawDonor {
		t.Fatalf("guest request should carry no donor")
	}
}

func TestDonorAuthRejectsInvalidToken(t *testing.T) {
	called := false
	handler := DonorAuth(testJWT, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	for _, header := range []string{"Bearer invalid", "Bearer "} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", header)
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if resp.Code != http.StatusUnauthorized {
			t.Fatalf("%q: expected 401 got %d", header, resp.Code)
		}
	}
	if called {
		t.Fatalf("handler should not run for invalid credentials")
	}
}

func TestDonorAuthSeedsDonor(t *testing.T) {
	donor := uuid.New()
	var got *uuid.UUID
	handler := DonorAuth(testJWT, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = DonorIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+mintTestToken(t, donor))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if got == nil || *got != donor {
		t.Fatalf("expected donor %s, got %v", donor, got)
	}
}
