package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestMintTokenClaims(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	token, err := MintToken(SessionConfig{Secret: "s3cret", Subject: "builder", Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time { return now }))
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return []byte("s3cret"), nil }); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "builder" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
	if !claims.ExpiresAt.Time.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", claims.ExpiresAt.Time)
	}
	if _, err := MintToken(SessionConfig{}); err == nil {
		t.Fatalf("expected error without secret")
	}
}

func TestDialSendsBearer(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/health" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	c, err := Dial(context.Background(), SessionConfig{Endpoint: srv.URL, Secret: "k"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if c.Tokens == nil || !strings.HasPrefix(gotAuth, "Bearer ") {
		t.Fatalf("expected bearer token, got %q", gotAuth)
	}
}

func TestDialFailsWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	if _, err := Dial(context.Background(), SessionConfig{Endpoint: srv.URL}); err == nil {
		t.Fatalf("expected dial error")
	}
	if _, err := Dial(context.Background(), SessionConfig{}); err == nil {
		t.Fatalf("expected error without endpoint")
	}
}

func TestClientMapsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "users/x/a b" {
			t.Errorf("unexpected id %q", r.URL.Query().Get("id"))
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	c := NewClient(srv.URL)
	_, err := c.GetAsset(context.Background(), "users/x/a b")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected APIError 404, got %v", err)
	}
	if err := c.DeleteAsset(context.Background(), "users/x/a b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on delete, got %v", err)
	}
}

func TestSessionRenewsBeforeExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSession(SessionConfig{Secret: "k", Now: func() time.Time { return now }})
	first, err := s.Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	now = now.Add(30 * time.Minute)
	if again, _ := s.Token(); again != first {
		t.Fatalf("expected cached token halfway through its lifetime")
	}
	now = now.Add(25 * time.Minute)
	renewed, err := s.Token()
	if err != nil || renewed == first {
		t.Fatalf("expected a new token near expiry, err=%v", err)
	}
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithTimeFunc(func() time.Time { return now.Add(50 * time.Minute) }))
	if _, err := parser.ParseWithClaims(renewed, claims, func(*jwt.Token) (any, error) { return []byte("k"), nil }); err != nil {
		t.Fatalf("renewed token should outlive the first: %v", err)
	}
	s.Invalidate()
	if forced, _ := s.Token(); forced == "" {
		t.Fatalf("expected token after invalidate")
	}
}

func TestClientRetriesUnauthorizedOnce(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(Asset{ID: "users/x/a", UpdateTime: "2024-01-01T00:00:00.000000Z"})
	}))
	defer srv.Close()
	c := NewClient(srv.URL)
	c.Tokens = NewSession(SessionConfig{Secret: "k"})
	if _, err := c.GetAsset(context.Background(), "users/x/a"); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 requests, got %d", calls)
	}
}

func TestAPIErrorBodyIsTrimmed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "invalid_credentials"})
	}))
	defer srv.Close()
	_, err := NewClient(srv.URL).GetAsset(context.Background(), "users/x/a")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized APIError, got %v", err)
	}
	if strings.Contains(err.Error(), "\n") {
		t.Fatalf("error should be a single line: %q", err.Error())
	}
}
