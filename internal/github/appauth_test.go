package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func testKeyPEM(t *testing.T) ([]byte, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return pemData, key
}

func staticKey(pemData []byte) KeyLoader {
	return func(ctx context.Context) ([]byte, error) { return pemData, nil }
}

type fakeExchanger struct {
	calls     int
	token     string
	expiresAt time.Time
	err       error
}

func (f *fakeExchanger) Exchange(ctx context.Context, appJWT string, installationID int64) (string, time.Time, error) {
	f.calls++
	if f.err != nil {
		return "", time.Time{}, f.err
	}
	return fmt.Sprintf("%s-%d", f.token, f.calls), f.expiresAt, nil
}

func TestTokenCachedUntilRefreshBuffer(t *testing.T) {
	pemData, _ := testKeyPEM(t)
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	ex := &fakeExchanger{token: "ghs_test", expiresAt: now.Add(time.Hour)}
	auth, err := NewAppAuth(context.Background(), 1234, 567, staticKey(pemData),
		WithExchanger(ex), WithClock(clock))
	if err != nil {
		t.Fatalf("new app auth: %v", err)
	}

	first, err := auth.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	second, err := auth.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if first != second || ex.calls != 1 {
		t.Errorf("expected cached token, got %q then %q after %d exchanges", first, second, ex.calls)
	}

	// Advance to inside the refresh buffer: 56 minutes in, 4 left.
	now = now.Add(56 * time.Minute)
	ex.expiresAt = now.Add(time.Hour)
	third, err := auth.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if third == second || ex.calls != 2 {
		t.Errorf("expected refresh inside buffer, got %q after %d exchanges", third, ex.calls)
	}
}

func TestNewAppAuthValidation(t *testing.T) {
	pemData, _ := testKeyPEM(t)
	tests := []struct {
		name           string
		appID          int64
		installationID int64
		key            KeyLoader
	}{
		{"zero app id", 0, 1, staticKey(pemData)},
		{"zero installation id", 1, 0, staticKey(pemData)},
		{"garbage key", 1, 1, staticKey([]byte("not a key"))},
		{"key load failure", 1, 1, func(ctx context.Context) ([]byte, error) {
			return nil, fmt.Errorf("secret unavailable")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewAppAuth(context.Background(), tt.appID, tt.installationID, tt.key); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSignJWTClaims(t *testing.T) {
	pemData, key := testKeyPEM(t)
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	auth, err := NewAppAuth(context.Background(), 99, 1, staticKey(pemData),
		WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new app auth: %v", err)
	}

	signed, err := auth.signJWT()
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	jwt.TimeFunc = func() time.Time { return now }
	defer func() { jwt.TimeFunc = time.Now }()

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(signed, &claims, func(tok *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	})
	if err != nil || !parsed.Valid {
		t.Fatalf("parse: %v (valid=%v)", err, parsed != nil && parsed.Valid)
	}
	if claims.Issuer != "99" {
		t.Errorf("issuer = %q, want 99", claims.Issuer)
	}
	if !claims.IssuedAt.Time.Before(now) {
		t.Error("issued-at should be backdated for clock skew")
	}
	lifetime := claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time)
	if lifetime > maxJWTLifetime {
		t.Errorf("lifetime = %v, exceeds GitHub's %v cap", lifetime, maxJWTLifetime)
	}
}

func TestAPIExchanger(t *testing.T) {
	expiry := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/app/installations/42/access_tokens" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-jwt" {
			t.Errorf("authorization = %q", got)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"token":      "ghs_abc",
			"expires_at": expiry,
		})
	}))
	defer srv.Close()

	ex := NewAPIExchanger(WithBaseURL(srv.URL))
	token, expiresAt, err := ex.Exchange(context.Background(), "test-jwt", 42)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if token != "ghs_abc" || !expiresAt.Equal(expiry) {
		t.Errorf("got %q/%v, want ghs_abc/%v", token, expiresAt, expiry)
	}
}

func TestAPIExchangerErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"bad credentials"}`))
	}))
	defer srv.Close()

	ex := NewAPIExchanger(WithBaseURL(srv.URL))
	if _, _, err := ex.Exchange(context.Background(), "test-jwt", 42); err == nil {
		t.Fatal("expected error on 401")
	}
}
