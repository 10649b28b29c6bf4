// Package github implements GitHub App authentication for the tracker
// gateway: a short-lived RS256 JWT is exchanged for an installation token,
// which is cached and refreshed shortly before it expires.
package github

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// GitHub rejects app JWTs valid for longer than 10 minutes.
const maxJWTLifetime = 10 * time.Minute

// refreshBuffer is how long before expiry a cached installation token is
// considered stale. Installation tokens live one hour.
const refreshBuffer = 5 * time.Minute

// KeyLoader produces the app's private key PEM. Implementations read a local
// file or a Secret Manager path.
type KeyLoader func(ctx context.Context) ([]byte, error)

// AppAuth holds app credentials and a cached installation token. It
// implements the tracker gateway's TokenSource.
type AppAuth struct {
	appID          int64
	installationID int64
	key            *rsa.PrivateKey
	exchange       Exchanger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	now       func() time.Time
}

// Exchanger trades an app JWT for an installation token.
type Exchanger interface {
	Exchange(ctx context.Context, appJWT string, installationID int64) (string, time.Time, error)
}

// AuthOption configures AppAuth.
type AuthOption func(*AppAuth)

// WithExchanger replaces the token exchanger (tests).
func WithExchanger(e Exchanger) AuthOption {
	return func(a *AppAuth) { a.exchange = e }
}

// WithClock replaces the clock (tests).
func WithClock(now func() time.Time) AuthOption {
	return func(a *AppAuth) { a.now = now }
}

// NewAppAuth parses the private key and builds the token source. The key is
// parsed eagerly so bad credentials fail at startup, not mid-dispatch.
func NewAppAuth(ctx context.Context, appID, installationID int64, loadKey KeyLoader, opts ...AuthOption) (*AppAuth, error) {
	if appID <= 0 {
		return nil, fmt.Errorf("app id must be positive")
	}
	if installationID <= 0 {
		return nil, fmt.Errorf("installation id must be positive")
	}
	pemData, err := loadKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load app private key: %w", err)
	}
	key, err := parseRSAKey(pemData)
	if err != nil {
		return nil, err
	}

	a := &AppAuth{
		appID:          appID,
		installationID: installationID,
		key:            key,
		exchange:       NewAPIExchanger(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Token returns a valid installation token, refreshing when the cached one
// is missing or inside the refresh buffer.
func (a *AppAuth) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && a.expiresAt.After(a.now().Add(refreshBuffer)) {
		return a.token, nil
	}

	appJWT, err := a.signJWT()
	if err != nil {
		return "", err
	}
	token, expiresAt, err := a.exchange.Exchange(ctx, appJWT, a.installationID)
	if err != nil {
		return "", fmt.Errorf("failed to exchange app JWT: %w", err)
	}
	a.token = token
	a.expiresAt = expiresAt
	return token, nil
}

// ExpiresAt returns the cached token's expiry, zero when none was fetched.
func (a *AppAuth) ExpiresAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expiresAt
}

func parseRSAKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("private key is not PEM encoded")
	}
	if block.Type == "RSA PRIVATE KEY" {
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#1 key: %w", err)
		}
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}

// APIExchanger calls the GitHub REST API to mint installation tokens.
type APIExchanger struct {
	client  *http.Client
	baseURL string
}

// ExchangerOption configures an APIExchanger.
type ExchangerOption func(*APIExchanger)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) ExchangerOption {
	return func(e *APIExchanger) { e.client = c }
}

// WithBaseURL points the exchanger at a different API host (tests).
func WithBaseURL(url string) ExchangerOption {
	return func(e *APIExchanger) { e.baseURL = url }
}

// NewAPIExchanger creates an exchanger against api.github.com.
func NewAPIExchanger(opts ...ExchangerOption) *APIExchanger {
	e := &APIExchanger{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: "https://api.github.com",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type apiError struct {
	Message string `json:"message"`
}

// Exchange posts the app JWT to the installation access-token endpoint.
func (e *APIExchanger) Exchange(ctx context.Context, appJWT string, installationID int64) (string, time.Time, error) {
	if appJWT == "" {
		return "", time.Time{}, fmt.Errorf("app JWT cannot be empty")
	}
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", e.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return "", time.Time{}, fmt.Errorf("token exchange returned %d: %s", resp.StatusCode, apiErr.Message)
		}
		return "", time.Time{}, fmt.Errorf("token exchange returned %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", time.Time{}, fmt.Errorf("malformed token response: %w", err)
	}
	return tr.Token, tr.ExpiresAt, nil
}

// appIDString renders the issuer claim. GitHub expects the numeric app id as
// a string.
func (a *AppAuth) appIDString() string {
	return strconv.FormatInt(a.appID, 10)
}
