package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expiryMargin renews installation tokens before they actually lapse
// so an in-flight push never carries a token that dies mid-transfer.
const expiryMargin = 5 * time.Minute

// ErrRateLimited is returned while the forge's API quota is exhausted.
var ErrRateLimited = errors.New("forge API rate limit exhausted")

// Installation mints installation access tokens for an app identity:
// a short-lived RS256 JWT proves the app, the forge exchanges it for
// a scoped token. Tokens are cached until close to expiry.
type Installation struct {
	appID          string
	installationID string
	key            *rsa.PrivateKey
	apiBase        string
	client         *http.Client
	now            func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time

	// Rate limit state from the last exchange.
	remaining int
	reset     time.Time
}

// NewInstallation loads the app's private key from keyPath.
func NewInstallation(appID, installationID, keyPath, apiBase string) (*Installation, error) {
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read app key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("failed to parse app key: %w", err)
	}
	if apiBase == "" {
		apiBase = "https://api.github.com"
	}
	return &Installation{
		appID:          appID,
		installationID: installationID,
		key:            key,
		apiBase:        apiBase,
		client:         &http.Client{Timeout: 30 * time.Second},
		now:            time.Now,
		remaining:      -1,
	}, nil
}

// Token implements TokenSource, serving from cache while the current
// token has more than expiryMargin left.
func (i *Installation) Token(ctx context.Context) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	if i.token != "" && now.Before(i.expires.Add(-expiryMargin)) {
		return i.token, nil
	}
	if i.remaining == 0 && now.Before(i.reset) {
		return "", fmt.Errorf("%w until %s", ErrRateLimited, i.reset.UTC().Format(time.RFC3339))
	}
	return i.exchange(ctx)
}

// appJWT signs the app-identity JWT. Issued-at is backdated a minute
// to absorb clock skew between us and the forge.
func (i *Installation) appJWT() (string, error) {
	now := i.now()
	claims := jwt.RegisteredClaims{
		Issuer:    i.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(i.key)
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (i *Installation) exchange(ctx context.Context) (string, error) {
	signed, err := i.appJWT()
	if err != nil {
		return "", fmt.Errorf("failed to sign app JWT: %w", err)
	}

	endpoint := fmt.Sprintf("%s/app/installations/%s/access_tokens", i.apiBase, i.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+signed)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := i.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange failed: %w", err)
	}
	defer resp.Body.Close()

	i.readRateLimit(resp.Header)

	if resp.StatusCode == http.StatusForbidden && i.remaining == 0 {
		return "", fmt.Errorf("%w until %s", ErrRateLimited, i.reset.UTC().Format(time.RFC3339))
	}
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("token exchange returned %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.Token == "" {
		return "", errors.New("token exchange returned empty token")
	}
	i.token = tr.Token
	i.expires = tr.ExpiresAt
	return i.token, nil
}

func (i *Installation) readRateLimit(h http.Header) {
	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			i.remaining = n
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			i.reset = time.Unix(sec, 0)
		}
	}
}
