package paypal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// tokenSource acquires and reuses OAuth2 client-credentials tokens for the
// Orders API. Tokens are refreshed shortly before expiry.
type tokenSource struct {
	baseURL      string
	clientID     string
	clientSecret string
	http         Doer

	mu      sync.Mutex
	token   string
	expires time.Time
}

const tokenExpirySlack = 60 * time.Second

func (t *tokenSource) accessToken(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.token != "" && time.Now().Add(tokenExpirySlack).Before(t.expires) {
		token := t.token
		t.mu.Unlock()
		return token, nil
	}
	t.mu.Unlock()

	body := strings.NewReader("grant_type=client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/oauth2/token", body)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(t.clientID, t.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.http.Do(ctx, req)
	if err != nil {
		return "", fmt.Errorf("paypal: token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("paypal: token request returned %s", resp.Status)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("paypal: decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("paypal: token response missing access_token")
	}

	t.mu.Lock()
	t.token = payload.AccessToken
	t.expires = time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	t.mu.Unlock()
	return payload.AccessToken, nil
}

func (t *tokenSource) invalidate() {
	t.mu.Lock()
	t.token = ""
	t.expires = time.Time{}
	t.mu.Unlock()
}
