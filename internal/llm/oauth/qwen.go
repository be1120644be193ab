package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// DefaultQwenRefreshURL is the fixed DashScope token refresh endpoint.
const DefaultQwenRefreshURL = "https://chat.qwen.ai/api/v1/oauth2/token"

// QwenManager reads pre-existing Qwen-Code CLI credentials from a
// well-known path and refreshes them via DashScope's refresh-token
// endpoint. It does not perform the initial device-authorization flow
// itself: that is the CLI onboarding step this project treats as an
// external collaborator, per the credentials contract in spec section
// 4.3 ("reading pre-existing CLI credentials").
type QwenManager struct {
	*manager
	refreshURL string
	httpClient *http.Client
}

// DefaultQwenCredentialsPath returns the platform-standard path the Qwen
// CLI itself writes to.
func DefaultQwenCredentialsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".qwen", "oauth_creds.json")
}

// NewQwenManager builds a manager rooted at path (DefaultQwenCredentialsPath
// if empty).
func NewQwenManager(path string) *QwenManager {
	return NewQwenManagerWithEndpoint(path, DefaultQwenRefreshURL)
}

// NewQwenManagerWithEndpoint builds a manager against a non-default
// refresh endpoint, e.g. a self-hosted DashScope-compatible gateway.
func NewQwenManagerWithEndpoint(path, refreshURL string) *QwenManager {
	if path == "" {
		path = DefaultQwenCredentialsPath()
	}
	return &QwenManager{
		manager:    newManager("qwen", path),
		refreshURL: refreshURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// EnsureAuthenticated returns a usable access token, refreshing if
// forceRefresh is set or the cached token is within RefreshSkew of
// expiry. ResourceURL, when present, is the provider's base URL override
// discovered from the credentials themselves.
func (m *QwenManager) EnsureAuthenticated(ctx context.Context, forceRefresh bool) (accessToken, resourceURL string, err error) {
	creds, err := m.ensure(ctx, forceRefresh, m.refresh)
	if err != nil {
		return "", "", err
	}
	return creds.AccessToken, creds.ResourceURL, nil
}

type qwenTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ResourceURL  string `json:"resource_url"`
	Error        string `json:"error"`
}

func (m *QwenManager) refresh(ctx context.Context, stale Credentials) (Credentials, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", stale.RefreshToken)
	form.Set("client_id", "f0304373b74a44d2b584a3fb70ca9e56")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.refreshURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("qwen: refresh request: %w", err)
	}
	defer resp.Body.Close()

	var tr qwenTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Credentials{}, fmt.Errorf("qwen: decoding refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || tr.Error == "invalid_grant" {
		return Credentials{}, &AuthReauthError{Provider: "qwen", Cause: fmt.Errorf("refresh rejected: status=%d error=%s", resp.StatusCode, tr.Error)}
	}

	resourceURL := tr.ResourceURL
	if resourceURL == "" {
		resourceURL = stale.ResourceURL
	}
	refreshToken := tr.RefreshToken
	if refreshToken == "" {
		refreshToken = stale.RefreshToken // DashScope may omit it on rotation-less refresh
	}
	return Credentials{
		AccessToken:  tr.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second).Unix(),
		ResourceURL:  resourceURL,
	}, nil
}
