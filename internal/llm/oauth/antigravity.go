package oauth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/roelfdiedericks/revibe/internal/paths"
	. "github.com/roelfdiedericks/revibe/internal/logging"
)

// DefaultAntigravityAuthURL and DefaultAntigravityTokenURL are Google's
// OAuth2 endpoints for the Antigravity gateway's public client.
const (
	DefaultAntigravityAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	DefaultAntigravityTokenURL = "https://oauth2.googleapis.com/token"

	// DefaultAntigravityClientID is the public (PKCE, no secret) client
	// id registered for the Antigravity gateway.
	DefaultAntigravityClientID = "antigravity-cli"

	// DefaultProjectID is used when onboarding never populated
	// credentials.project_id; never inferred from the access token.
	DefaultProjectID = "antigravity-default"
)

// AntigravityManager performs the PKCE loopback authorization-code flow
// against Google and maintains bearer token + project id credentials for
// the Antigravity gateway.
type AntigravityManager struct {
	*manager
	authURL    string
	tokenURL   string
	clientID   string
	httpClient *http.Client
}

// DefaultAntigravityCredentialsPath returns this project's platform
// config path for Antigravity credentials.
func DefaultAntigravityCredentialsPath() string {
	p, err := paths.DataPath("antigravity_creds.json")
	if err != nil {
		return "antigravity_creds.json"
	}
	return p
}

// NewAntigravityManager builds a manager rooted at path
// (DefaultAntigravityCredentialsPath if empty).
func NewAntigravityManager(path string) *AntigravityManager {
	return NewAntigravityManagerWithEndpoints(path, DefaultAntigravityAuthURL, DefaultAntigravityTokenURL)
}

// NewAntigravityManagerWithEndpoints builds a manager against a
// non-default authorize/token endpoint pair, for Google Workspace
// organizations that front the OAuth2 endpoints with their own proxy.
func NewAntigravityManagerWithEndpoints(path, authURL, tokenURL string) *AntigravityManager {
	if path == "" {
		path = DefaultAntigravityCredentialsPath()
	}
	return &AntigravityManager{
		manager:    newManager("antigravity", path),
		authURL:    authURL,
		tokenURL:   tokenURL,
		clientID:   DefaultAntigravityClientID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// EnsureAuthenticated returns a usable access token and project id,
// refreshing if forced or the cached token is within RefreshSkew of
// expiry. projectID falls back to DefaultProjectID when the credentials
// have never recorded one.
func (m *AntigravityManager) EnsureAuthenticated(ctx context.Context, forceRefresh bool) (accessToken, projectID string, err error) {
	creds, err := m.ensure(ctx, forceRefresh, m.refresh)
	if err != nil {
		return "", "", err
	}
	projectID = creds.ProjectID
	if projectID == "" {
		projectID = DefaultProjectID
	}
	return creds.AccessToken, projectID, nil
}

type antigravityTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
}

func (m *AntigravityManager) refresh(ctx context.Context, stale Credentials) (Credentials, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", stale.RefreshToken)
	form.Set("client_id", m.clientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("antigravity: refresh request: %w", err)
	}
	defer resp.Body.Close()

	var tr antigravityTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Credentials{}, fmt.Errorf("antigravity: decoding refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || tr.Error == "invalid_grant" {
		return Credentials{}, &AuthReauthError{Provider: "antigravity", Cause: fmt.Errorf("refresh rejected: status=%d error=%s", resp.StatusCode, tr.Error)}
	}

	refreshToken := tr.RefreshToken
	if refreshToken == "" {
		refreshToken = stale.RefreshToken
	}
	return Credentials{
		AccessToken:  tr.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second).Unix(),
		ProjectID:    stale.ProjectID,
	}, nil
}

// pkceParams holds one authorization attempt's verifier/challenge/state.
type pkceParams struct {
	verifier  string
	challenge string
	state     string
}

func newPKCEParams() (pkceParams, error) {
	verifierBytes := make([]byte, 32)
	if _, err := rand.Read(verifierBytes); err != nil {
		return pkceParams{}, fmt.Errorf("antigravity: generating code_verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)

	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return pkceParams{}, fmt.Errorf("antigravity: generating state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(stateBytes)

	return pkceParams{verifier: verifier, challenge: challenge, state: state}, nil
}

// Authorize drives the full PKCE loopback flow: opens a single-shot local
// HTTP listener, builds the authorization URL (which the caller is
// responsible for presenting to the user, e.g. opening a browser),
// blocks until the redirect lands or ctx is cancelled, exchanges the
// authorization code for tokens, and persists the result.
//
// openURL is invoked with the URL the user must visit; it is a parameter
// rather than a hard os/exec "open browser" call so callers (tests, a
// headless CLI) can intercept it.
func (m *AntigravityManager) Authorize(ctx context.Context, openURL func(string) error) error {
	listener, err := newLoopbackListener()
	if err != nil {
		return fmt.Errorf("antigravity: starting loopback listener: %w", err)
	}
	defer listener.Close()

	params, err := newPKCEParams()
	if err != nil {
		return err
	}

	authURL := m.buildAuthURL(listener.redirectURI, params)
	L_info("antigravity: opening authorization URL", "url", authURL)
	if err := openURL(authURL); err != nil {
		return fmt.Errorf("antigravity: opening browser: %w", err)
	}

	code, err := listener.awaitCallback(ctx, params.state)
	if err != nil {
		return err
	}

	creds, err := m.exchangeCode(ctx, code, params.verifier, listener.redirectURI)
	if err != nil {
		return err
	}
	if err := atomicWriteCredentials(m.path, creds); err != nil {
		return err
	}
	m.lock()
	m.cached = creds
	m.loaded = true
	m.unlock()
	return nil
}

func (m *AntigravityManager) buildAuthURL(redirectURI string, p pkceParams) string {
	q := url.Values{}
	q.Set("client_id", m.clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "code")
	q.Set("scope", "openid email profile")
	q.Set("code_challenge", p.challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", p.state)
	return m.authURL + "?" + q.Encode()
}

type antigravityCodeExchange struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (m *AntigravityManager) exchangeCode(ctx context.Context, code, verifier, redirectURI string) (Credentials, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("code_verifier", verifier)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", m.clientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("antigravity: code exchange request: %w", err)
	}
	defer resp.Body.Close()

	var ex antigravityCodeExchange
	if err := json.NewDecoder(resp.Body).Decode(&ex); err != nil {
		return Credentials{}, fmt.Errorf("antigravity: decoding code exchange response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Credentials{}, fmt.Errorf("antigravity: code exchange failed: status=%d", resp.StatusCode)
	}

	return Credentials{
		AccessToken:  ex.AccessToken,
		RefreshToken: ex.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(ex.ExpiresIn) * time.Second).Unix(),
	}, nil
}

// RequestID returns a "py-" prefixed 16-hex-digit request id, matching
// the Antigravity wire format's requestId field (the original client
// generates this as f"py-{secrets.token_hex(8)}").
func RequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		L_warn("antigravity: request id randomness failed, falling back to zeroed bytes", "error", err)
	}
	return "py-" + hex.EncodeToString(b)
}
