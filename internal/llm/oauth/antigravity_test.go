package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPKCEParams(t *testing.T) {
	p, err := newPKCEParams()
	require.NoError(t, err)

	assert.NotEmpty(t, p.verifier)
	assert.NotEmpty(t, p.state)

	sum := sha256.Sum256([]byte(p.verifier))
	wantChallenge := base64.RawURLEncoding.EncodeToString(sum[:])
	assert.Equal(t, wantChallenge, p.challenge)

	// Two independent calls must not collide.
	q, err := newPKCEParams()
	require.NoError(t, err)
	assert.NotEqual(t, p.verifier, q.verifier)
	assert.NotEqual(t, p.state, q.state)
}

func TestBuildAuthURL(t *testing.T) {
	m := NewAntigravityManager(t.TempDir() + "/creds.json")
	p, err := newPKCEParams()
	require.NoError(t, err)

	authURL := m.buildAuthURL("http://127.0.0.1:54321/callback", p)
	assert.True(t, strings.HasPrefix(authURL, DefaultAntigravityAuthURL+"?"))
	assert.Contains(t, authURL, "code_challenge_method=S256")
	assert.Contains(t, authURL, "state="+p.state)
}

func TestAntigravityManager_RefreshInvalidGrantIsReauth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer srv.Close()

	m := NewAntigravityManager(t.TempDir() + "/creds.json")
	m.tokenURL = srv.URL

	_, err := m.refresh(context.Background(), Credentials{RefreshToken: "stale"})
	require.Error(t, err)
	var reauth *AuthReauthError
	assert.ErrorAs(t, err, &reauth)
}

func TestAntigravityManager_RefreshSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-token",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	m := NewAntigravityManager(t.TempDir() + "/creds.json")
	m.tokenURL = srv.URL

	creds, err := m.refresh(context.Background(), Credentials{RefreshToken: "stale", ProjectID: "carried-over"})
	require.NoError(t, err)
	assert.Equal(t, "new-token", creds.AccessToken)
	assert.Equal(t, "carried-over", creds.ProjectID)
}

var requestIDPattern = regexp.MustCompile(`^py-[0-9a-f]{16}$`)

func TestRequestID_Format(t *testing.T) {
	id := RequestID()
	assert.Regexp(t, requestIDPattern, id)
	assert.NotEqual(t, id, RequestID())
}
