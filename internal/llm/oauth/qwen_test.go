package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQwenManager_RefreshSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "stale-refresh", r.Form.Get("refresh_token"))

		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh-token",
			"expires_in":   1800,
			"resource_url": "https://dashscope-intl.aliyuncs.com",
		})
	}))
	defer srv.Close()

	m := NewQwenManager(t.TempDir() + "/creds.json")
	m.refreshURL = srv.URL

	creds, err := m.refresh(context.Background(), Credentials{RefreshToken: "stale-refresh"})
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", creds.AccessToken)
	assert.Equal(t, "https://dashscope-intl.aliyuncs.com", creds.ResourceURL)
	assert.Equal(t, "stale-refresh", creds.RefreshToken) // DashScope omitted rotation
}

func TestQwenManager_RefreshInvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer srv.Close()

	m := NewQwenManager(t.TempDir() + "/creds.json")
	m.refreshURL = srv.URL

	_, err := m.refresh(context.Background(), Credentials{RefreshToken: "stale"})
	require.Error(t, err)
	var reauth *AuthReauthError
	assert.ErrorAs(t, err, &reauth)
}

func TestDefaultQwenCredentialsPath(t *testing.T) {
	p := DefaultQwenCredentialsPath()
	assert.Contains(t, p, ".qwen")
	assert.Contains(t, p, "oauth_creds.json")
}
