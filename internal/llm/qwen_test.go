package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/revibe/internal/llm/oauth"
	"github.com/roelfdiedericks/revibe/internal/llmtypes"
)

func writeFreshQwenCreds(t *testing.T, path string) {
	t.Helper()
	creds := map[string]any{
		"access_token":  "stale-token",
		"refresh_token": "refresh-token",
		"expires_at":    time.Now().Add(1 * time.Hour).Unix(),
	}
	data, err := json.Marshal(creds)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))
}

func newTestQwenOAuthAdapter(t *testing.T, apiBaseURL, tokenURL string) *QwenAdapter {
	t.Helper()
	credPath := filepath.Join(t.TempDir(), "oauth_creds.json")
	writeFreshQwenCreds(t, credPath)
	return &QwenAdapter{
		provider:   "test",
		baseURL:    apiBaseURL,
		oauth:      oauth.NewQwenManagerWithEndpoint(credPath, tokenURL),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// TestQwenAdapter_S4AuthRetrySucceedsOnSecondRequest covers the exactly-once
// retry scenario: the first request 401s, refresh succeeds, the retried
// request returns 200, and exactly two upstream requests are made.
func TestQwenAdapter_S4AuthRetrySucceedsOnSecondRequest(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			assert.Equal(t, "Bearer stale-token", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"message":"token expired"}}`)
			return
		}
		assert.Equal(t, "Bearer new-token", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"hi there"}}],"usage":{"prompt_tokens":3,"completion_tokens":2}}`)
	}))
	defer srv.Close()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.FormValue("grant_type"))
		assert.Equal(t, "refresh-token", r.FormValue("refresh_token"))
		fmt.Fprint(w, `{"access_token":"new-token","expires_in":3600}`)
	}))
	defer tokenSrv.Close()

	a := newTestQwenOAuthAdapter(t, srv.URL, tokenSrv.URL)
	chunk, err := a.Complete(context.Background(), CompleteOptions{
		Model:    "qwen3-coder-plus",
		Messages: []llmtypes.Message{{Role: llmtypes.RoleUser, Content: strPtrLLM("hi")}},
	})
	require.NoError(t, err)
	require.NotNil(t, chunk.Message.Content)
	assert.Equal(t, "hi there", *chunk.Message.Content)
	assert.Equal(t, 2, requests)
}

// TestQwenAdapter_Property7AuthRetryExactlyOnce_DoubleFailure covers the
// other half of the property: a server that 401s twice yields an auth
// error with exactly two requests issued, never a third blind retry.
func TestQwenAdapter_Property7AuthRetryExactlyOnce_DoubleFailure(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"still invalid"}}`)
	}))
	defer srv.Close()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"new-token","expires_in":3600}`)
	}))
	defer tokenSrv.Close()

	a := newTestQwenOAuthAdapter(t, srv.URL, tokenSrv.URL)
	_, err := a.Complete(context.Background(), CompleteOptions{
		Model:    "qwen3-coder-plus",
		Messages: []llmtypes.Message{{Role: llmtypes.RoleUser, Content: strPtrLLM("hi")}},
	})
	require.Error(t, err)

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindAuth, be.Kind)
	assert.Equal(t, 2, requests)
}

// TestQwenAdapter_StreamingInlineThinkingSplitAcrossFrames exercises the
// processDelta/cumulativeDelta/ThinkingBlockParser wiring: DashScope
// emits content cumulatively (full content-so-far per frame) with a
// <think>...</think> block straddling frame boundaries.
func TestQwenAdapter_StreamingInlineThinkingSplitAcrossFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"A\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"A<think>B\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"A<think>B</think>C\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	a := &QwenAdapter{provider: "test", baseURL: srv.URL, httpClient: &http.Client{Timeout: 5 * time.Second}}
	stream, err := a.CompleteStreaming(context.Background(), CompleteOptions{
		Model:    "qwen3-coder-plus",
		Messages: []llmtypes.Message{{Role: llmtypes.RoleUser, Content: strPtrLLM("hi")}},
	})
	require.NoError(t, err)
	defer stream.Close()

	var content, reasoning string
	for stream.Next() {
		c := stream.Chunk()
		if c.Message.Content != nil {
			content += *c.Message.Content
		}
		if c.Message.ReasoningContent != nil {
			reasoning += *c.Message.ReasoningContent
		}
	}
	require.NoError(t, stream.Err())
	assert.Equal(t, "AC", content)
	assert.Equal(t, "B", reasoning)
}

func TestQwenAdapter_StaticAPIKeySkipsOAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-static", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`)
	}))
	defer srv.Close()

	a := &QwenAdapter{provider: "test", baseURL: srv.URL, apiKey: "sk-static", httpClient: &http.Client{Timeout: 5 * time.Second}}
	chunk, err := a.Complete(context.Background(), CompleteOptions{Model: "qwen3-coder-plus"})
	require.NoError(t, err)
	require.NotNil(t, chunk.Message.Content)
	assert.Equal(t, "ok", *chunk.Message.Content)
}
