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

func writeFreshAntigravityCreds(t *testing.T, path string) {
	t.Helper()
	creds := map[string]any{
		"access_token":  "fresh-token",
		"refresh_token": "refresh-token",
		"expires_at":    time.Now().Add(1 * time.Hour).Unix(),
		"project_id":    "proj-123",
	}
	data, err := json.Marshal(creds)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))
}

func newTestAntigravityAdapter(t *testing.T, baseURL string) *AntigravityAdapter {
	t.Helper()
	credPath := filepath.Join(t.TempDir(), "antigravity_creds.json")
	writeFreshAntigravityCreds(t, credPath)
	return &AntigravityAdapter{
		provider:   "test",
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		oauth:      oauth.NewAntigravityManager(credPath),
	}
}

func TestAntigravityAdapter_S2FunctionCallSplitAcrossFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"response\":{\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"functionCall\":{\"name\":\"read_file\",\"args\":{\"path\":\"/a\"}}}]}}]}}\n\n")
		fmt.Fprint(w, "data: {\"response\":{\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"functionCall\":{\"name\":\"read_file\",\"args\":{\"offset\":0}}}]}}]}}\n\n")
	}))
	defer srv.Close()

	a := newTestAntigravityAdapter(t, srv.URL)
	stream, err := a.CompleteStreaming(context.Background(), CompleteOptions{
		Model:    "gemini-2.5-pro",
		Messages: []llmtypes.Message{{Role: llmtypes.RoleUser, Content: strPtrLLM("hi")}},
	})
	require.NoError(t, err)
	defer stream.Close()

	var calls []*llmtypes.ToolCall
	for stream.Next() {
		c := stream.Chunk()
		calls = append(calls, c.Message.ToolCalls...)
	}
	require.NoError(t, stream.Err())
	require.Len(t, calls, 2)
	assert.Equal(t, 0, calls[0].Index)
	assert.Equal(t, 0, calls[1].Index)
	assert.Equal(t, `{"path":"/a"}`, *calls[0].Function.Arguments)
	assert.Equal(t, `{"offset":0}`, *calls[1].Function.Arguments)
}

func TestAntigravityAdapter_S5ForcedRefreshOn403(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		auth := r.Header.Get("Authorization")
		if requests == 1 {
			assert.Equal(t, "Bearer fresh-token", auth)
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"error":{"message":"insufficient scope"}}`)
			return
		}
		assert.Equal(t, "Bearer refreshed-token", auth)
		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"hi"}]}}],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":1}}`)
	}))
	defer srv.Close()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"refreshed-token","expires_in":3600}`)
	}))
	defer tokenSrv.Close()

	credPath := filepath.Join(t.TempDir(), "antigravity_creds.json")
	writeFreshAntigravityCreds(t, credPath)
	mgr := oauth.NewAntigravityManagerWithEndpoints(credPath, "", tokenSrv.URL)

	a := &AntigravityAdapter{
		provider:   "test",
		baseURL:    srv.URL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		oauth:      mgr,
	}

	chunk, err := a.Complete(context.Background(), CompleteOptions{
		Model:    "gemini-2.5-pro",
		Messages: []llmtypes.Message{{Role: llmtypes.RoleUser, Content: strPtrLLM("hi")}},
	})
	require.NoError(t, err)
	require.NotNil(t, chunk.Message.Content)
	assert.Equal(t, "hi", *chunk.Message.Content)
	assert.Equal(t, 2, requests)
}

func TestToolCallIndexer_StableAcrossFragments(t *testing.T) {
	idx := newToolCallIndexer()
	names := []string{"read_file", "write_file", "read_file", "list_dir", "write_file", "read_file"}
	var indices []int
	for _, n := range names {
		indices = append(indices, idx.indexFor(n))
	}
	assert.Equal(t, []int{0, 1, 0, 2, 1, 0}, indices)
}

func TestAGContentToMessage_SeparatesThoughtFromContent(t *testing.T) {
	idx := newToolCallIndexer()
	msg := agContentToMessage(agContent{
		Role: "model",
		Parts: []agPart{
			{Text: "reasoning here", Thought: true},
			{Text: "visible answer"},
		},
	}, idx)
	require.NotNil(t, msg.ReasoningContent)
	require.NotNil(t, msg.Content)
	assert.Equal(t, "reasoning here", *msg.ReasoningContent)
	assert.Equal(t, "visible answer", *msg.Content)
}

func strPtrLLM(s string) *string { return &s }
