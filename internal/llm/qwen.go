package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	. "github.com/roelfdiedericks/revibe/internal/logging"

	"github.com/roelfdiedericks/revibe/internal/llm/oauth"
	"github.com/roelfdiedericks/revibe/internal/llmtypes"
)

// DefaultQwenBase is the DashScope base URL used when neither the
// provider config nor the OAuth credentials supply one.
const DefaultQwenBase = "https://dashscope.aliyuncs.com/compatible-mode/v1"

// QwenAdapter speaks the OpenAI-compatible /chat/completions wire format
// with one addition: reasoning content is interleaved inline as
// <think>...</think> in the content stream, which this adapter splits
// out via ThinkingBlockParser. Auth is either a static API key or the
// Qwen-Code OAuth manager; both paths coexist per-adapter-instance.
type QwenAdapter struct {
	provider   string
	baseURL    string // configured api_base; empty means resolve per request
	apiKey     string
	oauth      *oauth.QwenManager // nil when using a static API key
	httpClient *http.Client
}

// NewQwenAdapter resolves auth in the documented order: a static API key
// from cfg.APIKeyEnvVar wins if present; otherwise it falls back to the
// Qwen-Code OAuth manager. Base URL resolution order is provider config,
// then OAuth resource_url (deferred until first use, since obtaining it
// requires a credentials read), then the DashScope default.
func NewQwenAdapter(cfg llmtypes.ProviderConfig, timeoutSeconds int) (Provider, error) {
	if timeoutSeconds == 0 {
		timeoutSeconds = DefaultTimeoutSeconds
	}
	apiKey := apiKeyFromEnv(cfg.APIKeyEnvVar)

	a := &QwenAdapter{
		provider: cfg.Name,
		baseURL:  strings.TrimSuffix(cfg.APIBase, "/"),
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout:   time.Duration(timeoutSeconds) * time.Second,
			Transport: newPooledTransport(),
		},
	}
	if apiKey == "" {
		a.oauth = oauth.NewQwenManager("")
	}
	return a, nil
}

func (a *QwenAdapter) Close() error { return nil }

// resolveBaseURL implements the provider-config > resource_url > default
// order. It must be called per-request since the OAuth resource_url is
// only known after a credentials read.
func (a *QwenAdapter) resolveBaseURL(ctx context.Context) (string, string, error) {
	if a.baseURL != "" {
		token := a.apiKey
		if a.oauth != nil {
			var err error
			token, _, err = a.oauth.EnsureAuthenticated(ctx, false)
			if err != nil {
				return "", "", NewAuthError(a.provider, a.baseURL, true, err)
			}
		}
		return a.baseURL, token, nil
	}
	if a.oauth == nil {
		return DefaultQwenBase, a.apiKey, nil
	}
	token, resourceURL, err := a.oauth.EnsureAuthenticated(ctx, false)
	if err != nil {
		return "", "", NewAuthError(a.provider, DefaultQwenBase, true, err)
	}
	if resourceURL != "" {
		return strings.TrimSuffix(resourceURL, "/"), token, nil
	}
	return DefaultQwenBase, token, nil
}

func (a *QwenAdapter) endpointFor(base string) string { return base + "/chat/completions" }

func (a *QwenAdapter) newHTTPRequest(ctx context.Context, endpoint string, body oaRequest, token string, extraHeaders map[string]string) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	return req, nil
}

// doWithAuthRetry issues req and, on a 401 while OAuth is in use, forces
// exactly one credential refresh and retries once with a freshly-signed
// request (the Authorization header must be rebuilt with the new token).
func (a *QwenAdapter) doWithAuthRetry(ctx context.Context, endpoint string, body oaRequest, token string, extraHeaders map[string]string) (*http.Response, error) {
	req, err := a.newHTTPRequest(ctx, endpoint, body, token, extraHeaders)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && a.oauth != nil {
		resp.Body.Close()
		L_debug("qwen: forcing credential refresh after 401")
		newToken, _, err := a.oauth.EnsureAuthenticated(ctx, true)
		if err != nil {
			return nil, NewAuthError(a.provider, endpoint, true, err)
		}
		req, err = a.newHTTPRequest(ctx, endpoint, body, newToken, extraHeaders)
		if err != nil {
			return nil, err
		}
		return a.httpClient.Do(req)
	}
	return resp, nil
}

func (a *QwenAdapter) Complete(ctx context.Context, opts CompleteOptions) (llmtypes.Chunk, error) {
	base, token, err := a.resolveBaseURL(ctx)
	if err != nil {
		return llmtypes.Chunk{}, err
	}
	endpoint := a.endpointFor(base)
	body := oaRequest{
		Model:       opts.Model,
		Messages:    toOAMessages(opts.Messages),
		Temperature: opts.Temperature,
		Stream:      false,
		Tools:       toOATools(opts.Tools),
		ToolChoice:  toOAToolChoice(opts.ToolChoice),
		MaxTokens:   opts.MaxTokens,
	}
	resp, err := a.doWithAuthRetry(ctx, endpoint, body, token, opts.ExtraHeaders)
	if err != nil {
		return llmtypes.Chunk{}, NewTransportError(a.provider, endpoint, opts.Model, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return llmtypes.Chunk{}, NewTransportError(a.provider, endpoint, opts.Model, err)
	}
	if resp.StatusCode != http.StatusOK {
		return llmtypes.Chunk{}, bodyToError(a.provider, endpoint, opts.Model, resp.StatusCode, data)
	}
	var parsed oaResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return llmtypes.Chunk{}, NewPayloadError(a.provider, endpoint, opts.Model, data, err)
	}
	if len(parsed.Choices) == 0 {
		return llmtypes.Chunk{}, NewPayloadError(a.provider, endpoint, opts.Model, data, fmt.Errorf("no choices in response"))
	}
	msg := deltaToMessage(parsed.Choices[0].Message)
	msg = splitThinking(msg, NewThinkingBlockParser())
	usage := llmtypes.Usage{}
	if parsed.Usage != nil {
		usage = llmtypes.Usage{PromptTokens: parsed.Usage.PromptTokens, CompletionTokens: parsed.Usage.CompletionTokens}
	}
	return llmtypes.Chunk{Message: msg, Usage: usage}, nil
}

// splitThinking runs a message's whole content through a fresh
// ThinkingBlockParser, used for the non-streaming path where the
// response arrives as one complete string rather than incremental
// deltas.
func splitThinking(msg llmtypes.Message, parser *ThinkingBlockParser) llmtypes.Message {
	if msg.Content == nil {
		return msg
	}
	content, reasoning := parser.Feed(*msg.Content)
	if content != "" {
		msg.Content = &content
	} else {
		msg.Content = nil
	}
	if reasoning != "" {
		msg.ReasoningContent = &reasoning
	}
	return msg
}

type qwenStream struct {
	adapter       *QwenAdapter
	model         string
	resp          *http.Response
	reader        *sseReader
	parser        *ThinkingBlockParser
	priorContent  string // for cumulative-content detection
	cur           llmtypes.Chunk
	err           error
	finished      bool
}

func (s *qwenStream) Next() bool {
	if s.finished {
		return false
	}
	for {
		frame, ok := s.reader.next()
		if !ok {
			if err := s.reader.err(); err != nil {
				s.err = NewTransportError(s.adapter.provider, "", s.model, err)
			}
			s.finished = true
			return false
		}
		if frame.Done {
			s.finished = true
			return false
		}
		if be := checkFrameError(s.adapter.provider, "", s.model, frame.Data); be != nil {
			s.err = be
			s.finished = true
			return false
		}
		var parsed oaResponse
		if !decodeFrame(s.adapter.provider, frame.Data, &parsed) {
			continue
		}
		if len(parsed.Choices) == 0 && parsed.Usage == nil {
			continue
		}
		msg := llmtypes.Message{Role: llmtypes.RoleAssistant}
		if len(parsed.Choices) > 0 {
			raw := deltaToMessage(parsed.Choices[0].Delta)
			msg = s.processDelta(raw)
		}
		usage := llmtypes.Usage{}
		if parsed.Usage != nil {
			usage = llmtypes.Usage{PromptTokens: parsed.Usage.PromptTokens, CompletionTokens: parsed.Usage.CompletionTokens}
		}
		s.cur = llmtypes.Chunk{Message: msg, Usage: usage}
		return true
	}
}

// processDelta applies cumulative-vs-append detection before feeding
// content through the thinking-block parser, since some DashScope
// deployments emit the full content-so-far on every frame rather than a
// true incremental delta.
func (s *qwenStream) processDelta(raw llmtypes.Message) llmtypes.Message {
	if raw.Content == nil {
		return raw
	}
	delta := cumulativeDelta(s.priorContent, *raw.Content)
	s.priorContent = *raw.Content
	content, reasoning := s.parser.Feed(delta)
	out := raw
	out.Content = nil
	out.ReasoningContent = nil
	if content != "" {
		out.Content = &content
	}
	if reasoning != "" {
		out.ReasoningContent = &reasoning
	}
	return out
}

func (s *qwenStream) Chunk() llmtypes.Chunk { return s.cur }
func (s *qwenStream) Err() error            { return s.err }
func (s *qwenStream) Close() error          { return s.resp.Body.Close() }

func (a *QwenAdapter) CompleteStreaming(ctx context.Context, opts CompleteOptions) (Stream, error) {
	base, token, err := a.resolveBaseURL(ctx)
	if err != nil {
		return nil, err
	}
	endpoint := a.endpointFor(base)
	body := oaRequest{
		Model:       opts.Model,
		Messages:    toOAMessages(opts.Messages),
		Temperature: opts.Temperature,
		Stream:      true,
		Tools:       toOATools(opts.Tools),
		ToolChoice:  toOAToolChoice(opts.ToolChoice),
		MaxTokens:   opts.MaxTokens,
	}
	resp, err := a.doWithAuthRetry(ctx, endpoint, body, token, opts.ExtraHeaders)
	if err != nil {
		return nil, NewTransportError(a.provider, endpoint, opts.Model, err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, bodyToError(a.provider, endpoint, opts.Model, resp.StatusCode, data)
	}
	return &qwenStream{adapter: a, model: opts.Model, resp: resp, reader: newSSEReader(resp.Body), parser: NewThinkingBlockParser()}, nil
}

func (a *QwenAdapter) CountTokens(ctx context.Context, opts CompleteOptions) (int, error) {
	opts.MaxTokens = 1
	chunk, err := a.Complete(ctx, opts)
	if err != nil {
		return 0, err
	}
	if chunk.Usage.PromptTokens == 0 {
		return 0, NewPayloadError(a.provider, "", opts.Model, nil, fmt.Errorf("missing usage"))
	}
	return chunk.Usage.PromptTokens, nil
}

// ListModels returns DashScope's fixed Qwen-Code catalogue.
func (a *QwenAdapter) ListModels(ctx context.Context) ([]string, error) {
	return []string{"qwen3-coder-plus", "qwen3-coder-flash"}, nil
}
