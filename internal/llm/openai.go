package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	. "github.com/roelfdiedericks/revibe/internal/logging"

	"github.com/roelfdiedericks/revibe/internal/llmtypes"
)

// OpenAIAdapter speaks the generic OpenAI-compatible /chat/completions
// wire format shared by OpenAI, Groq, Cerebras, Ollama, HuggingFace,
// Mistral, and any other "generic" backend. Streaming is hand-rolled
// against the shared SSE primitives (not the go-openai SDK client)
// because this project needs raw frame access the SDK's client does not
// expose.
type OpenAIAdapter struct {
	provider   string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	isOllama   bool
}

// NewOpenAIAdapter builds an adapter from a resolved provider config. The
// API key, if any, is read from cfg.APIKeyEnvVar.
func NewOpenAIAdapter(cfg llmtypes.ProviderConfig, timeoutSeconds int) (Provider, error) {
	if timeoutSeconds == 0 {
		timeoutSeconds = DefaultTimeoutSeconds
	}
	baseURL := strings.TrimSuffix(cfg.APIBase, "/")
	if baseURL == "" {
		return nil, NewConfigError(cfg.Name, "", "openai-family provider requires api_base")
	}
	apiKey := apiKeyFromEnv(cfg.APIKeyEnvVar)

	return &OpenAIAdapter{
		provider: cfg.Name,
		baseURL:  baseURL,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout:   time.Duration(timeoutSeconds) * time.Second,
			Transport: newPooledTransport(),
		},
		isOllama: cfg.Backend == llmtypes.BackendOllama,
	}, nil
}

func apiKeyFromEnv(envVar string) string {
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// newPooledTransport enforces the shared-resources budget: at most 5
// keep-alive connections, 10 total, per adapter instance.
func newPooledTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConnsPerHost = 5
	t.MaxConnsPerHost = 10
	return t
}

func (a *OpenAIAdapter) Close() error { return nil }

// oaMessage is the OpenAI wire shape for one message.
type oaMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	ToolCalls  []oaToolCall   `json:"tool_calls,omitempty"`
	ToolCallID *string        `json:"tool_call_id,omitempty"`
}

type oaToolCall struct {
	Index    *int          `json:"index,omitempty"`
	ID       *string       `json:"id,omitempty"`
	Type     string        `json:"type,omitempty"`
	Function oaFunctionCall `json:"function"`
}

type oaFunctionCall struct {
	Name      *string `json:"name,omitempty"`
	Arguments *string `json:"arguments,omitempty"`
}

type oaTool struct {
	Type     string   `json:"type"`
	Function oaToolFn `json:"function"`
}

type oaToolFn struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type oaRequest struct {
	Model       string      `json:"model"`
	Messages    []oaMessage `json:"messages"`
	Temperature float64     `json:"temperature"`
	Stream      bool        `json:"stream"`
	Tools       []oaTool    `json:"tools,omitempty"`
	ToolChoice  any         `json:"tool_choice,omitempty"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
}

type oaUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type oaDelta struct {
	Content   *string      `json:"content"`
	ToolCalls []oaToolCall `json:"tool_calls,omitempty"`
}

type oaChoice struct {
	Delta   oaDelta `json:"delta"`
	Message oaDelta `json:"message"` // non-streaming response reuses the same shape
}

type oaResponse struct {
	Choices []oaChoice `json:"choices"`
	Usage   *oaUsage   `json:"usage,omitempty"`
}

func toOAMessages(messages []llmtypes.Message) []oaMessage {
	out := make([]oaMessage, 0, len(messages))
	for _, m := range messages {
		om := oaMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			idx := tc.Index
			om.ToolCalls = append(om.ToolCalls, oaToolCall{
				Index: &idx,
				ID:    tc.ID,
				Type:  "function",
				Function: oaFunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func toOATools(tools []llmtypes.AvailableTool) []oaTool {
	out := make([]oaTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, oaTool{
			Type: "function",
			Function: oaToolFn{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	return out
}

func toOAToolChoice(tc *ToolChoice) any {
	if tc == nil {
		return nil
	}
	switch tc.Mode {
	case "auto":
		return "auto"
	case "none":
		return "none"
	case "any":
		return "required"
	case "tool":
		return map[string]any{"type": "function", "function": map[string]any{"name": tc.Tool}}
	default:
		return nil
	}
}

func (a *OpenAIAdapter) buildRequest(opts CompleteOptions, stream bool) oaRequest {
	return oaRequest{
		Model:       opts.Model,
		Messages:    toOAMessages(opts.Messages),
		Temperature: opts.Temperature,
		Stream:      stream,
		Tools:       toOATools(opts.Tools),
		ToolChoice:  toOAToolChoice(opts.ToolChoice),
		MaxTokens:   opts.MaxTokens,
	}
}

func (a *OpenAIAdapter) endpoint() string {
	return a.baseURL + "/chat/completions"
}

func (a *OpenAIAdapter) newHTTPRequest(ctx context.Context, body oaRequest, extraHeaders map[string]string) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Complete issues a single non-streaming request.
func (a *OpenAIAdapter) Complete(ctx context.Context, opts CompleteOptions) (llmtypes.Chunk, error) {
	body := a.buildRequest(opts, false)
	req, err := a.newHTTPRequest(ctx, body, opts.ExtraHeaders)
	if err != nil {
		return llmtypes.Chunk{}, NewTransportError(a.provider, a.endpoint(), opts.Model, err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return llmtypes.Chunk{}, NewTransportError(a.provider, a.endpoint(), opts.Model, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return llmtypes.Chunk{}, NewTransportError(a.provider, a.endpoint(), opts.Model, err)
	}
	if resp.StatusCode != http.StatusOK {
		return llmtypes.Chunk{}, bodyToError(a.provider, a.endpoint(), opts.Model, resp.StatusCode, data)
	}

	var parsed oaResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return llmtypes.Chunk{}, NewPayloadError(a.provider, a.endpoint(), opts.Model, data, err)
	}
	if len(parsed.Choices) == 0 {
		return llmtypes.Chunk{}, NewPayloadError(a.provider, a.endpoint(), opts.Model, data, fmt.Errorf("no choices in response"))
	}

	msg := deltaToMessage(parsed.Choices[0].Message)
	usage := llmtypes.Usage{}
	if parsed.Usage != nil {
		usage = llmtypes.Usage{PromptTokens: parsed.Usage.PromptTokens, CompletionTokens: parsed.Usage.CompletionTokens}
	}
	return llmtypes.Chunk{Message: msg, Usage: usage}, nil
}

func deltaToMessage(d oaDelta) llmtypes.Message {
	msg := llmtypes.Message{Role: llmtypes.RoleAssistant, Content: d.Content}
	for _, tc := range d.ToolCalls {
		idx := 0
		if tc.Index != nil {
			idx = *tc.Index
		}
		msg.ToolCalls = append(msg.ToolCalls, &llmtypes.ToolCall{
			ID:    tc.ID,
			Index: idx,
			Function: llmtypes.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return msg
}

// openAIStream implements Stream over a chat/completions SSE body.
type openAIStream struct {
	adapter  *OpenAIAdapter
	model    string
	resp     *http.Response
	reader   *sseReader
	cur      llmtypes.Chunk
	err      error
	finished bool
}

func (s *openAIStream) Next() bool {
	if s.finished {
		return false
	}
	for {
		frame, ok := s.reader.next()
		if !ok {
			if err := s.reader.err(); err != nil {
				s.err = NewTransportError(s.adapter.provider, s.adapter.endpoint(), s.model, err)
			}
			s.finished = true
			return false
		}
		if frame.Done {
			s.finished = true
			return false
		}
		if be := checkFrameError(s.adapter.provider, s.adapter.endpoint(), s.model, frame.Data); be != nil {
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
			msg = deltaToMessage(parsed.Choices[0].Delta)
		}
		usage := llmtypes.Usage{}
		if parsed.Usage != nil {
			usage = llmtypes.Usage{PromptTokens: parsed.Usage.PromptTokens, CompletionTokens: parsed.Usage.CompletionTokens}
		}
		s.cur = llmtypes.Chunk{Message: msg, Usage: usage}
		return true
	}
}

func (s *openAIStream) Chunk() llmtypes.Chunk { return s.cur }
func (s *openAIStream) Err() error            { return s.err }
func (s *openAIStream) Close() error          { return s.resp.Body.Close() }

// CompleteStreaming issues a streaming request and returns a pull-based
// Stream. The underlying connection is closed by the Stream's Close or
// when ctx is cancelled.
func (a *OpenAIAdapter) CompleteStreaming(ctx context.Context, opts CompleteOptions) (Stream, error) {
	body := a.buildRequest(opts, true)
	req, err := a.newHTTPRequest(ctx, body, opts.ExtraHeaders)
	if err != nil {
		return nil, NewTransportError(a.provider, a.endpoint(), opts.Model, err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, NewTransportError(a.provider, a.endpoint(), opts.Model, err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, bodyToError(a.provider, a.endpoint(), opts.Model, resp.StatusCode, data)
	}
	if ct := resp.Header.Get("Content-Type"); !guardContentType(ct) {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, NewPayloadError(a.provider, a.endpoint(), opts.Model, data, fmt.Errorf("unexpected content-type %q", ct))
	}
	return &openAIStream{adapter: a, model: opts.Model, resp: resp, reader: newSSEReader(resp.Body)}, nil
}

// CountTokens issues a max_tokens=1 completion and reads
// usage.prompt_tokens, per the adapter contract's default strategy.
func (a *OpenAIAdapter) CountTokens(ctx context.Context, opts CompleteOptions) (int, error) {
	opts.MaxTokens = 1
	chunk, err := a.Complete(ctx, opts)
	if err != nil {
		return 0, err
	}
	if chunk.Usage.PromptTokens == 0 {
		return 0, NewPayloadError(a.provider, a.endpoint(), opts.Model, nil, fmt.Errorf("missing usage"))
	}
	return chunk.Usage.PromptTokens, nil
}

type ollamaTag struct {
	Name string `json:"name"`
}

type ollamaTagsResponse struct {
	Models []ollamaTag `json:"models"`
}

type modelsListResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels tries the Ollama-native /api/tags endpoint first when this
// adapter is backing an Ollama provider, then falls back to /v1/models
// (used by cloud providers and non-Ollama self-hosted servers alike).
func (a *OpenAIAdapter) ListModels(ctx context.Context) ([]string, error) {
	if a.isOllama {
		if names, ok := a.listModelsViaOllamaTags(ctx); ok {
			return names, nil
		}
	}
	return a.listModelsViaV1(ctx)
}

func (a *OpenAIAdapter) listModelsViaOllamaTags(ctx context.Context) ([]string, bool) {
	url := strings.TrimSuffix(a.baseURL, "/v1") + "/api/tags"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		L_debug("ollama: /api/tags unreachable, falling back", "provider", a.provider, "err", err)
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}
	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, false
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, true
}

func (a *OpenAIAdapter) listModelsViaV1(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return nil, nil
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		L_debug("list_models failed", "provider", a.provider, "err", err)
		return nil, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}
	var list modelsListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, nil
	}
	names := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		names = append(names, m.ID)
	}
	return names, nil
}
