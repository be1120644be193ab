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

// DefaultAntigravityBase is used when a provider config supplies no
// api_base override.
const DefaultAntigravityBase = "https://antigravity.googleapis.com/v1"

// AntigravityAdapter speaks the Gemini-family wire format used by the
// Google Antigravity gateway: contents/parts, functionDeclarations, and
// streamGenerateContent?alt=sse streaming. Auth is always OAuth (never a
// static key); 401 and 403 both trigger exactly one forced-refresh retry.
type AntigravityAdapter struct {
	provider   string
	baseURL    string
	httpClient *http.Client
	oauth      *oauth.AntigravityManager
}

// NewAntigravityAdapter builds an adapter backed by its own
// oauth.AntigravityManager instance.
func NewAntigravityAdapter(cfg llmtypes.ProviderConfig, timeoutSeconds int) (Provider, error) {
	if timeoutSeconds == 0 {
		timeoutSeconds = DefaultTimeoutSeconds
	}
	baseURL := strings.TrimSuffix(cfg.APIBase, "/")
	if baseURL == "" {
		baseURL = DefaultAntigravityBase
	}
	return &AntigravityAdapter{
		provider: cfg.Name,
		baseURL:  baseURL,
		httpClient: &http.Client{
			Timeout:   time.Duration(timeoutSeconds) * time.Second,
			Transport: newPooledTransport(),
		},
		oauth: oauth.NewAntigravityManager(""),
	}, nil
}

func (a *AntigravityAdapter) Close() error { return nil }

// --- wire shapes (spec section 4.6) ---

type agPart struct {
	Text         string          `json:"text,omitempty"`
	Thought      bool            `json:"thought,omitempty"`
	FunctionCall *agFunctionCall `json:"functionCall,omitempty"`
	FunctionResp *agFunctionResp `json:"functionResponse,omitempty"`
}

type agFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type agFunctionResp struct {
	Name     string            `json:"name"`
	Response agFunctionRespVal `json:"response"`
}

type agFunctionRespVal struct {
	Result string `json:"result"`
}

type agContent struct {
	Role  string   `json:"role"`
	Parts []agPart `json:"parts"`
}

type agFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type agTool struct {
	FunctionDeclarations []agFunctionDecl `json:"functionDeclarations"`
}

type agToolConfig struct {
	FunctionCallingConfig agFunctionCallingConfig `json:"functionCallingConfig"`
}

type agFunctionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type agGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type agInnerRequest struct {
	Contents          []agContent         `json:"contents"`
	SystemInstruction *agContent          `json:"systemInstruction,omitempty"`
	Tools             []agTool            `json:"tools,omitempty"`
	ToolConfig        *agToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  agGenerationConfig  `json:"generationConfig"`
}

type agRequest struct {
	Model     string         `json:"model"`
	Project   string         `json:"project,omitempty"`
	UserAgent string         `json:"userAgent"`
	RequestID string         `json:"requestId"`
	Request   agInnerRequest `json:"request"`
}

type agCandidate struct {
	Content agContent `json:"content"`
}

type agResponseBody struct {
	Candidates []agCandidate `json:"candidates"`
	UsageMeta  *agUsageMeta  `json:"usageMetadata,omitempty"`
}

type agUsageMeta struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type agSSEFrame struct {
	Response agResponseBody `json:"response"`
}

// agRole collapses the canonical Role to Gemini's two-role model:
// assistant -> "model", everything else -> "user".
func agRole(r llmtypes.Role) string {
	if r == llmtypes.RoleAssistant {
		return "model"
	}
	return "user"
}

func agCompileParameters(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return params
}

// toolNameByCallID maps each tool_call_id to the function name that
// originated it, scanning every assistant ToolCall across the whole
// history. Gemini's functionResponse contract is keyed by name, not id,
// so a tool-role message's ToolCallID must be resolved back to a name
// before it can be sent upstream.
func toolNameByCallID(messages []llmtypes.Message) map[string]string {
	names := make(map[string]string)
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			if tc.ID != nil && tc.Function.Name != nil {
				names[*tc.ID] = *tc.Function.Name
			}
		}
	}
	return names
}

func toAGContents(messages []llmtypes.Message) (contents []agContent, system *agContent) {
	names := toolNameByCallID(messages)
	for _, m := range messages {
		if m.Role == llmtypes.RoleSystem {
			text := ""
			if m.Content != nil {
				text = *m.Content
			}
			system = &agContent{Parts: []agPart{{Text: text}}}
			continue
		}
		if m.Role == llmtypes.RoleTool {
			result := ""
			if m.Content != nil {
				result = *m.Content
			}
			name := ""
			if m.ToolCallID != nil {
				name = names[*m.ToolCallID]
			}
			contents = append(contents, agContent{
				Role:  "user",
				Parts: []agPart{{FunctionResp: &agFunctionResp{Name: name, Response: agFunctionRespVal{Result: result}}}},
			})
			continue
		}

		var parts []agPart
		if m.Content != nil && *m.Content != "" {
			parts = append(parts, agPart{Text: *m.Content})
		}
		for _, tc := range m.ToolCalls {
			args := map[string]any{}
			if tc.Function.Arguments != nil {
				_ = json.Unmarshal([]byte(*tc.Function.Arguments), &args)
			}
			name := ""
			if tc.Function.Name != nil {
				name = *tc.Function.Name
			}
			parts = append(parts, agPart{FunctionCall: &agFunctionCall{Name: name, Args: args}})
		}
		contents = append(contents, agContent{Role: agRole(m.Role), Parts: parts})
	}
	return contents, system
}

func toAGTools(tools []llmtypes.AvailableTool) []agTool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]agFunctionDecl, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, agFunctionDecl{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  agCompileParameters(t.Function.Parameters),
		})
	}
	return []agTool{{FunctionDeclarations: decls}}
}

func toAGToolConfig(tc *ToolChoice) *agToolConfig {
	if tc == nil {
		return nil
	}
	switch tc.Mode {
	case "auto":
		return &agToolConfig{FunctionCallingConfig: agFunctionCallingConfig{Mode: "AUTO"}}
	case "none":
		return &agToolConfig{FunctionCallingConfig: agFunctionCallingConfig{Mode: "NONE"}}
	case "any":
		return &agToolConfig{FunctionCallingConfig: agFunctionCallingConfig{Mode: "REQUIRED"}}
	case "tool":
		return &agToolConfig{FunctionCallingConfig: agFunctionCallingConfig{Mode: "ANY", AllowedFunctionNames: []string{tc.Tool}}}
	default:
		return nil
	}
}

func (a *AntigravityAdapter) buildBody(opts CompleteOptions, model, projectID string) agRequest {
	contents, system := toAGContents(opts.Messages)
	inner := agInnerRequest{
		Contents:          contents,
		SystemInstruction: system,
		Tools:             toAGTools(opts.Tools),
		ToolConfig:        toAGToolConfig(opts.ToolChoice),
		GenerationConfig:  agGenerationConfig{Temperature: opts.Temperature, MaxOutputTokens: opts.MaxTokens},
	}
	return agRequest{
		Model:     model,
		Project:   projectID,
		UserAgent: "antigravity",
		RequestID: oauth.RequestID(),
		Request:   inner,
	}
}

func (a *AntigravityAdapter) doRequest(ctx context.Context, method, url string, body agRequest, token string) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return a.httpClient.Do(req)
}

// withAuthRetry runs fn with a fresh (non-forced) token; if the response
// status is 401 or 403, it forces exactly one refresh and retries once.
func (a *AntigravityAdapter) withAuthRetry(ctx context.Context, fn func(token, projectID string) (*http.Response, error)) (*http.Response, error) {
	token, projectID, err := a.oauth.EnsureAuthenticated(ctx, false)
	if err != nil {
		return nil, NewAuthError(a.provider, a.baseURL, true, err)
	}
	resp, err := fn(token, projectID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		L_debug("antigravity: forcing credential refresh after auth failure", "status", resp.StatusCode)
		token, projectID, err = a.oauth.EnsureAuthenticated(ctx, true)
		if err != nil {
			return nil, NewAuthError(a.provider, a.baseURL, true, err)
		}
		return fn(token, projectID)
	}
	return resp, nil
}

func (a *AntigravityAdapter) Complete(ctx context.Context, opts CompleteOptions) (llmtypes.Chunk, error) {
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", a.baseURL, opts.Model)
	resp, err := a.withAuthRetry(ctx, func(token, projectID string) (*http.Response, error) {
		return a.doRequest(ctx, http.MethodPost, endpoint, a.buildBody(opts, opts.Model, projectID), token)
	})
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
	var body agResponseBody
	if err := json.Unmarshal(data, &body); err != nil {
		return llmtypes.Chunk{}, NewPayloadError(a.provider, endpoint, opts.Model, data, err)
	}
	if len(body.Candidates) == 0 {
		return llmtypes.Chunk{}, NewPayloadError(a.provider, endpoint, opts.Model, data, fmt.Errorf("no candidates in response"))
	}
	idx := newToolCallIndexer()
	msg := agContentToMessage(body.Candidates[0].Content, idx)
	usage := llmtypes.Usage{}
	if body.UsageMeta != nil {
		usage = llmtypes.Usage{PromptTokens: body.UsageMeta.PromptTokenCount, CompletionTokens: body.UsageMeta.CandidatesTokenCount}
	}
	return llmtypes.Chunk{Message: msg, Usage: usage}, nil
}

// toolCallIndexer assigns a stable monotonic index per distinct function
// name, first-seen order, per the tool-call index reconciliation rule
// Gemini-family streams need (the stream itself carries no indices).
type toolCallIndexer struct {
	seen  map[string]int
	order []string
}

func newToolCallIndexer() *toolCallIndexer {
	return &toolCallIndexer{seen: make(map[string]int)}
}

func (t *toolCallIndexer) indexFor(name string) int {
	if idx, ok := t.seen[name]; ok {
		return idx
	}
	idx := len(t.order)
	t.seen[name] = idx
	t.order = append(t.order, name)
	return idx
}

func agContentToMessage(c agContent, idx *toolCallIndexer) llmtypes.Message {
	msg := llmtypes.Message{Role: llmtypes.RoleAssistant}
	var content, reasoning strings.Builder
	for _, p := range c.Parts {
		switch {
		case p.FunctionCall != nil:
			args, _ := json.Marshal(p.FunctionCall.Args)
			argStr := string(args)
			name := p.FunctionCall.Name
			msg.ToolCalls = append(msg.ToolCalls, &llmtypes.ToolCall{
				Index:    idx.indexFor(name),
				Function: llmtypes.FunctionCall{Name: &name, Arguments: &argStr},
			})
		case p.Thought && p.Text != "":
			reasoning.WriteString(p.Text)
		case p.Text != "":
			content.WriteString(p.Text)
		}
	}
	if content.Len() > 0 {
		s := content.String()
		msg.Content = &s
	}
	if reasoning.Len() > 0 {
		s := reasoning.String()
		msg.ReasoningContent = &s
	}
	return msg
}

type antigravityStream struct {
	adapter  *AntigravityAdapter
	model    string
	resp     *http.Response
	reader   *sseReader
	idx      *toolCallIndexer
	cur      llmtypes.Chunk
	err      error
	finished bool
}

func (s *antigravityStream) Next() bool {
	if s.finished {
		return false
	}
	for {
		frame, ok := s.reader.next()
		if !ok {
			if err := s.reader.err(); err != nil {
				s.err = NewTransportError(s.adapter.provider, s.adapter.baseURL, s.model, err)
			}
			s.finished = true
			return false
		}
		if frame.Done {
			s.finished = true
			return false
		}
		if be := checkFrameError(s.adapter.provider, s.adapter.baseURL, s.model, frame.Data); be != nil {
			s.err = be
			s.finished = true
			return false
		}
		var parsed agSSEFrame
		if !decodeFrame(s.adapter.provider, frame.Data, &parsed) {
			continue
		}
		if len(parsed.Response.Candidates) == 0 && parsed.Response.UsageMeta == nil {
			continue
		}
		msg := llmtypes.Message{Role: llmtypes.RoleAssistant}
		if len(parsed.Response.Candidates) > 0 {
			msg = agContentToMessage(parsed.Response.Candidates[0].Content, s.idx)
		}
		usage := llmtypes.Usage{}
		if parsed.Response.UsageMeta != nil {
			usage = llmtypes.Usage{
				PromptTokens:     parsed.Response.UsageMeta.PromptTokenCount,
				CompletionTokens: parsed.Response.UsageMeta.CandidatesTokenCount,
			}
		}
		s.cur = llmtypes.Chunk{Message: msg, Usage: usage}
		return true
	}
}

func (s *antigravityStream) Chunk() llmtypes.Chunk { return s.cur }
func (s *antigravityStream) Err() error             { return s.err }
func (s *antigravityStream) Close() error           { return s.resp.Body.Close() }

func (a *AntigravityAdapter) CompleteStreaming(ctx context.Context, opts CompleteOptions) (Stream, error) {
	endpoint := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", a.baseURL, opts.Model)
	resp, err := a.withAuthRetry(ctx, func(token, projectID string) (*http.Response, error) {
		return a.doRequest(ctx, http.MethodPost, endpoint, a.buildBody(opts, opts.Model, projectID), token)
	})
	if err != nil {
		return nil, NewTransportError(a.provider, endpoint, opts.Model, err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, bodyToError(a.provider, endpoint, opts.Model, resp.StatusCode, data)
	}
	return &antigravityStream{adapter: a, model: opts.Model, resp: resp, reader: newSSEReader(resp.Body), idx: newToolCallIndexer()}, nil
}

func (a *AntigravityAdapter) CountTokens(ctx context.Context, opts CompleteOptions) (int, error) {
	opts.MaxTokens = 1
	chunk, err := a.Complete(ctx, opts)
	if err != nil {
		return 0, err
	}
	if chunk.Usage.PromptTokens == 0 {
		return 0, NewPayloadError(a.provider, a.baseURL, opts.Model, nil, fmt.Errorf("missing usage"))
	}
	return chunk.Usage.PromptTokens, nil
}

// ListModels returns Antigravity's fixed catalogue: the gateway does not
// publish a discovery endpoint for this project's supported models.
func (a *AntigravityAdapter) ListModels(ctx context.Context) ([]string, error) {
	return []string{"gemini-2.5-pro", "gemini-2.5-flash"}, nil
}
