// Package llmtypes holds the provider-agnostic message and tool-call model
// shared by every backend adapter. Nothing in here knows about any
// particular provider's wire format; serialising to and from a provider's
// shape is the adapter's job.
package llmtypes

import "fmt"

// Role identifies who produced a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// FunctionCall is the name/arguments pair a model asks to invoke.
// Arguments is always the serialised (JSON text) form, never a parsed
// object, so that streamed fragments can be concatenated losslessly.
type FunctionCall struct {
	Name      *string `json:"name,omitempty"`
	Arguments *string `json:"arguments,omitempty"`
}

// ToolCall is one assistant-issued function invocation. Index is the
// stable slot number assigned by the assistant for this call within a
// message; streaming deltas for the same call always carry the same
// Index and ID (once known).
type ToolCall struct {
	ID       *string      `json:"id,omitempty"`
	Index    int          `json:"index"`
	Function FunctionCall `json:"function"`
}

// AvailableTool describes one callable function offered to the model.
type AvailableTool struct {
	Function AvailableFunction `json:"function"`
}

// AvailableFunction is the JSON-schema description of a callable function.
type AvailableFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage reports token consumption. Both fields are non-negative and are
// only meaningful on a terminal Chunk.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Message is the canonical conversational unit. Messages are immutable
// once emitted: adapters build new values rather than mutating existing
// ones when assembling streamed deltas.
type Message struct {
	Role             Role        `json:"role"`
	Content          *string     `json:"content,omitempty"`
	ReasoningContent *string     `json:"reasoning_content,omitempty"`
	ToolCalls        []*ToolCall `json:"tool_calls,omitempty"`
	ToolCallID       *string     `json:"tool_call_id,omitempty"`
}

// NewMessage validates and constructs a Message, rejecting the two
// combinations the data model forbids: a tool message without a
// tool_call_id, and tool_calls on a non-assistant message.
func NewMessage(role Role, content *string, reasoning *string, toolCalls []*ToolCall, toolCallID *string) (Message, error) {
	if role == RoleTool && toolCallID == nil {
		return Message{}, fmt.Errorf("llmtypes: tool message requires tool_call_id")
	}
	if len(toolCalls) > 0 && role != RoleAssistant {
		return Message{}, fmt.Errorf("llmtypes: tool_calls requires role=assistant, got %q", role)
	}
	return Message{
		Role:             role,
		Content:          content,
		ReasoningContent: reasoning,
		ToolCalls:        toolCalls,
		ToolCallID:       toolCallID,
	}, nil
}

// Chunk is one streaming output unit: a partial assistant message plus
// optional usage. Usage is the zero value on intermediate chunks and
// populated on the terminal chunk.
type Chunk struct {
	Message Message `json:"message"`
	Usage   Usage   `json:"usage"`
}

// BackendTag names a wire-format family an adapter implements.
type BackendTag string

const (
	BackendOpenAI      BackendTag = "openai"
	BackendGeneric     BackendTag = "generic"
	BackendMistral     BackendTag = "mistral"
	BackendGroq        BackendTag = "groq"
	BackendHuggingFace BackendTag = "huggingface"
	BackendOllama      BackendTag = "ollama"
	BackendLlamaCPP    BackendTag = "llamacpp"
	BackendCerebras    BackendTag = "cerebras"
	BackendQwen        BackendTag = "qwen"
	BackendAntigravity BackendTag = "antigravity"
)

// ModelConfig describes one selectable model and its pricing/limits.
type ModelConfig struct {
	Name        string  `yaml:"name" json:"name"`
	Provider    string  `yaml:"provider" json:"provider"`
	Alias       string  `yaml:"alias,omitempty" json:"alias,omitempty"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
	InputPrice  float64 `yaml:"input_price" json:"input_price"`
	OutputPrice float64 `yaml:"output_price" json:"output_price"`
	Context     int     `yaml:"context" json:"context"`
	MaxOutput   int     `yaml:"max_output" json:"max_output"`
}

// DisplayName returns Alias, defaulting to Name when Alias is unset.
func (m ModelConfig) DisplayName() string {
	if m.Alias == "" {
		return m.Name
	}
	return m.Alias
}

// ProviderConfig selects an adapter (via the registry) and its transport
// settings.
type ProviderConfig struct {
	Name         string     `yaml:"name" json:"name"`
	Backend      BackendTag `yaml:"backend" json:"backend"`
	APIBase      string     `yaml:"api_base,omitempty" json:"api_base,omitempty"`
	APIKeyEnvVar string     `yaml:"api_key_env_var,omitempty" json:"api_key_env_var,omitempty"`
}

// OAuthCredentials is the on-disk shape persisted by an OAuth credential
// manager. It is created at first authorisation, mutated in place by
// refresh, and never destroyed automatically.
type OAuthCredentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	ResourceURL  string `json:"resource_url,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
}
