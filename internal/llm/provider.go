package llm

import (
	"context"

	"github.com/roelfdiedericks/revibe/internal/llmtypes"
)

// Fallback defaults when neither provider config nor a model's metadata
// supply a value.
const (
	DefaultMaxOutputTokens = 8192
	DefaultContextTokens   = 128000
	DefaultTimeoutSeconds  = 720 // reasoning models stream slowly
)

// ToolChoice is the canonical tool-choice selector the caller passes to
// an adapter; each adapter translates it to its own wire shape.
type ToolChoice struct {
	Mode string // "auto", "none", "any" (a.k.a. "required"), or "tool"
	Tool string // function name, set only when Mode == "tool"
}

var (
	ToolChoiceAuto = ToolChoice{Mode: "auto"}
	ToolChoiceNone = ToolChoice{Mode: "none"}
	ToolChoiceAny  = ToolChoice{Mode: "any"}
)

// ToolChoiceFor pins the choice to one specific function.
func ToolChoiceFor(name string) ToolChoice {
	return ToolChoice{Mode: "tool", Tool: name}
}

// CompleteOptions carries the parameters common to complete and
// complete_streaming.
type CompleteOptions struct {
	Model       string
	Messages    []llmtypes.Message
	Temperature float64
	Tools       []llmtypes.AvailableTool
	MaxTokens   int // 0 means unset
	ToolChoice  *ToolChoice
	ExtraHeaders map[string]string
}

// Provider is the uniform contract every backend adapter implements.
// An adapter owns at most one HTTP client and at most one OAuth manager;
// Close must be safe to call on every exit path (success, error, or
// context cancellation).
type Provider interface {
	// Complete issues a single non-streaming request and returns one
	// terminal Chunk.
	Complete(ctx context.Context, opts CompleteOptions) (llmtypes.Chunk, error)

	// CompleteStreaming issues a streaming request. The returned sequence
	// is finite and not restartable; the underlying connection is closed
	// by Stream.Close or when the context is cancelled. Stopping iteration
	// early does not by itself close it.
	CompleteStreaming(ctx context.Context, opts CompleteOptions) (Stream, error)

	// CountTokens estimates or measures token usage for a prompt. Many
	// adapters implement this by issuing a max_tokens=1 completion and
	// reading usage.prompt_tokens; adapters with no usage reporting must
	// fail with a KindPayload BackendError.
	CountTokens(ctx context.Context, opts CompleteOptions) (int, error)

	// ListModels returns the provider's catalogue: dynamic (via a
	// /models-style endpoint) for self-hosted providers, static for
	// cloud providers with a fixed list. May return an empty slice on
	// failure rather than an error.
	ListModels(ctx context.Context) ([]string, error)

	// Close is idempotent. The built-in adapters return nil without
	// releasing anything: neither the HTTP client's idle connections nor
	// the OAuth manager are closed.
	Close() error
}

// Stream is a pull-based iterator over a single streaming response.
// Next returns false when the stream is exhausted (including on error,
// retrievable via Err) or the context was cancelled. Close must be
// called exactly once, even after Next returns false.
type Stream interface {
	Next() bool
	Chunk() llmtypes.Chunk
	Err() error
	Close() error
}

// ErrNotSupported is returned when an adapter doesn't implement a given
// operation.
type ErrNotSupported struct {
	Provider  string
	Operation string
}

func (e ErrNotSupported) Error() string {
	return e.Provider + " does not support " + e.Operation
}

// ErrUnavailable is returned when a provider cannot be reached at all
// (e.g. missing API key, unresolvable backend tag).
type ErrUnavailable struct {
	Provider string
	Reason   string
}

func (e ErrUnavailable) Error() string {
	if e.Reason != "" {
		return e.Provider + " is unavailable: " + e.Reason
	}
	return e.Provider + " is unavailable"
}
