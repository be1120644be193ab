package llm

import (
	"fmt"
	"sync"

	"github.com/roelfdiedericks/revibe/internal/llmtypes"
)

// AdapterCtor builds a Provider for one resolved provider configuration.
// timeoutSeconds of 0 means DefaultTimeoutSeconds.
type AdapterCtor func(cfg llmtypes.ProviderConfig, timeoutSeconds int) (Provider, error)

// Registry maps a BackendTag to its adapter constructor. It is built once
// at startup and is read-only thereafter: this is the only process-wide
// mutable datum in the backend layer, and once Global has populated it
// it serves only reads.
type Registry struct {
	mu   sync.RWMutex
	ctor map[llmtypes.BackendTag]AdapterCtor
}

var (
	globalRegistry     *Registry
	globalRegistryOnce sync.Once
)

// NewRegistry builds an empty registry. Most callers want Global, which
// lazily builds and returns the process-wide registry pre-populated via
// RegisterBuiltins.
func NewRegistry() *Registry {
	return &Registry{ctor: make(map[llmtypes.BackendTag]AdapterCtor)}
}

// Register adds or replaces the constructor for tag. Intended for
// startup wiring; calling it concurrently with Build is safe (both are
// mutex-guarded) but registering after startup is not the intended usage
// pattern.
func (r *Registry) Register(tag llmtypes.BackendTag, ctor AdapterCtor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctor[tag] = ctor
}

// Build resolves cfg.Backend to its constructor and constructs an
// adapter. Resolution happens once per request; the caller owns the
// returned Provider's lifecycle (Close it when done).
func (r *Registry) Build(cfg llmtypes.ProviderConfig, timeoutSeconds int) (Provider, error) {
	r.mu.RLock()
	ctor, ok := r.ctor[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, NewConfigError(cfg.Name, "", fmt.Sprintf("no adapter registered for backend %q", cfg.Backend))
	}
	return ctor(cfg, timeoutSeconds)
}

// Global returns the process-wide registry, building and populating it
// with every built-in adapter constructor on first use.
func Global() *Registry {
	globalRegistryOnce.Do(func() {
		globalRegistry = NewRegistry()
		RegisterBuiltins(globalRegistry)
	})
	return globalRegistry
}

// RegisterBuiltins wires every concrete adapter this repository ships
// into r. Backends sharing the generic OpenAI-compatible wire format
// (openai, generic, mistral, groq, huggingface, ollama, llamacpp,
// cerebras) all resolve to NewOpenAIAdapter; qwen and antigravity get
// their own adapters per component designs C6 and C7.
func RegisterBuiltins(r *Registry) {
	openAIFamily := []llmtypes.BackendTag{
		llmtypes.BackendOpenAI,
		llmtypes.BackendGeneric,
		llmtypes.BackendMistral,
		llmtypes.BackendGroq,
		llmtypes.BackendHuggingFace,
		llmtypes.BackendOllama,
		llmtypes.BackendLlamaCPP,
		llmtypes.BackendCerebras,
	}
	for _, tag := range openAIFamily {
		r.Register(tag, func(cfg llmtypes.ProviderConfig, timeoutSeconds int) (Provider, error) {
			return NewOpenAIAdapter(cfg, timeoutSeconds)
		})
	}
	r.Register(llmtypes.BackendQwen, func(cfg llmtypes.ProviderConfig, timeoutSeconds int) (Provider, error) {
		return NewQwenAdapter(cfg, timeoutSeconds)
	})
	r.Register(llmtypes.BackendAntigravity, func(cfg llmtypes.ProviderConfig, timeoutSeconds int) (Provider, error) {
		return NewAntigravityAdapter(cfg, timeoutSeconds)
	})
}
