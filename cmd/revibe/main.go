// Command revibe is a thin driver over the LLM backend layer: it loads
// a provider/model configuration file, resolves one model through the
// backend registry, and runs a single completion (streaming by default)
// against a prompt. It exists to exercise the adapter contract end to
// end; the interactive agent loop, tool execution, and terminal UI that
// would normally sit above this are out of scope here and are expected
// to be separate consumers of the same registry.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/revibe/internal/config"
	"github.com/roelfdiedericks/revibe/internal/llm"
	"github.com/roelfdiedericks/revibe/internal/llmtypes"
	"github.com/roelfdiedericks/revibe/internal/tokens"
	. "github.com/roelfdiedericks/revibe/internal/logging"
)

var version = "dev"

type cli struct {
	Config      string  `help:"Path to the provider/model YAML config." default:"revibe.yaml"`
	Model       string  `help:"Model alias to use." required:""`
	Prompt      string  `help:"User prompt. Reads stdin if omitted."`
	System      string  `help:"Optional system prompt."`
	Temperature float64 `help:"Sampling temperature." default:"0.7"`
	NoStream    bool    `help:"Disable streaming; issue a single completion."`
	Verbose     bool    `help:"Enable debug logging."`
}

func main() {
	var c cli
	kong.Parse(&c, kong.Description("Revibe LLM backend driver"), kong.Vars{"version": version})

	Init(DefaultConfig())
	if c.Verbose {
		SetLevel(LevelDebug)
	}

	if err := run(c); err != nil {
		L_fatal("revibe: %v", err)
	}
}

func run(c cli) error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	model, ok := cfg.ModelByAlias(c.Model)
	if !ok {
		return fmt.Errorf("unknown model %q", c.Model)
	}
	provider, ok := cfg.ProviderByName(model.Provider)
	if !ok {
		return fmt.Errorf("model %q references unknown provider %q", c.Model, model.Provider)
	}

	adapter, err := llm.Global().Build(provider, llm.DefaultTimeoutSeconds)
	if err != nil {
		return fmt.Errorf("building adapter: %w", err)
	}
	defer adapter.Close()

	prompt := c.Prompt
	if prompt == "" {
		data, err := readStdin()
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		prompt = data
	}

	messages := buildMessages(c.System, prompt)
	estimatedInput := estimateInputTokens(messages)
	maxTokens := tokens.CapMaxTokens(model.MaxOutput, model.Context, estimatedInput, 0)
	L_debug("revibe: capped max_tokens", "requested", model.MaxOutput, "estimated_input", estimatedInput, "capped", maxTokens)

	opts := llm.CompleteOptions{
		Model:       model.Name,
		Messages:    messages,
		Temperature: c.Temperature,
		MaxTokens:   maxTokens,
	}

	ctx := context.Background()
	if c.NoStream {
		return runComplete(ctx, adapter, opts, provider.Name, model)
	}
	return runStreaming(ctx, adapter, opts, provider.Name, model)
}

// estimateInputTokens gives a pre-flight estimate of the request's input
// size, used to cap max_tokens so the request doesn't overrun the
// model's context window. It is an estimate, not an authoritative count:
// only the adapter's CountTokens (a real API round trip) is authoritative.
func estimateInputTokens(messages []llmtypes.Message) int {
	est := tokens.Get()
	total := 0
	for _, m := range messages {
		if m.Content != nil {
			total += est.Count(*m.Content)
		}
	}
	return total
}

func buildMessages(system, prompt string) []llmtypes.Message {
	var messages []llmtypes.Message
	if system != "" {
		s := system
		messages = append(messages, llmtypes.Message{Role: llmtypes.RoleSystem, Content: &s})
	}
	p := prompt
	messages = append(messages, llmtypes.Message{Role: llmtypes.RoleUser, Content: &p})
	return messages
}

func runComplete(ctx context.Context, adapter llm.Provider, opts llm.CompleteOptions, providerName string, model llmtypes.ModelConfig) error {
	chunk, err := adapter.Complete(ctx, opts)
	if err != nil {
		return err
	}
	if chunk.Message.Content != nil {
		fmt.Println(*chunk.Message.Content)
	}
	llm.LogRequestCost(providerName, model, chunk.Usage)
	return nil
}

func runStreaming(ctx context.Context, adapter llm.Provider, opts llm.CompleteOptions, providerName string, model llmtypes.ModelConfig) error {
	stream, err := adapter.CompleteStreaming(ctx, opts)
	if err != nil {
		return err
	}
	defer stream.Close()

	var final llmtypes.Usage
	for stream.Next() {
		chunk := stream.Chunk()
		if chunk.Message.Content != nil {
			fmt.Print(*chunk.Message.Content)
		}
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			final = chunk.Usage
		}
	}
	fmt.Println()
	if err := stream.Err(); err != nil {
		return err
	}
	llm.LogRequestCost(providerName, model, final)
	return nil
}

func readStdin() (string, error) {
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			sb.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
