package llm

import (
	. "github.com/roelfdiedericks/revibe/internal/logging"

	"github.com/roelfdiedericks/revibe/internal/llmtypes"
)

// RequestCost holds the calculated cost breakdown for a single LLM request
// in USD.
type RequestCost struct {
	InputCost  float64
	OutputCost float64
	TotalCost  float64
}

// CalculateRequestCost computes the cost of a request. Pricing on
// ModelConfig is expressed in USD per 1M tokens.
func CalculateRequestCost(model llmtypes.ModelConfig, usage llmtypes.Usage) RequestCost {
	rc := RequestCost{
		InputCost:  float64(usage.PromptTokens) * model.InputPrice / 1_000_000,
		OutputCost: float64(usage.CompletionTokens) * model.OutputPrice / 1_000_000,
	}
	rc.TotalCost = rc.InputCost + rc.OutputCost
	return rc
}

// LogRequestCost computes and logs the cost of a completed request at
// debug level.
func LogRequestCost(provider string, model llmtypes.ModelConfig, usage llmtypes.Usage) RequestCost {
	cost := CalculateRequestCost(model, usage)
	L_debug("llm: request cost",
		"provider", provider,
		"model", model.Name,
		"inputTokens", usage.PromptTokens,
		"outputTokens", usage.CompletionTokens,
		"inputCost", cost.InputCost,
		"outputCost", cost.OutputCost,
		"totalCost", cost.TotalCost,
	)
	return cost
}

// EstimateInputCost returns the estimated input cost in USD for a given
// token count, using the model's configured input price (a rough
// pre-call estimate, not a billed amount).
func EstimateInputCost(model llmtypes.ModelConfig, estimatedTokens int) float64 {
	return float64(estimatedTokens) * model.InputPrice / 1_000_000
}
