// Package agents carries the model cost catalog consulted by the Session
// Manager's token accounting (spec.md §4.5). The teacher's CCRouter/Droid
// agents wrapped several HTTP-backed LLM providers behind a common
// Execute/Stream interface; this design wraps a single external interactive
// CLI via lib/cliproc instead, so that multi-provider routing abstraction
// has no remaining caller. What survives is the one piece every Session
// still needs: a per-model dollars-per-1K-token rate table, distilled from
// the same literals the teacher's agents shipped.
package agents

// ModelInfo describes one model's cost and capacity characteristics.
type ModelInfo struct {
	ID              string
	OwnedBy         string
	Description     string
	MaxTokens       int
	InputCostPer1K  float64
	OutputCostPer1K float64
}

// DefaultModelCatalog is the built-in rate table, seeded from the
// teacher's CCRouter/Droid provider listings.
func DefaultModelCatalog() []ModelInfo {
	return []ModelInfo{
		{ID: "claude-3-opus", OwnedBy: "anthropic", Description: "Claude 3 Opus", MaxTokens: 4096, InputCostPer1K: 0.015, OutputCostPer1K: 0.075},
		{ID: "claude-3-sonnet", OwnedBy: "anthropic", Description: "Claude 3 Sonnet", MaxTokens: 4096, InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
		{ID: "gpt-4-turbo", OwnedBy: "openai", Description: "GPT-4 Turbo", MaxTokens: 4096, InputCostPer1K: 0.01, OutputCostPer1K: 0.03},
		{ID: "gpt-4", OwnedBy: "openai", Description: "GPT-4", MaxTokens: 4096, InputCostPer1K: 0.03, OutputCostPer1K: 0.06},
		{ID: "gpt-3.5-turbo", OwnedBy: "openai", Description: "GPT-3.5 Turbo", MaxTokens: 4096, InputCostPer1K: 0.0005, OutputCostPer1K: 0.0015},
		{ID: "gemini-1.5-pro", OwnedBy: "google", Description: "Gemini 1.5 Pro", MaxTokens: 8000, InputCostPer1K: 0.00125, OutputCostPer1K: 0.005},
		{ID: "gemini-1.5-flash", OwnedBy: "google", Description: "Gemini 1.5 Flash", MaxTokens: 8000, InputCostPer1K: 0.000075, OutputCostPer1K: 0.0003},
		{ID: "mistral-large", OwnedBy: "mistral", Description: "Mistral Large", MaxTokens: 8000, InputCostPer1K: 0.008, OutputCostPer1K: 0.024},
		{ID: "default", OwnedBy: "unknown", Description: "fallback rate for unrecognized models", MaxTokens: 4096, InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
	}
}

// RateTable indexes DefaultModelCatalog by model id for cost lookups.
func RateTable() map[string]ModelInfo {
	table := make(map[string]ModelInfo)
	for _, m := range DefaultModelCatalog() {
		table[m.ID] = m
	}
	return table
}
