package observability

import (
	"strings"
)

// ============================================================================
// MODEL COST ACCOUNTING
// ============================================================================

// ModelCost holds the USD price per 1K tokens for one model family.
type ModelCost struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// CostTable resolves model names to prices. Lookup is longest-prefix so
// versioned names like "gpt-4o-2024-08-06" match their family entry.
type CostTable struct {
	prices map[string]ModelCost
}

// defaultPrices covers the model families the built-in providers speak.
// Prices drift; override per model in the costs config section.
var defaultPrices = map[string]ModelCost{
	"gpt-4o-mini":      {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4o":           {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4.1-mini":     {InputPer1K: 0.0004, OutputPer1K: 0.0016},
	"gpt-4.1":          {InputPer1K: 0.002, OutputPer1K: 0.008},
	"claude-3-5-haiku": {InputPer1K: 0.0008, OutputPer1K: 0.004},
	"claude-sonnet-4":  {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-opus-4":    {InputPer1K: 0.015, OutputPer1K: 0.075},
	"gemini-2.0-flash": {InputPer1K: 0.0001, OutputPer1K: 0.0004},
	"gemini-1.5-pro":   {InputPer1K: 0.00125, OutputPer1K: 0.005},
	"gemini-1.5-flash": {InputPer1K: 0.000075, OutputPer1K: 0.0003},
	"gemini-2.5-flash": {InputPer1K: 0.0003, OutputPer1K: 0.0025},
}

// NewCostTable builds the price table, overlaying the built-in prices with
// per-model overrides.
func NewCostTable(overrides map[string]ModelCost) *CostTable {
	prices := make(map[string]ModelCost, len(defaultPrices)+len(overrides))
	for model, cost := range defaultPrices {
		prices[model] = cost
	}
	for model, cost := range overrides {
		prices[strings.ToLower(model)] = cost
	}
	return &CostTable{prices: prices}
}

// Lookup returns the price entry whose key is the longest prefix of model.
// Unknown models return a zero entry and false.
func (t *CostTable) Lookup(model string) (ModelCost, bool) {
	if t == nil {
		return ModelCost{}, false
	}
	model = strings.ToLower(model)
	var best string
	var found bool
	for prefix := range t.prices {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
			found = true
		}
	}
	if !found {
		return ModelCost{}, false
	}
	return t.prices[best], true
}

// Cost computes the USD cost of one completion. Unknown models cost zero
// rather than guessing.
func (t *CostTable) Cost(model string, promptTokens, completionTokens int) float64 {
	price, ok := t.Lookup(model)
	if !ok {
		return 0
	}
	return float64(promptTokens)/1000*price.InputPer1K +
		float64(completionTokens)/1000*price.OutputPer1K
}
