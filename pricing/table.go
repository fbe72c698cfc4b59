package pricing

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/costguard/types"
)

// Config is the YAML/JSON shape of a pricing document.
type Config struct {
	Currency            string                 `yaml:"currency" json:"currency"`
	FallbackInputPer1K  float64                `yaml:"fallback_input_per_1k" json:"fallback_input_per_1k"`
	FallbackOutputPer1K float64                `yaml:"fallback_output_per_1k" json:"fallback_output_per_1k"`
	Models              map[string]ModelConfig `yaml:"models" json:"models"`
	Tools               map[string]ToolConfig  `yaml:"tools" json:"tools"`
}

// ModelConfig is one model entry of a pricing document.
type ModelConfig struct {
	InputPer1K       float64  `yaml:"input_per_1k" json:"input_per_1k"`
	OutputPer1K      float64  `yaml:"output_per_1k" json:"output_per_1k"`
	CachedInputPer1K *float64 `yaml:"cached_input_per_1k,omitempty" json:"cached_input_per_1k,omitempty"`
	ReasoningPer1K   *float64 `yaml:"reasoning_per_1k,omitempty" json:"reasoning_per_1k,omitempty"`
}

// ToolConfig is one tool entry of a pricing document.
type ToolConfig struct {
	CostPerCall       float64 `yaml:"cost_per_call" json:"cost_per_call"`
	CostPerInputByte  float64 `yaml:"cost_per_input_byte" json:"cost_per_input_byte"`
	CostPerOutputByte float64 `yaml:"cost_per_output_byte" json:"cost_per_output_byte"`
}

// Defaults applied when a document omits them.
const (
	DefaultCurrency            = "USD"
	DefaultFallbackInputPer1K  = 1.0
	DefaultFallbackOutputPer1K = 3.0
)

// ModelPricing holds the resolved per-1K rates for one model.
type ModelPricing struct {
	ModelName        string
	InputPer1K       float64
	OutputPer1K      float64
	CachedInputPer1K *float64
	ReasoningPer1K   *float64
}

// Cost computes the call cost. Cached tokens are billed at the cached
// rate when configured, otherwise at the standard input rate; reasoning
// tokens are free unless a reasoning rate is configured.
func (p ModelPricing) Cost(promptTokens, completionTokens, cachedTokens, reasoningTokens int64) float64 {
	standard := promptTokens - cachedTokens
	if standard < 0 {
		standard = 0
	}
	cost := float64(standard) / 1000 * p.InputPer1K

	if cachedTokens > 0 {
		rate := p.InputPer1K
		if p.CachedInputPer1K != nil {
			rate = *p.CachedInputPer1K
		}
		cost += float64(cachedTokens) / 1000 * rate
	}

	cost += float64(completionTokens) / 1000 * p.OutputPer1K

	if reasoningTokens > 0 && p.ReasoningPer1K != nil {
		cost += float64(reasoningTokens) / 1000 * *p.ReasoningPer1K
	}
	return cost
}

// Estimate prices a token count at the input or output rate.
func (p ModelPricing) Estimate(tokens int64, isInput bool) float64 {
	rate := p.OutputPer1K
	if isInput {
		rate = p.InputPer1K
	}
	return float64(tokens) / 1000 * rate
}

// ToolPricing holds the resolved rates for one tool. The zero value is a
// free tool.
type ToolPricing struct {
	ToolName          string
	CostPerCall       float64
	CostPerInputByte  float64
	CostPerOutputByte float64
}

// Cost computes the call cost from the I/O sizes.
func (p ToolPricing) Cost(inputSizeBytes, outputSizeBytes int64) float64 {
	return p.CostPerCall +
		float64(inputSizeBytes)*p.CostPerInputByte +
		float64(outputSizeBytes)*p.CostPerOutputByte
}

// Table resolves model and tool pricing. Immutable after construction;
// policy hot reload swaps the whole table, so lookups take no lock.
type Table struct {
	currency       string
	fallbackInput  float64
	fallbackOutput float64
	models         map[string]ModelPricing
	tools          map[string]ToolPricing
	// known model names sorted by length descending, lexicographic on
	// ties, so the first prefix hit is the longest match
	prefixes []string
	logger   *zap.Logger
	warned   sync.Map
}

// NewTable builds a Table from a pricing document. An empty models
// section loads the built-in catalog. A nil logger falls back to a
// no-op logger.
func NewTable(cfg Config, logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Table{
		currency:       cfg.Currency,
		fallbackInput:  cfg.FallbackInputPer1K,
		fallbackOutput: cfg.FallbackOutputPer1K,
		models:         make(map[string]ModelPricing, len(cfg.Models)),
		tools:          make(map[string]ToolPricing, len(cfg.Tools)),
		logger:         logger.With(zap.String("component", "pricing_table")),
	}
	if t.currency == "" {
		t.currency = DefaultCurrency
	}
	if t.fallbackInput == 0 {
		t.fallbackInput = DefaultFallbackInputPer1K
	}
	if t.fallbackOutput == 0 {
		t.fallbackOutput = DefaultFallbackOutputPer1K
	}

	for name, mc := range cfg.Models {
		t.models[name] = ModelPricing{
			ModelName:        name,
			InputPer1K:       mc.InputPer1K,
			OutputPer1K:      mc.OutputPer1K,
			CachedInputPer1K: mc.CachedInputPer1K,
			ReasoningPer1K:   mc.ReasoningPer1K,
		}
	}
	if len(t.models) == 0 {
		for name, rate := range defaultModelPricing {
			t.models[name] = ModelPricing{
				ModelName:   name,
				InputPer1K:  rate.inputPer1K,
				OutputPer1K: rate.outputPer1K,
			}
		}
	}

	for name, tc := range cfg.Tools {
		t.tools[name] = ToolPricing{
			ToolName:          name,
			CostPerCall:       tc.CostPerCall,
			CostPerInputByte:  tc.CostPerInputByte,
			CostPerOutputByte: tc.CostPerOutputByte,
		}
	}

	t.prefixes = make([]string, 0, len(t.models))
	for name := range t.models {
		t.prefixes = append(t.prefixes, name)
	}
	sort.Slice(t.prefixes, func(i, j int) bool {
		if len(t.prefixes[i]) != len(t.prefixes[j]) {
			return len(t.prefixes[i]) > len(t.prefixes[j])
		}
		return t.prefixes[i] < t.prefixes[j]
	})

	return t
}

// Currency returns the table's currency code.
func (t *Table) Currency() string {
	return t.currency
}

// ModelPricingFor resolves pricing for a model: exact name, then longest
// known prefix (versioned model names like gpt-4o-2024-11-20), then the
// fallback rates. Never fails.
func (t *Table) ModelPricingFor(modelName string) ModelPricing {
	if p, ok := t.models[modelName]; ok {
		return p
	}

	for _, known := range t.prefixes {
		if len(modelName) >= len(known) && modelName[:len(known)] == known {
			return t.models[known]
		}
	}

	if _, dup := t.warned.LoadOrStore(modelName, struct{}{}); !dup {
		t.logger.Warn("no pricing for model, using fallback rates",
			zap.String("model", modelName),
			zap.Float64("fallback_input_per_1k", t.fallbackInput),
			zap.Float64("fallback_output_per_1k", t.fallbackOutput),
		)
	}
	return ModelPricing{
		ModelName:   modelName,
		InputPer1K:  t.fallbackInput,
		OutputPer1K: t.fallbackOutput,
	}
}

// ToolPricingFor resolves pricing for a tool; unknown tools are free.
func (t *Table) ToolPricingFor(toolName string) ToolPricing {
	if p, ok := t.tools[toolName]; ok {
		return p
	}
	return ToolPricing{ToolName: toolName}
}

// ModelCost prices one model call.
func (t *Table) ModelCost(modelName string, promptTokens, completionTokens, cachedTokens, reasoningTokens int64) float64 {
	return t.ModelPricingFor(modelName).Cost(promptTokens, completionTokens, cachedTokens, reasoningTokens)
}

// CostForModelUsage prices a measured model usage.
func (t *Table) CostForModelUsage(u types.ModelUsage) float64 {
	return t.ModelCost(u.ModelName, u.PromptTokens, u.CompletionTokens, u.CachedTokens, u.ReasoningTokens)
}

// ToolCost prices one tool call.
func (t *Table) ToolCost(toolName string, inputSizeBytes, outputSizeBytes int64) float64 {
	return t.ToolPricingFor(toolName).Cost(inputSizeBytes, outputSizeBytes)
}

// CostForToolUsage prices a measured tool usage.
func (t *Table) CostForToolUsage(u types.ToolUsage) float64 {
	return t.ToolCost(u.ToolName, u.InputSizeBytes, u.OutputSizeBytes)
}

// EstimateModelCost prices a call before execution. The result feeds
// pre-flight warnings only and is never recorded.
func (t *Table) EstimateModelCost(modelName string, estimatedInputTokens, estimatedOutputTokens int64) float64 {
	p := t.ModelPricingFor(modelName)
	return p.Estimate(estimatedInputTokens, true) + p.Estimate(estimatedOutputTokens, false)
}
