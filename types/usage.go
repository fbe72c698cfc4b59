package types

// ModelUsage captures the measured usage of a single model call.
type ModelUsage struct {
	ModelName        string  `json:"model_name"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	CachedTokens     int64   `json:"cached_tokens,omitempty"`
	ReasoningTokens  int64   `json:"reasoning_tokens,omitempty"`
	LatencyMS        float64 `json:"latency_ms,omitempty"`
	Cost             float64 `json:"cost,omitempty"`
}

// TotalTokens returns prompt + completion tokens.
func (u ModelUsage) TotalTokens() int64 {
	return u.PromptTokens + u.CompletionTokens
}

// ToolUsage captures the measured usage of a single tool call.
type ToolUsage struct {
	ToolName        string            `json:"tool_name"`
	InputSizeBytes  int64             `json:"input_size_bytes"`
	OutputSizeBytes int64             `json:"output_size_bytes"`
	DurationMS      float64           `json:"duration_ms,omitempty"`
	Success         bool              `json:"success"`
	ErrorType       string            `json:"error_type,omitempty"`
	Cost            float64           `json:"cost,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// IterationUsage aggregates the calls made within one agent iteration.
type IterationUsage struct {
	IterationIdx int          `json:"iteration_idx"`
	ModelCalls   []ModelUsage `json:"model_calls,omitempty"`
	ToolCalls    []ToolUsage  `json:"tool_calls,omitempty"`
}

// TotalCost sums the cost of every call in the iteration.
func (u IterationUsage) TotalCost() float64 {
	var total float64
	for _, m := range u.ModelCalls {
		total += m.Cost
	}
	for _, t := range u.ToolCalls {
		total += t.Cost
	}
	return total
}

// TotalTokens sums prompt + completion tokens across model calls.
func (u IterationUsage) TotalTokens() int64 {
	var total int64
	for _, m := range u.ModelCalls {
		total += m.TotalTokens()
	}
	return total
}

// TokenCounter is the minimal token counting interface consumed by the
// router's pre-flight estimation. Implementations must be safe for
// concurrent use.
type TokenCounter interface {
	CountTokens(text string) int
}
