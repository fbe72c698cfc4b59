package pricing

// defaultRate is one entry of the built-in catalog (USD per 1K tokens).
type defaultRate struct {
	inputPer1K  float64
	outputPer1K float64
}

// defaultModelPricing covers common hosted models. A pricing document's
// models section overrides this catalog entirely; the catalog is loaded
// only when the document names no models.
var defaultModelPricing = map[string]defaultRate{
	// OpenAI GPT-4 series
	"gpt-4":               {30.00, 60.00},
	"gpt-4-turbo":         {10.00, 30.00},
	"gpt-4-turbo-preview": {10.00, 30.00},
	"gpt-4o":              {2.50, 10.00},
	"gpt-4o-mini":         {0.15, 0.60},
	"gpt-4.1":             {5.00, 15.00},
	"gpt-4.1-mini":        {0.40, 1.60},
	// OpenAI GPT-3.5 series
	"gpt-3.5-turbo":     {0.50, 1.50},
	"gpt-3.5-turbo-16k": {3.00, 4.00},
	// Anthropic Claude series
	"claude-3-opus":     {15.00, 75.00},
	"claude-3-sonnet":   {3.00, 15.00},
	"claude-3-haiku":    {0.25, 1.25},
	"claude-3.5-sonnet": {3.00, 15.00},
	"claude-3.5-haiku":  {0.80, 4.00},
	// Google Gemini series
	"gemini-1.5-pro":   {3.50, 10.50},
	"gemini-1.5-flash": {0.075, 0.30},
	"gemini-2.0-flash": {0.10, 0.40},
	// Meta Llama series (typical hosted pricing)
	"llama-3.1-405b": {5.00, 15.00},
	"llama-3.1-70b":  {0.90, 0.90},
	"llama-3.1-8b":   {0.20, 0.20},
}
