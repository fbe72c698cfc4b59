package pricing

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// 成本计算的代数性质：非负、零用量为零、对 Token 数单调。
func TestProperty_ModelCostLaws(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)
	table := NewTable(Config{}, nil)

	properties.Property("cost is never negative", prop.ForAll(
		func(prompt, completion, cached, reasoning int64) bool {
			return table.ModelCost("gpt-4o", prompt, completion, cached, reasoning) >= 0
		},
		gen.Int64Range(0, 1_000_000),
		gen.Int64Range(0, 1_000_000),
		gen.Int64Range(0, 2_000_000),
		gen.Int64Range(0, 1_000_000),
	))

	properties.Property("zero usage costs exactly zero", prop.ForAll(
		func(model string) bool {
			return table.ModelCost(model, 0, 0, 0, 0) == 0
		},
		gen.RegexMatch(`[a-z0-9.-]{1,24}`),
	))

	properties.Property("cost is monotonic in completion tokens", prop.ForAll(
		func(prompt, completion, extra int64) bool {
			base := table.ModelCost("gpt-4o", prompt, completion, 0, 0)
			more := table.ModelCost("gpt-4o", prompt, completion+extra, 0, 0)
			return more >= base
		},
		gen.Int64Range(0, 100_000),
		gen.Int64Range(0, 100_000),
		gen.Int64Range(0, 100_000),
	))

	properties.Property("fallback never fails and stays non-negative", prop.ForAll(
		func(model string, prompt, completion int64) bool {
			return table.ModelCost(model, prompt, completion, 0, 0) >= 0
		},
		gen.RegexMatch(`[a-z0-9.-]{1,24}`),
		gen.Int64Range(0, 100_000),
		gen.Int64Range(0, 100_000),
	))

	properties.TestingRun(t)
}

func TestProperty_ToolCostLaws(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)
	table := NewTable(Config{
		Tools: map[string]ToolConfig{
			"metered": {CostPerCall: 0.01, CostPerInputByte: 1e-6, CostPerOutputByte: 2e-6},
		},
	}, nil)

	properties.Property("tool cost decomposes per rate", prop.ForAll(
		func(in, out int64) bool {
			got := table.ToolCost("metered", in, out)
			want := 0.01 + float64(in)*1e-6 + float64(out)*2e-6
			diff := got - want
			return diff < 1e-9 && diff > -1e-9
		},
		gen.Int64Range(0, 10_000_000),
		gen.Int64Range(0, 10_000_000),
	))

	properties.Property("unknown tools are free", prop.ForAll(
		func(tool string, in, out int64) bool {
			if tool == "metered" {
				return true
			}
			return table.ToolCost(tool, in, out) == 0
		},
		gen.RegexMatch(`[a-z_]{1,16}`),
		gen.Int64Range(0, 1_000_000),
		gen.Int64Range(0, 1_000_000),
	))

	properties.TestingRun(t)
}
