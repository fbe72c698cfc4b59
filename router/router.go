package router

import (
	"github.com/BaSui01/costguard/policy"
)

// Selection 是一次模型选择的结果。MaxTokens 为 0 表示无上限。
type Selection struct {
	Model         string `json:"model"`
	MaxTokens     int    `json:"max_tokens,omitempty"`
	WasDowngraded bool   `json:"was_downgraded"`
	Reason        string `json:"reason,omitempty"`
}

// Select 依据路由策略为 stage 选择生效模型。
//
// 存在 stage 配置且声明了 fallback_model 时，按序评估降级触发条件，
// 首个满足的条件返回 fallback 模型与触发原因；否则返回 stage 的
// 默认模型与 max_tokens。无 stage 配置时返回策略顶层 default_model，
// 不限 tokens。nil 策略返回零值 Selection，调用方沿用请求的模型。
func Select(p *policy.RoutingPolicy, stage string, sig policy.Signals) Selection {
	if p == nil {
		return Selection{}
	}

	sc, ok := p.StageFor(stage)
	if !ok {
		return Selection{Model: p.DefaultModel}
	}

	if sc.FallbackModel != "" {
		if downgrade, reason := sc.Trigger.ShouldDowngrade(sig); downgrade {
			return Selection{
				Model:         sc.FallbackModel,
				MaxTokens:     sc.MaxTokens,
				WasDowngraded: true,
				Reason:        reason,
			}
		}
	}

	model := sc.DefaultModel
	if model == "" {
		model = p.DefaultModel
	}
	return Selection{Model: model, MaxTokens: sc.MaxTokens}
}
