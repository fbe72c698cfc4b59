package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/costguard/pricing"
)

// Source yields the three policy document sets. Implementations must
// be safe for concurrent use; the store calls them from its refresh
// loop.
type Source interface {
	LoadBudgets(ctx context.Context) ([]BudgetDoc, error)
	LoadRoutingPolicies(ctx context.Context) ([]RoutingDoc, error)
	LoadPricing(ctx context.Context) (pricing.Config, error)
}

// 默认策略文件名。
const (
	BudgetsFileName = "budgets.yaml"
	RoutingFileName = "routing.yaml"
	PricingFileName = "pricing.yaml"
)

// FileSource 从目录中的 YAML 文件加载策略文档。
// 缺失的文件视为空文档并记录告警,不作为加载失败。
type FileSource struct {
	dir    string
	logger *zap.Logger
}

// NewFileSource 创建文件策略源。
func NewFileSource(dir string, logger *zap.Logger) *FileSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSource{
		dir:    dir,
		logger: logger.With(zap.String("component", "policy_file_source")),
	}
}

func (s *FileSource) loadYAML(name string, out any) error {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("策略文件不存在,按空文档处理",
				zap.String("path", path))
			return nil
		}
		return fmt.Errorf("read policy file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return nil
}

// LoadBudgets 读取 budgets.yaml 的 budgets 列表。
func (s *FileSource) LoadBudgets(_ context.Context) ([]BudgetDoc, error) {
	var doc struct {
		Budgets []BudgetDoc `yaml:"budgets"`
	}
	if err := s.loadYAML(BudgetsFileName, &doc); err != nil {
		return nil, err
	}
	return doc.Budgets, nil
}

// LoadRoutingPolicies 读取 routing.yaml 的 routing_policies 列表。
func (s *FileSource) LoadRoutingPolicies(_ context.Context) ([]RoutingDoc, error) {
	var doc struct {
		RoutingPolicies []RoutingDoc `yaml:"routing_policies"`
	}
	if err := s.loadYAML(RoutingFileName, &doc); err != nil {
		return nil, err
	}
	return doc.RoutingPolicies, nil
}

// LoadPricing 读取 pricing.yaml 的 pricing 配置。
func (s *FileSource) LoadPricing(_ context.Context) (pricing.Config, error) {
	var doc struct {
		Pricing pricing.Config `yaml:"pricing"`
	}
	if err := s.loadYAML(PricingFileName, &doc); err != nil {
		return pricing.Config{}, err
	}
	return doc.Pricing, nil
}

// DefaultEnvPrefix 是环境变量策略源的默认前缀。
const DefaultEnvPrefix = "COSTGUARD_"

// EnvSource 从环境变量加载一份单租户策略,适合简单部署:
//
//	COSTGUARD_MAX_COST       租户月度预算上限(必填,否则无预算)
//	COSTGUARD_PERIOD         预算周期(hourly/daily/weekly/monthly)
//	COSTGUARD_DEFAULT_MODEL  默认模型(必填,否则无路由策略)
//	COSTGUARD_FALLBACK_MODEL 软阈值降级目标模型
type EnvSource struct {
	prefix string
	logger *zap.Logger
}

// NewEnvSource 创建环境变量策略源,prefix 为空时使用 DefaultEnvPrefix。
func NewEnvSource(prefix string, logger *zap.Logger) *EnvSource {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnvSource{
		prefix: prefix,
		logger: logger.With(zap.String("component", "policy_env_source")),
	}
}

// LoadBudgets 在设置了 MAX_COST 时返回一条租户级预算。
func (s *EnvSource) LoadBudgets(_ context.Context) ([]BudgetDoc, error) {
	raw := os.Getenv(s.prefix + "MAX_COST")
	if raw == "" {
		return nil, nil
	}
	maxCost, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("parse %sMAX_COST: %w", s.prefix, err)
	}
	return []BudgetDoc{{
		ID:      "env-default",
		Scope:   string(ScopeTenant),
		Match:   Match{TenantID: Wildcard},
		Period:  os.Getenv(s.prefix + "PERIOD"),
		MaxCost: &maxCost,
	}}, nil
}

// LoadRoutingPolicies 在设置了 DEFAULT_MODEL 时返回一条路由策略;
// 同时设置 FALLBACK_MODEL 时,为每个 stage 配置软阈值降级。
func (s *EnvSource) LoadRoutingPolicies(_ context.Context) ([]RoutingDoc, error) {
	defaultModel := os.Getenv(s.prefix + "DEFAULT_MODEL")
	if defaultModel == "" {
		return nil, nil
	}
	doc := RoutingDoc{
		ID:           "env-default",
		Match:        Match{StrandID: Wildcard},
		DefaultModel: defaultModel,
	}
	if fallback := os.Getenv(s.prefix + "FALLBACK_MODEL"); fallback != "" {
		for _, stage := range []string{StagePlanning, StageToolSelection, StageSynthesis, StageOther} {
			doc.Stages = append(doc.Stages, StageDoc{
				Stage:         stage,
				DefaultModel:  defaultModel,
				FallbackModel: fallback,
				Trigger:       &TriggerDoc{},
			})
		}
	}
	return []RoutingDoc{doc}, nil
}

// LoadPricing 环境变量不承载价格表,返回空配置(使用内置目录)。
func (s *EnvSource) LoadPricing(_ context.Context) (pricing.Config, error) {
	return pricing.Config{}, nil
}

// StaticSource 持有内存中的策略文档,用于测试和程序内嵌配置。
type StaticSource struct {
	Budgets         []BudgetDoc
	RoutingPolicies []RoutingDoc
	Pricing         pricing.Config
}

func (s *StaticSource) LoadBudgets(_ context.Context) ([]BudgetDoc, error) {
	return s.Budgets, nil
}

func (s *StaticSource) LoadRoutingPolicies(_ context.Context) ([]RoutingDoc, error) {
	return s.RoutingPolicies, nil
}

func (s *StaticSource) LoadPricing(_ context.Context) (pricing.Config, error) {
	return s.Pricing, nil
}
