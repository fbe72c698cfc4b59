package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/costguard/pricing"
)

// DefaultRefreshInterval 是策略自动刷新的默认周期。
const DefaultRefreshInterval = 300 * time.Second

// ErrNoSnapshot 表示首次加载失败且没有可用快照。
var ErrNoSnapshot = errors.New("policy: no snapshot available")

// Snapshot 是一份不可变的策略视图。预算与路由策略均按优先级
// 降序排列,同分保持加载顺序。并发读取无需加锁。
type Snapshot struct {
	budgets         []*BudgetSpec
	routingPolicies []*RoutingPolicy
	pricing         *pricing.Table
	loadedAt        time.Time
}

// Budgets 返回全部已启用排序后的预算。调用方不得修改。
func (s *Snapshot) Budgets() []*BudgetSpec {
	return s.budgets
}

// RoutingPolicies 返回全部排序后的路由策略。调用方不得修改。
func (s *Snapshot) RoutingPolicies() []*RoutingPolicy {
	return s.routingPolicies
}

// Pricing 返回当前价格表。
func (s *Snapshot) Pricing() *pricing.Table {
	return s.pricing
}

// LoadedAt 返回快照的加载时间。
func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}

// BudgetsFor 返回匹配上下文的预算,按优先级降序。
func (s *Snapshot) BudgetsFor(tenantID, strandID, workflowID string) []*BudgetSpec {
	var matched []*BudgetSpec
	for _, b := range s.budgets {
		if b.MatchesContext(tenantID, strandID, workflowID) {
			matched = append(matched, b)
		}
	}
	return matched
}

// EffectiveBudget 返回最高优先级的匹配预算,可按 scope 过滤;
// 无匹配时返回 nil。
func (s *Snapshot) EffectiveBudget(tenantID, strandID, workflowID string, scope Scope) *BudgetSpec {
	for _, b := range s.budgets {
		if !b.MatchesContext(tenantID, strandID, workflowID) {
			continue
		}
		if scope != "" && b.Scope != scope {
			continue
		}
		return b
	}
	return nil
}

// RoutingPolicyFor 返回最具体的匹配路由策略,无匹配时返回 nil。
// 不做跨策略合并。
func (s *Snapshot) RoutingPolicyFor(tenantID, strandID, workflowID string) *RoutingPolicy {
	for _, p := range s.routingPolicies {
		if p.MatchesContext(tenantID, strandID, workflowID) {
			return p
		}
	}
	return nil
}

// StoreOption 配置策略存储。
type StoreOption func(*Store)

// WithStoreLogger 设置日志器。
func WithStoreLogger(logger *zap.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRefreshInterval 设置自动刷新周期,非正值关闭自动刷新。
func WithRefreshInterval(interval time.Duration) StoreOption {
	return func(s *Store) {
		s.refreshInterval = interval
	}
}

// Store 持有策略快照并周期性地从 Source 重载。
//
// 刷新失败时沿用上一份快照;首次加载失败则构造失败。
// 快照发布是原子的:进行中的钩子调用继续使用其读到的旧快照。
type Store struct {
	source          Source
	logger          *zap.Logger
	refreshInterval time.Duration

	mu       sync.RWMutex
	snapshot *Snapshot

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewStore 创建策略存储并完成首次加载。
func NewStore(source Source, opts ...StoreOption) (*Store, error) {
	s := &Store{
		source:          source,
		logger:          zap.NewNop(),
		refreshInterval: DefaultRefreshInterval,
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "policy_store"))

	if err := s.Refresh(context.Background()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSnapshot, err)
	}

	if s.refreshInterval > 0 {
		s.wg.Add(1)
		go s.refreshLoop()
	}
	return s, nil
}

// Refresh 立即从 Source 重载全部策略文档并发布新快照。
// 任一文档集加载或校验失败都会放弃本次刷新,保留当前快照。
func (s *Store) Refresh(ctx context.Context) error {
	var (
		budgetDocs  []BudgetDoc
		routingDocs []RoutingDoc
		pricingCfg  pricing.Config
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		docs, err := s.source.LoadBudgets(gctx)
		if err != nil {
			return fmt.Errorf("load budgets: %w", err)
		}
		budgetDocs = docs
		return nil
	})
	g.Go(func() error {
		docs, err := s.source.LoadRoutingPolicies(gctx)
		if err != nil {
			return fmt.Errorf("load routing policies: %w", err)
		}
		routingDocs = docs
		return nil
	})
	g.Go(func() error {
		cfg, err := s.source.LoadPricing(gctx)
		if err != nil {
			return fmt.Errorf("load pricing: %w", err)
		}
		pricingCfg = cfg
		return nil
	})
	if err := g.Wait(); err != nil {
		s.logger.Error("策略刷新失败", zap.Error(err))
		return err
	}

	budgets := make([]*BudgetSpec, 0, len(budgetDocs))
	for _, doc := range budgetDocs {
		spec, err := BudgetSpecFromDoc(doc)
		if err != nil {
			s.logger.Error("预算文档校验失败", zap.Error(err))
			return err
		}
		budgets = append(budgets, &spec)
	}
	sort.SliceStable(budgets, func(i, j int) bool {
		return budgets[i].Priority() > budgets[j].Priority()
	})

	policies := make([]*RoutingPolicy, 0, len(routingDocs))
	for _, doc := range routingDocs {
		p, err := RoutingPolicyFromDoc(doc)
		if err != nil {
			s.logger.Error("路由策略文档校验失败", zap.Error(err))
			return err
		}
		policies = append(policies, &p)
	}
	sort.SliceStable(policies, func(i, j int) bool {
		return policies[i].Priority() > policies[j].Priority()
	})

	snap := &Snapshot{
		budgets:         budgets,
		routingPolicies: policies,
		pricing:         pricing.NewTable(pricingCfg, s.logger),
		loadedAt:        time.Now().UTC(),
	}

	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()

	s.logger.Info("策略已加载",
		zap.Int("budgets", len(budgets)),
		zap.Int("routing_policies", len(policies)),
		zap.String("currency", snap.pricing.Currency()))
	return nil
}

func (s *Store) refreshLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Refresh(context.Background()); err != nil {
				s.logger.Warn("沿用上一份已知良好的策略快照", zap.Error(err))
			}
		case <-s.done:
			return
		}
	}
}

// Close 停止自动刷新。幂等。
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return nil
}

// Snapshot 返回当前策略快照。
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// LastRefresh 返回当前快照的加载时间。
func (s *Store) LastRefresh() time.Time {
	return s.Snapshot().LoadedAt()
}

// BudgetsForContext 返回匹配上下文的预算,按优先级降序。
func (s *Store) BudgetsForContext(tenantID, strandID, workflowID string) []*BudgetSpec {
	return s.Snapshot().BudgetsFor(tenantID, strandID, workflowID)
}

// EffectiveBudget 返回最高优先级的匹配预算,scope 为空串时不过滤。
func (s *Store) EffectiveBudget(tenantID, strandID, workflowID string, scope Scope) *BudgetSpec {
	return s.Snapshot().EffectiveBudget(tenantID, strandID, workflowID, scope)
}

// RoutingPolicyFor 返回最具体的匹配路由策略。
func (s *Store) RoutingPolicyFor(tenantID, strandID, workflowID string) *RoutingPolicy {
	return s.Snapshot().RoutingPolicyFor(tenantID, strandID, workflowID)
}

// PricingTable 返回当前价格表。
func (s *Store) PricingTable() *pricing.Table {
	return s.Snapshot().Pricing()
}
