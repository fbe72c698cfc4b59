package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.httpRequestDuration)
	assert.NotNil(t, collector.decisionsTotal)
	assert.NotNil(t, collector.activeRuns)
	assert.NotNil(t, collector.policyRefreshTotal)
	assert.NotNil(t, collector.storeConflictsTotal)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	// 记录请求
	collector.RecordHTTPRequest("POST", "/v1/hooks/admit", 200, 100*time.Millisecond, 1024, 2048)

	// 验证指标
	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)

	// 再记录一次相同的请求
	collector.RecordHTTPRequest("POST", "/v1/hooks/admit", 200, 50*time.Millisecond, 512, 1024)

	// 验证计数增加
	value := testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/v1/hooks/admit", "2xx"))
	assert.Equal(t, 2.0, value)
}

func TestCollector_RecordDecision(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordDecision("admit", "allow")
	collector.RecordDecision("admit", "reject")
	collector.RecordDecision("admit", "reject")
	collector.RecordDecision("before_model", "downgrade_model")

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.decisionsTotal.WithLabelValues("admit", "allow")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.decisionsTotal.WithLabelValues("admit", "reject")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.decisionsTotal.WithLabelValues("before_model", "downgrade_model")))
}

func TestCollector_SetActiveRuns(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.SetActiveRuns(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.activeRuns))

	collector.SetActiveRuns(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.activeRuns))
}

func TestCollector_RecordPolicyRefresh(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordPolicyRefresh("success")
	collector.RecordPolicyRefresh("success")
	collector.RecordPolicyRefresh("failure")

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.policyRefreshTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.policyRefreshTotal.WithLabelValues("failure")))
}

func TestCollector_RecordStoreConflict(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordStoreConflict("increment_cost")
	collector.RecordStoreConflict("increment_cost")

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.storeConflictsTotal.WithLabelValues("increment_cost")))
}

func TestCollector_RecordDBConnections(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordDBConnections("postgres", 10, 5)

	assert.Equal(t, 10.0, testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("postgres")))
	assert.Equal(t, 5.0, testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("postgres")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	// 并发记录多个指标
	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			collector.RecordHTTPRequest("POST", "/v1/hooks/end", 200, 100*time.Millisecond, 1024, 2048)
			collector.RecordDecision("end", "allow")
			collector.RecordStoreConflict("set")
			done <- true
		}()
	}

	// 等待所有 goroutine 完成
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Equal(t, 10.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/v1/hooks/end", "2xx")))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.decisionsTotal.WithLabelValues("end", "allow")))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.storeConflictsTotal.WithLabelValues("set")))
}

func TestCollector_MetricsRegistration(t *testing.T) {
	logger := zap.NewNop()

	// 创建自定义 registry
	registry := prometheus.NewRegistry()

	// 创建 collector（会自动注册到默认 registry）
	collector := NewCollector(nextTestNamespace(), logger)

	// 手动注册到自定义 registry
	registry.MustRegister(collector.httpRequestsTotal)
	registry.MustRegister(collector.decisionsTotal)

	// 记录一些数据
	collector.RecordHTTPRequest("GET", "/v1/budgets", 200, 100*time.Millisecond, 0, 0)

	// 验证可以从自定义 registry 收集指标
	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code     int
		expected string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{429, "4xx"},
		{500, "5xx"},
		{99, "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, statusCode(tt.code))
	}
}
