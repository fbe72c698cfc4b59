package archive

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/BaSui01/costguard/types"
)

// RunRecord 是一次运行的归档行。
type RunRecord struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	RunID             string    `gorm:"size:64;uniqueIndex" json:"run_id"`
	TenantID          string    `gorm:"size:64;index:idx_run_scope" json:"tenant_id"`
	StrandID          string    `gorm:"size:64;index:idx_run_scope" json:"strand_id"`
	WorkflowID        string    `gorm:"size:64;index:idx_run_scope" json:"workflow_id"`
	Status            string    `gorm:"size:16" json:"status"`
	Iterations        int       `gorm:"default:0" json:"iterations"`
	TotalCost         float64   `gorm:"type:decimal(14,6);default:0" json:"total_cost"`
	TotalInputTokens  int64     `gorm:"default:0" json:"total_input_tokens"`
	TotalOutputTokens int64     `gorm:"default:0" json:"total_output_tokens"`
	TotalToolCalls    int       `gorm:"default:0" json:"total_tool_calls"`
	ModelCosts        string    `gorm:"type:text" json:"model_costs"` // JSON: 模型名 → 成本
	ToolCosts         string    `gorm:"type:text" json:"tool_costs"`  // JSON: 工具名 → 成本
	StartedAt         time.Time `gorm:"index" json:"started_at"`
	EndedAt           time.Time `json:"ended_at"`
	CreatedAt         time.Time `json:"created_at"`
}

// TableName 固定表名，与 internal/migration 的 SQL 保持一致。
func (RunRecord) TableName() string {
	return "run_records"
}

// NewRunRecord 由终态 RunState 构建归档行。
func NewRunRecord(rs *types.RunState) *RunRecord {
	ended := time.Now().UTC()
	if rs.EndedAt != nil {
		ended = *rs.EndedAt
	}
	return &RunRecord{
		RunID:             rs.Context.RunID,
		TenantID:          rs.Context.TenantID,
		StrandID:          rs.Context.StrandID,
		WorkflowID:        rs.Context.WorkflowID,
		Status:            string(rs.Status),
		Iterations:        rs.CurrentIteration,
		TotalCost:         rs.TotalCost,
		TotalInputTokens:  rs.TotalInputTokens,
		TotalOutputTokens: rs.TotalOutputTokens,
		TotalToolCalls:    rs.TotalToolCalls,
		ModelCosts:        marshalCosts(rs.ModelCosts),
		ToolCosts:         marshalCosts(rs.ToolCosts),
		StartedAt:         rs.Context.StartedAt,
		EndedAt:           ended,
	}
}

func marshalCosts(costs map[string]float64) string {
	if len(costs) == 0 {
		return "{}"
	}
	data, err := json.Marshal(costs)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Migrate 自动迁移归档表结构。生产环境走 internal/migration 的
// 版本化 SQL，这里供 SQLite 与测试环境使用。
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&RunRecord{})
}
