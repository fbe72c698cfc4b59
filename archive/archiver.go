package archive

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/costguard"
	"github.com/BaSui01/costguard/types"
)

// Config 配置归档器。
type Config struct {
	// 待写队列容量
	QueueSize int `json:"queue_size"`
	// 单批最大行数
	BatchSize int `json:"batch_size"`
	// 批次最长等待时间
	FlushInterval time.Duration `json:"flush_interval"`
}

// DefaultConfig 返回合理的默认值。
func DefaultConfig() Config {
	return Config{
		QueueSize:     1024,
		BatchSize:     64,
		FlushInterval: 2 * time.Second,
	}
}

// Archiver 异步归档终态运行。RecordRunEnd 只入队，后台单 Worker
// 按批落库，保证记录按结束顺序写入。
type Archiver struct {
	db     *gorm.DB
	config Config
	logger *zap.Logger

	queue    chan *RunRecord
	stopChan chan struct{}
	closed   atomic.Bool
	wg       sync.WaitGroup

	// 计量
	enqueued atomic.Int64
	archived atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
}

var _ costguard.RunRecorder = (*Archiver)(nil)

// New 创建归档器并启动后台 Worker。
func New(db *gorm.DB, config Config, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = def.FlushInterval
	}

	a := &Archiver{
		db:       db,
		config:   config,
		logger:   logger.With(zap.String("component", "archive")),
		queue:    make(chan *RunRecord, config.QueueSize),
		stopChan: make(chan struct{}),
	}

	a.wg.Add(1)
	go a.worker()

	return a
}

// RecordRunEnd 入队一条终态运行。队列满或已关闭时丢弃，绝不阻塞。
func (a *Archiver) RecordRunEnd(rs *types.RunState) {
	if rs == nil || a.closed.Load() {
		return
	}

	rec := NewRunRecord(rs)

	select {
	case a.queue <- rec:
		a.enqueued.Add(1)
	default:
		a.dropped.Add(1)
		a.logger.Warn("archive queue full, dropping run record",
			zap.String("run_id", rec.RunID),
			zap.String("tenant_id", rec.TenantID))
	}
}

func (a *Archiver) worker() {
	defer a.wg.Done()

	batch := make([]*RunRecord, 0, a.config.BatchSize)
	timer := time.NewTimer(a.config.FlushInterval)
	defer timer.Stop()

	for {
		select {
		case rec := <-a.queue:
			batch = append(batch, rec)

			if len(batch) >= a.config.BatchSize {
				a.flush(batch)
				batch = batch[:0]
				timer.Reset(a.config.FlushInterval)
			}

		case <-timer.C:
			if len(batch) > 0 {
				a.flush(batch)
				batch = batch[:0]
			}
			timer.Reset(a.config.FlushInterval)

		case <-a.stopChan:
			// 排空队列并落掉余批
			for {
				select {
				case rec := <-a.queue:
					batch = append(batch, rec)
					if len(batch) >= a.config.BatchSize {
						a.flush(batch)
						batch = batch[:0]
					}
				default:
					a.flush(batch)
					return
				}
			}
		}
	}
}

func (a *Archiver) flush(batch []*RunRecord) {
	if len(batch) == 0 {
		return
	}

	if err := a.db.Create(&batch).Error; err != nil {
		a.failed.Add(int64(len(batch)))
		a.logger.Warn("run record batch insert failed",
			zap.Int("count", len(batch)),
			zap.Error(err))
		return
	}

	a.archived.Add(int64(len(batch)))
}

// Close 停止接收新记录，排空队列并刷掉余批。队列通道从不关闭，
// 与 Close 并发的 RecordRunEnd 至多丢失该条记录。
func (a *Archiver) Close() {
	if a.closed.Swap(true) {
		return
	}
	close(a.stopChan)
	a.wg.Wait()
}

// Stats 返回归档统计。
func (a *Archiver) Stats() Stats {
	return Stats{
		Enqueued: a.enqueued.Load(),
		Archived: a.archived.Load(),
		Dropped:  a.dropped.Load(),
		Failed:   a.failed.Load(),
		Queued:   len(a.queue),
	}
}

// Stats 包含归档器统计。
type Stats struct {
	Enqueued int64 `json:"enqueued"`
	Archived int64 `json:"archived"`
	Dropped  int64 `json:"dropped"`
	Failed   int64 `json:"failed"`
	Queued   int   `json:"queued"`
}
