package metrics

import (
	"encoding/json"
	"log/slog"

	"github.com/ChuLiYu/hotpool/pkg/types"
)

var log = slog.Default()

// 計數名稱
const (
	MetricCompleted = "completed"
	MetricRejected  = "rejected"
)

// Sink 接收 Sampler 產生的快照
type Sink interface {
	Name() string
	Record(snap types.Snapshot)
}

// Forgetter 由需要在 pool 移除時清理狀態的 Sink 實作
type Forgetter interface {
	Forget(poolID string)
}

// record 是輸出到日誌的內容：快照加上兩個增量
type record struct {
	types.Snapshot
	CompletedDelta int64 `json:"completedDelta"`
	RejectDelta    int64 `json:"rejectDelta"`
}

// LogSink 每個快照輸出一行 JSON
type LogSink struct {
	logger *slog.Logger
	deltas *Deltas
}

// NewLogSink 建立日誌 Sink；logger 為 nil 時使用預設 logger
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = log
	}
	return &LogSink{logger: logger, deltas: NewDeltas()}
}

// Name 回傳 Sink 名稱
func (s *LogSink) Name() string { return types.CollectLog }

// Record 序列化快照並寫入一行日誌
func (s *LogSink) Record(snap types.Snapshot) {
	line, err := json.Marshal(record{
		Snapshot:       snap,
		CompletedDelta: s.deltas.Update(snap.ID, MetricCompleted, snap.CompletedTaskCount),
		RejectDelta:    s.deltas.Update(snap.ID, MetricRejected, snap.RejectCount),
	})
	if err != nil {
		s.logger.Warn("Failed to encode pool metrics", "pool", snap.ID, "error", err)
		return
	}
	s.logger.Info("Pool metrics", "pool", snap.ID, "metrics", string(line))
}

// Forget 清除 pool 的增量狀態
func (s *LogSink) Forget(poolID string) { s.deltas.Forget(poolID) }
