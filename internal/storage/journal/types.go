package journal

import "github.com/ChuLiYu/hotpool/pkg/types"

// ============================================================================
// Journal Type Definitions
// Responsibility: on-disk record of one applied pool change
// ============================================================================

// Record 一筆已套用的變更，每行一個 JSON 物件
type Record struct {
	Seq       uint64            `json:"seq"`       // 單調遞增序號
	Timestamp int64             `json:"timestamp"` // 寫入時間，Unix 毫秒
	Checksum  uint32            `json:"checksum"`  // CRC32，涵蓋 seq 與 event
	Event     types.ChangeEvent `json:"event"`
}

// RecordHandler Replay 時逐筆處理；回傳錯誤會中止 Replay
type RecordHandler func(rec Record) error
