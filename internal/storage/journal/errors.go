package journal

// ============================================================================
// Journal Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed 已關閉的 journal 不可再寫入
	ErrClosed = errors.New("journal: already closed")

	// ErrChecksumMismatch 校驗和不符（資料損毀或遭竄改）
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")
)

// ChecksumError 帶有序號與校驗值的校驗錯誤
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// CorruptionError 無法解析的行
type CorruptionError struct {
	Line  int   // 從 1 開始
	Cause error // 底層解析錯誤
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted record at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() error { return e.Cause }
