package journal

// ============================================================================
// 變更日誌核心實作
// 職責：
// 1. 追加每一筆已套用的 pool 變更（append-only，JSON lines）
// 2. 提供重放功能，讓運維回溯配置歷史
// 3. 支援日誌旋轉（舊檔 gzip 壓縮保存）
// ============================================================================

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/hotpool/pkg/types"
)

var log = slog.Default()

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Journal 表示一個變更日誌實例
type Journal struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // 日誌檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // 日誌檔案路徑
	seq          uint64        // 當前序號
	syncOnAppend bool          // 是否每次追加都強制同步
	now          func() time.Time
	closed       bool
}

// Option 設定 Journal
type Option func(*Journal)

// WithSyncOnAppend 每次追加後 fsync
func WithSyncOnAppend(on bool) Option {
	return func(j *Journal) { j.syncOnAppend = on }
}

// WithClock 替換時間來源
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟一個變更日誌

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一筆記錄的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func Open(path string, opts ...Option) (*Journal, error) {
	seq, err := lastSeq(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	j := &Journal{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          seq,
		syncOnAppend: true,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Append 追加一筆變更
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum
// - 寫入檔案並同步到磁碟（syncOnAppend 時）
func (j *Journal) Append(event types.ChangeEvent) (Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return Record{}, ErrClosed
	}

	rec := Record{Seq: j.seq + 1, Timestamp: j.now().UnixMilli(), Event: event}
	sum, err := CalculateChecksum(rec.Seq, event)
	if err != nil {
		return Record{}, err
	}
	rec.Checksum = sum

	if err := j.encoder.Encode(rec); err != nil {
		return Record{}, fmt.Errorf("failed to append record: %w", err)
	}
	if j.syncOnAppend {
		if err := j.file.Sync(); err != nil {
			return Record{}, fmt.Errorf("failed to sync journal: %w", err)
		}
	}
	j.seq = rec.Seq
	return rec, nil
}

// SendChange 讓 Journal 能直接接在變更事件的發送路徑上
func (j *Journal) SendChange(_ context.Context, event types.ChangeEvent) error {
	_, err := j.Append(event)
	return err
}

// Replay 從頭重放所有記錄，遇到錯誤立即停止
func (j *Journal) Replay(handler RecordHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return ReplayFile(j.path, handler)
}

// Rotate 旋轉日誌檔案
//
// 舊檔案壓縮為 <path>.<timestamp>.gz，新檔案 seq 從 0 開始
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return "", ErrClosed
	}
	if err := j.file.Close(); err != nil {
		return "", err
	}

	backupPath := j.path + "." + j.now().Format("20060102_150405.000")
	if err := os.Rename(j.path, backupPath); err != nil {
		return "", err
	}

	newFile, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		j.closed = true
		return "", err
	}
	j.file = newFile
	j.encoder = json.NewEncoder(newFile)
	j.seq = 0

	gzPath := backupPath + ".gz"
	if err := compressFile(backupPath, gzPath); err != nil {
		log.Warn("Failed to compress rotated journal", "path", backupPath, "error", err)
		return backupPath, nil
	}
	if err := os.Remove(backupPath); err != nil {
		log.Warn("Failed to remove rotated journal", "path", backupPath, "error", err)
	}
	return gzPath, nil
}

// Close 關閉日誌，關閉後的實例不可重用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	return j.file.Close()
}

// LastSeq 取得當前的序號
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path 日誌檔案路徑
func (j *Journal) Path() string { return j.path }

// ============================================================================
// 檔案層級工具
// ============================================================================

// ReplayFile 逐行解碼並驗證 checksum，不需要開啟 Journal
//
// 檔案不存在視為空日誌。
func ReplayFile(path string, handler RecordHandler) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	return replay(f, handler)
}

// ReadAll 讀取所有記錄
func ReadAll(path string) ([]Record, error) {
	var records []Record
	err := ReplayFile(path, func(rec Record) error {
		records = append(records, rec)
		return nil
	})
	return records, err
}

func replay(r io.Reader, handler RecordHandler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if err := VerifyChecksum(rec); err != nil {
			return err
		}
		if err := handler(rec); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// lastSeq 掃描既有檔案取得最後一筆的 seq
//
// 尾端沒有換行的殘行（寫入中途崩潰）會被截掉，之前的記錄仍有效；
// 中間損毀的行保留給 Replay 回報。
func lastSeq(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var seq uint64
	end := 0
	for end < len(data) {
		nl := bytes.IndexByte(data[end:], '\n')
		if nl < 0 {
			break
		}
		var rec Record
		if json.Unmarshal(data[end:end+nl], &rec) == nil && rec.Seq > seq {
			seq = rec.Seq
		}
		end += nl + 1
	}

	if end < len(data) {
		log.Warn("Truncating torn journal tail", "path", path, "bytes", len(data)-end)
		if err := os.Truncate(path, int64(end)); err != nil {
			return 0, fmt.Errorf("failed to truncate torn tail: %w", err)
		}
	}
	return seq, nil
}

// compressFile gzip 壓縮旋轉出的舊檔
func compressFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		return err
	}
	return zw.Close()
}
