package snapshot

// ============================================================================
// 職責說明：
// 1. 將最近一次成功套用的 pool 配置序列化為 JSON 檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 供運維查看目前生效的配置（hotpool status），或在重啟後比對遠端文件
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/hotpool/pkg/types"
)

var log = slog.Default()

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 配置快照管理器
type Manager struct {
	path string           // 快照檔案路徑
	now  func() time.Time // UpdatedAt 時間來源
	mu   sync.Mutex       // 保護檔案操作
}

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
		now:  time.Now,
	}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Save 以目前時間寫入 pool 配置；可直接作為 refresher 的 applied hook
func (m *Manager) Save(pools map[string]types.PoolConfig) {
	snap := types.ConfigSnapshot{Pools: pools, UpdatedAt: m.now().UnixMilli()}
	if err := m.Write(snap); err != nil {
		log.Error("Failed to persist config snapshot", "path", m.path, "error", err)
		return
	}
	log.Info("Config snapshot persisted", "path", m.path, "pools", len(pools))
}

// Write 原子性寫入快照
//
// 流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(data types.ConfigSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(data)
}

func (m *Manager) writeLocked(data types.ConfigSnapshot) error {
	data.SchemaVer = SchemaVersion
	if data.Pools == nil {
		data.Pools = map[string]types.PoolConfig{}
	}

	// 帶縮排，方便人工閱讀
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load 載入快照
//
// 行為：
//   - 檔案不存在時回傳空快照（尚未套用過任何遠端配置）
//   - JSON 無法解析時回傳 ErrCorruptedSnapshot
//   - 版本不符時回傳 ErrIncompatibleVersion
func (m *Manager) Load() (types.ConfigSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.ConfigSnapshot

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.ConfigSnapshot{
				Pools:     map[string]types.PoolConfig{},
				SchemaVer: SchemaVersion,
			}, nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	if data.Pools == nil {
		data.Pools = map[string]types.PoolConfig{}
	}
	return data, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup 寫入快照並保留最近 keepBackups 個舊版本
func (m *Manager) WriteWithBackup(data types.ConfigSnapshot, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Exists() {
		backupPath := fmt.Sprintf("%s.%s", m.path, m.now().Format("20060102_150405.000"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
		m.pruneBackups(keepBackups)
	}
	return m.writeLocked(data)
}

// pruneBackups 刪除最舊的備份，只留下 keep 個
func (m *Manager) pruneBackups(keep int) {
	matches, err := filepath.Glob(m.path + ".*")
	if err != nil {
		return
	}
	var backups []string
	for _, p := range matches {
		if p != m.path+".tmp" {
			backups = append(backups, p)
		}
	}
	// 時間戳格式可依字典序排序
	sort.Strings(backups)
	for len(backups) > keep && len(backups) > 0 {
		os.Remove(backups[0])
		backups = backups[1:]
	}
}
