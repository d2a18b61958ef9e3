package executor

import (
	"errors"
	"time"

	"github.com/ChuLiYu/hotpool/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrShutdown 表示 Executor 已關閉，不再接受新任務
	ErrShutdown = errors.New("executor is shut down")
	// ErrRejected 表示任務被 abort 策略拒絕
	ErrRejected = errors.New("task rejected")
	// ErrNilTask 表示提交了空任務
	ErrNilTask = errors.New("nil task")
	// ErrInvalidSize 表示 core/max 的寫入違反 0 <= core <= max, max > 0
	ErrInvalidSize = errors.New("invalid pool size")
)

// Task 代表要執行的任務
type Task interface {
	Run()
}

// TaskFunc 讓普通函式滿足 Task
type TaskFunc func()

// Run 執行任務
func (f TaskFunc) Run() { f() }

// Prioritized 由優先權佇列使用，數值越大越先執行
type Prioritized interface {
	Priority() int
}

// PriorityTask 帶優先權的任務
type PriorityTask struct {
	Task
	Level int
}

// Priority 回傳任務優先權
func (p PriorityTask) Priority() int { return p.Level }

// Stats 代表 Executor 某一時刻的計數器讀值
// 所有欄位都來自原子變數，讀取不需要持有任何鎖
type Stats struct {
	CorePoolSize       int
	MaximumPoolSize    int
	PoolSize           int
	ActiveCount        int
	LargestPoolSize    int
	CompletedTaskCount int64
	KeepAlive          time.Duration
	QueueKind          types.QueueKind
	QueueSize          int
	QueueCapacity      int
	QueueRemaining     int
	PolicyName         string
	Shutdown           bool
}

// Config 代表建立 Executor 所需的參數
type Config struct {
	Name             string        // 用於日誌
	CorePoolSize     int           // 常駐 worker 數
	MaxPoolSize      int           // worker 上限
	KeepAlive        time.Duration // 非核心 worker 閒置多久後退出
	AllowCoreTimeout bool          // 核心 worker 是否也套用 KeepAlive
	Queue            *Queue        // 任務佇列，nil 時使用無界佇列
	Policy           RejectPolicy  // 拒絕策略，nil 時使用 AbortPolicy
}
