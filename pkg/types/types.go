// Package types 定義了 hotpool 系統中使用的核心領域模型
package types

import (
	"fmt"
	"time"
)

// QueueKind 任務佇列類型
type QueueKind string

// 定義佇列類型常數
const (
	QueueUnbounded   QueueKind = "unbounded"   // 無界 FIFO 佇列
	QueueBounded     QueueKind = "bounded"     // 有界 FIFO 佇列，容量固定
	QueueSynchronous QueueKind = "synchronous" // 同步移交：只有空閒 worker 等待時才接受
	QueuePriority    QueueKind = "priority"    // 優先權佇列（無界）
	QueueResizable   QueueKind = "resizable"   // 有界 FIFO，可在線調整容量
)

// Valid 檢查佇列類型是否合法
func (k QueueKind) Valid() bool {
	switch k {
	case QueueUnbounded, QueueBounded, QueueSynchronous, QueuePriority, QueueResizable:
		return true
	}
	return false
}

// Bounded 回傳此類型是否需要正數容量
func (k QueueKind) Bounded() bool {
	return k == QueueBounded || k == QueueResizable
}

// OverflowPolicy 拒絕策略：提交無法排隊也無法立即執行時的行為
type OverflowPolicy string

// 定義拒絕策略常數
const (
	PolicyAbort         OverflowPolicy = "abort"          // 拒絕並回傳錯誤
	PolicyCallerRuns    OverflowPolicy = "caller-runs"    // 由提交者 goroutine 執行
	PolicyDiscard       OverflowPolicy = "discard"        // 靜默丟棄
	PolicyDiscardOldest OverflowPolicy = "discard-oldest" // 丟棄佇列頭部任務後重試
	PolicyCustom        OverflowPolicy = "custom"         // 使用註冊時提供的自訂策略
)

// Valid 檢查拒絕策略是否合法
func (p OverflowPolicy) Valid() bool {
	switch p {
	case PolicyAbort, PolicyCallerRuns, PolicyDiscard, PolicyDiscardOldest, PolicyCustom:
		return true
	}
	return false
}

// AlarmKind 告警類型
type AlarmKind string

const (
	AlarmQueueUsage  AlarmKind = "queue_usage"  // 佇列使用率
	AlarmActiveRatio AlarmKind = "active_ratio" // 活躍 worker 比例
	AlarmReject      AlarmKind = "reject"       // 拒絕次數
)

// AlarmConfig 單一 pool 的告警門檻
type AlarmConfig struct {
	Enable          bool  `mapstructure:"enable" json:"enable" yaml:"enable"`
	QueueThreshold  int   `mapstructure:"queueThreshold" json:"queueThreshold" yaml:"queueThreshold"`    // 佇列使用率 %
	ActiveThreshold int   `mapstructure:"activeThreshold" json:"activeThreshold" yaml:"activeThreshold"` // 活躍比例 %
	RejectThreshold int64 `mapstructure:"rejectThreshold" json:"rejectThreshold" yaml:"rejectThreshold"` // 兩次檢查間拒絕次數
}

// NotifyConfig 通知設定
type NotifyConfig struct {
	IntervalSeconds int      `mapstructure:"intervalSeconds" json:"intervalSeconds" yaml:"intervalSeconds"` // 同類告警最小間隔
	Receives        []string `mapstructure:"receives" json:"receives" yaml:"receives"`
}

// DefaultNotifyInterval 未設定時同類告警的最小間隔
const DefaultNotifyInterval = 120 * time.Second

// Interval 回傳同類告警的最小間隔
func (n NotifyConfig) Interval() time.Duration {
	if n.IntervalSeconds <= 0 {
		return DefaultNotifyInterval
	}
	return time.Duration(n.IntervalSeconds) * time.Second
}

// PoolConfig 單一 worker pool 的完整參數，值類型
type PoolConfig struct {
	ID               string         `mapstructure:"id" json:"id" yaml:"id"`
	CoreSize         int            `mapstructure:"coreSize" json:"coreSize" yaml:"coreSize"`
	MaxSize          int            `mapstructure:"maxSize" json:"maxSize" yaml:"maxSize"`
	KeepAliveSeconds int64          `mapstructure:"keepAliveSeconds" json:"keepAliveSeconds" yaml:"keepAliveSeconds"`
	QueueKind        QueueKind      `mapstructure:"queueKind" json:"queueKind" yaml:"queueKind"`
	QueueCapacity    int            `mapstructure:"queueCapacity" json:"queueCapacity" yaml:"queueCapacity"`
	AllowCoreTimeout bool           `mapstructure:"allowCoreTimeout" json:"allowCoreTimeout" yaml:"allowCoreTimeout"`
	OverflowPolicy   OverflowPolicy `mapstructure:"overflowPolicy" json:"overflowPolicy" yaml:"overflowPolicy"`
	Alarm            AlarmConfig    `mapstructure:"alarm" json:"alarm" yaml:"alarm"`
	Notify           NotifyConfig   `mapstructure:"notify" json:"notify" yaml:"notify"`
}

// WithDefaults 填入未設定的佇列類型與拒絕策略
func (c PoolConfig) WithDefaults() PoolConfig {
	if c.QueueKind == "" {
		c.QueueKind = QueueResizable
	}
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = PolicyAbort
	}
	return c
}

// KeepAlive 回傳 keep-alive 時間
func (c PoolConfig) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSeconds) * time.Second
}

// Validate 在任何修改發生前檢查配置的合法性
func (c PoolConfig) Validate() error {
	switch {
	case c.ID == "":
		return fmt.Errorf("%w: empty pool id", ErrInvalidConfig)
	case c.CoreSize < 0:
		return fmt.Errorf("%w: pool %s: negative coreSize %d", ErrInvalidConfig, c.ID, c.CoreSize)
	case c.MaxSize <= 0:
		return fmt.Errorf("%w: pool %s: maxSize must be positive, got %d", ErrInvalidConfig, c.ID, c.MaxSize)
	case c.CoreSize > c.MaxSize:
		return fmt.Errorf("%w: pool %s: coreSize %d > maxSize %d", ErrInvalidConfig, c.ID, c.CoreSize, c.MaxSize)
	case c.KeepAliveSeconds < 0:
		return fmt.Errorf("%w: pool %s: negative keepAliveSeconds", ErrInvalidConfig, c.ID)
	case !c.QueueKind.Valid():
		return fmt.Errorf("%w: pool %s: unknown queue kind %q", ErrInvalidConfig, c.ID, c.QueueKind)
	case c.QueueKind.Bounded() && c.QueueCapacity <= 0:
		return fmt.Errorf("%w: pool %s: queue %s needs a positive capacity", ErrInvalidConfig, c.ID, c.QueueKind)
	case c.QueueCapacity < 0:
		return fmt.Errorf("%w: pool %s: negative queueCapacity", ErrInvalidConfig, c.ID)
	case !c.OverflowPolicy.Valid():
		return fmt.Errorf("%w: pool %s: unknown overflow policy %q", ErrInvalidConfig, c.ID, c.OverflowPolicy)
	}
	return nil
}

// Snapshot 某一時刻 pool 的執行狀態，建立後不可修改
type Snapshot struct {
	ID                     string    `json:"id"`
	CoreSize               int       `json:"coreSize"`
	MaxSize                int       `json:"maxSize"`
	CurrentSize            int       `json:"currentSize"`
	ActiveSize             int       `json:"activeSize"`
	LargestSize            int       `json:"largestSize"`
	CompletedTaskCount     int64     `json:"completedTaskCount"`
	KeepAliveSeconds       int64     `json:"keepAliveSeconds"`
	QueueKind              string    `json:"queueKind"`
	QueueSize              int       `json:"queueSize"`
	QueueCapacity          int       `json:"queueCapacity"`
	QueueRemainingCapacity int       `json:"queueRemainingCapacity"`
	OverflowPolicy         string    `json:"overflowPolicy"`
	RejectCount            int64     `json:"rejectCount"`
	SampledAt              time.Time `json:"sampledAt"`
}

// FieldChange 單一欄位的 (舊值, 新值)
type FieldChange struct {
	Field string `json:"field"`
	Old   any    `json:"old"`
	New   any    `json:"new"`
}

// ChangeEvent 配置變更通知
type ChangeEvent struct {
	EventID     string        `json:"eventId"`
	PoolID      string        `json:"poolId"`
	Changes     []FieldChange `json:"changes"`
	Application string        `json:"application,omitempty"`
	Profile     string        `json:"profile,omitempty"` // 來源環境標籤
	Host        string        `json:"host,omitempty"`
	Receives    []string      `json:"receives,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// AlarmEvent 告警通知
type AlarmEvent struct {
	EventID         string    `json:"eventId"`
	PoolID          string    `json:"poolId"`
	Kind            AlarmKind `json:"kind"`
	Value           float64   `json:"value"`
	Threshold       float64   `json:"threshold"`
	IntervalSeconds int       `json:"intervalSeconds"`
	Application     string    `json:"application,omitempty"`
	Profile         string    `json:"profile,omitempty"`
	Receives        []string  `json:"receives,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Snapshot        Snapshot  `json:"snapshot"`
}
