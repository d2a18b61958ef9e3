package types

import "time"

// 收集方式
const (
	CollectLog        = "log"
	CollectPrometheus = "prometheus"
)

// ApplicationConfig 應用資訊，用於通知內容
type ApplicationConfig struct {
	Name    string `mapstructure:"name" json:"name" yaml:"name"`
	Profile string `mapstructure:"profile" json:"profile" yaml:"profile"`
}

// MonitorConfig 指標採樣設定
type MonitorConfig struct {
	Enable                 bool     `mapstructure:"enable" json:"enable" yaml:"enable"`
	CollectTypes           []string `mapstructure:"collectTypes" json:"collectTypes" yaml:"collectTypes"`
	CollectIntervalSeconds int      `mapstructure:"collectIntervalSeconds" json:"collectIntervalSeconds" yaml:"collectIntervalSeconds"`
}

// Interval 回傳採樣週期，預設 10 秒
func (m MonitorConfig) Interval() time.Duration {
	if m.CollectIntervalSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(m.CollectIntervalSeconds) * time.Second
}

// AlarmCheckConfig 告警檢查設定
type AlarmCheckConfig struct {
	Enable               bool `mapstructure:"enable" json:"enable" yaml:"enable"`
	CheckIntervalSeconds int  `mapstructure:"checkIntervalSeconds" json:"checkIntervalSeconds" yaml:"checkIntervalSeconds"`
}

// Interval 回傳告警檢查週期，預設 5 秒
func (a AlarmCheckConfig) Interval() time.Duration {
	if a.CheckIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(a.CheckIntervalSeconds) * time.Second
}

// NotifyPlatformConfig 通知渠道設定
type NotifyPlatformConfig struct {
	Platform      string `mapstructure:"platform" json:"platform" yaml:"platform"`
	WebhookURL    string `mapstructure:"webhookUrl" json:"webhookUrl" yaml:"webhookUrl"`
	TimeoutMillis int    `mapstructure:"timeoutMillis" json:"timeoutMillis" yaml:"timeoutMillis"`
}

// Timeout 回傳單次發送的逾時，預設 3 秒
func (n NotifyPlatformConfig) Timeout() time.Duration {
	if n.TimeoutMillis <= 0 {
		return 3 * time.Second
	}
	return time.Duration(n.TimeoutMillis) * time.Millisecond
}

// WebPoolConfig web 容器執行緒池設定
type WebPoolConfig struct {
	CoreSize         int          `mapstructure:"coreSize" json:"coreSize" yaml:"coreSize"`
	MaxSize          int          `mapstructure:"maxSize" json:"maxSize" yaml:"maxSize"`
	KeepAliveSeconds int64        `mapstructure:"keepAliveSeconds" json:"keepAliveSeconds" yaml:"keepAliveSeconds"`
	Notify           NotifyConfig `mapstructure:"notify" json:"notify" yaml:"notify"`
}

// WebPoolMetrics web 容器執行緒池的基本指標
type WebPoolMetrics struct {
	CoreSize         int
	MaxSize          int
	KeepAliveSeconds int64
	QueueKind        string
	QueueSize        int
	QueueCapacity    int
	OverflowPolicy   string
}

// SourceConfig 動態配置來源
type SourceConfig struct {
	Path   string `mapstructure:"path" json:"path" yaml:"path"`
	Format string `mapstructure:"format" json:"format" yaml:"format"` // yaml | properties
}

// EndpointConfig HTTP / gRPC 端點
type EndpointConfig struct {
	Enable bool `mapstructure:"enable" json:"enable" yaml:"enable"`
	Port   int  `mapstructure:"port" json:"port" yaml:"port"`
}

// Config 結構化配置：啟動檔與遠端文件共用同一結構
type Config struct {
	Application  ApplicationConfig    `mapstructure:"application" json:"application" yaml:"application"`
	Pools        []PoolConfig         `mapstructure:"pools" json:"pools" yaml:"pools"`
	Web          *WebPoolConfig       `mapstructure:"web" json:"web,omitempty" yaml:"web,omitempty"`
	Monitor      MonitorConfig        `mapstructure:"monitor" json:"monitor" yaml:"monitor"`
	Alarm        AlarmCheckConfig     `mapstructure:"alarm" json:"alarm" yaml:"alarm"`
	Notify       NotifyPlatformConfig `mapstructure:"notify" json:"notify" yaml:"notify"`
	Source       SourceConfig         `mapstructure:"source" json:"source" yaml:"source"`
	Metrics      EndpointConfig       `mapstructure:"metrics" json:"metrics" yaml:"metrics"`
	GRPC         EndpointConfig       `mapstructure:"grpc" json:"grpc" yaml:"grpc"`
	SnapshotPath string               `mapstructure:"snapshotPath" json:"snapshotPath" yaml:"snapshotPath"`
	JournalPath  string               `mapstructure:"journalPath" json:"journalPath" yaml:"journalPath"` // 變更日誌，空字串表示不記錄
}

// ConfigSnapshot 最近一次成功套用的 pool 配置，持久化到磁碟供運維重新同步
type ConfigSnapshot struct {
	Pools     map[string]PoolConfig `json:"pools"`
	SchemaVer int                   `json:"schema_ver"`
	UpdatedAt int64                 `json:"updated_at"` // Unix 毫秒
}
