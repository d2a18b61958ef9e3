package types

import "errors"

// 錯誤分類
var (
	// ErrInvalidConfig 配置不合法（core > max、負數、未知佇列或策略），任何修改前即拒絕
	ErrInvalidConfig = errors.New("invalid pool config")
	// ErrDuplicateID 註冊時 id 已存在
	ErrDuplicateID = errors.New("duplicate pool id")
	// ErrNotFound registry 中找不到指定 id
	ErrNotFound = errors.New("pool not found")
	// ErrBind 遠端文件無法綁定到結構化配置
	ErrBind = errors.New("config bind failed")
	// ErrRuntime 底層 executor 拒絕了已驗證過的寫入，pool 可能處於不一致狀態
	ErrRuntime = errors.New("pool runtime update failed")
	// ErrPoolShutdown pool 已關閉，無法讀取指標
	ErrPoolShutdown = errors.New("pool is shut down")
)
