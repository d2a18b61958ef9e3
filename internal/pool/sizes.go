package pool

import (
	"fmt"

	"github.com/ChuLiYu/hotpool/pkg/types"
)

// SizeWriter 是 core/max 兩段寫入所需的最小介面
// 實作必須拒絕任何會造成 core > max 的單次寫入
type SizeWriter interface {
	MaximumPoolSize() int
	SetCorePoolSize(n int) error
	SetMaximumPoolSize(n int) error
}

// ApplySizes 依順序寫入 core 與 max，任何時刻都不會出現 core > max
//
//   core > 目前 max → 先寫 max 再寫 core
//   否則           → 先寫 core 再寫 max
//
// 兩個值都必須已通過驗證（0 <= core <= max, max > 0）。
// 任何一次寫入失敗都以 ErrRuntime 返回；第二次失敗時第一次的寫入已生效。
func ApplySizes(w SizeWriter, core, max int) error {
	type step struct {
		field string
		value int
		set   func(int) error
	}
	coreStep := step{"coreSize", core, w.SetCorePoolSize}
	maxStep := step{"maxSize", max, w.SetMaximumPoolSize}

	order := [2]step{coreStep, maxStep}
	if core > w.MaximumPoolSize() {
		order = [2]step{maxStep, coreStep}
	}

	for i, s := range order {
		if err := s.set(s.value); err != nil {
			if i == 0 {
				return fmt.Errorf("%w: set %s=%d: %w", types.ErrRuntime, s.field, s.value, err)
			}
			return fmt.Errorf("%w: set %s=%d after %s was written: %w",
				types.ErrRuntime, s.field, s.value, order[0].field, err)
		}
	}
	return nil
}
