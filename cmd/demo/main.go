package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ChuLiYu/hotpool/internal/controller"
	"github.com/ChuLiYu/hotpool/pkg/types"
	"gopkg.in/yaml.v3"
)

// demo: 把一個小 pool 塞滿直到拒絕，觸發告警，再用一份新文件熱更新成較大的配置
func main() {
	small := types.PoolConfig{
		ID:               "demo",
		CoreSize:         2,
		MaxSize:          4,
		KeepAliveSeconds: 30,
		QueueKind:        types.QueueResizable,
		QueueCapacity:    10,
		OverflowPolicy:   types.PolicyAbort,
		Alarm:            types.AlarmConfig{Enable: true, QueueThreshold: 80, RejectThreshold: 0},
		Notify:           types.NotifyConfig{IntervalSeconds: 60},
	}

	ctrl, err := controller.NewController(controller.Config{
		Application: types.ApplicationConfig{Name: "hotpool-demo", Profile: "local"},
		Monitor:     types.MonitorConfig{CollectTypes: []string{types.CollectLog}},
		Notify:      types.NotifyPlatformConfig{Platform: "log"},
	})
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}
	defer ctrl.Stop()

	pool, err := ctrl.NewPool(small)
	if err != nil {
		log.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.Shutdown()

	ctx := context.Background()
	ctrl.Sampler().SampleOnce()
	ctrl.Evaluator().CheckOnce(ctx)

	gate := make(chan struct{})
	flood := func(n int) (rejected int) {
		for i := 0; i < n; i++ {
			if err := pool.Submit(func() { <-gate }); err != nil {
				rejected++
			}
		}
		return rejected
	}

	fmt.Printf("✓ Pool %q started: core=%d max=%d queue=%d\n", small.ID, small.CoreSize, small.MaxSize, small.QueueCapacity)
	fmt.Printf("⚡ Submitting 20 blocking tasks...\n")
	fmt.Printf("  Rejected: %d\n", flood(20))

	ctrl.Sampler().SampleOnce()
	fmt.Printf("🔔 Alarms sent: %d\n", ctrl.Evaluator().CheckOnce(ctx))

	// 熱更新：core 8 / max 16 / queue 100
	bigger := small
	bigger.CoreSize, bigger.MaxSize, bigger.QueueCapacity = 8, 16, 100
	doc, err := yaml.Marshal(map[string]any{"pools": []types.PoolConfig{bigger}})
	if err != nil {
		log.Fatalf("Failed to encode document: %v", err)
	}
	fmt.Printf("\n📄 Applying document:\n%s\n", doc)
	if err := ctrl.Refresh(ctx, doc, "yaml"); err != nil {
		fmt.Fprintf(os.Stderr, "Refresh failed: %v\n", err)
	}

	fmt.Printf("⚡ Submitting 20 more blocking tasks...\n")
	fmt.Printf("  Rejected: %d\n", flood(20))

	close(gate)
	time.Sleep(200 * time.Millisecond)

	snap, err := pool.Snapshot()
	if err == nil {
		fmt.Printf("\n📊 Final: core=%d max=%d completed=%d rejected=%d\n",
			snap.CoreSize, snap.MaxSize, snap.CompletedTaskCount, snap.RejectCount)
	}
}
