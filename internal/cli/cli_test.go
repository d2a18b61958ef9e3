package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/hotpool/internal/snapshot"
	"github.com/ChuLiYu/hotpool/internal/storage/journal"
	"github.com/ChuLiYu/hotpool/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
application:
  name: orders
  profile: dev
pools:
  - id: p1
    coreSize: 2
    maxSize: 4
    queueKind: bounded
    queueCapacity: 10
    alarm:
      enable: true
      queueThreshold: 80
    notify:
      receives: [alice, bob]
monitor:
  enable: true
  collectTypes: [log, prometheus]
metrics:
  enable: true
source:
  path: /etc/hotpool/pools.yaml
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hotpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "hotpool", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	// 檢查子命令
	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Name()] = true
	}
	assert.True(t, commandNames["run"])
	assert.True(t, commandNames["flatten"])
	assert.True(t, commandNames["status"])
	assert.True(t, commandNames["history"])

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "configs/hotpool.yaml", configFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-format"))
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "orders", cfg.Application.Name)
	require.Len(t, cfg.Pools, 1)
	p := cfg.Pools[0]
	assert.Equal(t, "p1", p.ID)
	assert.Equal(t, 2, p.CoreSize)
	assert.Equal(t, types.QueueBounded, p.QueueKind)
	assert.Equal(t, 80, p.Alarm.QueueThreshold)
	assert.Equal(t, []string{"alice", "bob"}, p.Notify.Receives)
	assert.Equal(t, []string{"log", "prometheus"}, cfg.Monitor.CollectTypes)
	assert.Equal(t, "/etc/hotpool/pools.yaml", cfg.Source.Path)

	// 預設值
	assert.Equal(t, "log", cfg.Notify.Platform)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, 50051, cfg.GRPC.Port)
	assert.Nil(t, cfg.Web)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("HOTPOOL_METRICS_PORT", "9191")
	t.Setenv("HOTPOOL_NOTIFY_PLATFORM", "webhook")

	cfg, err := loadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Metrics.Port)
	assert.Equal(t, "webhook", cfg.Notify.Platform)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_InvalidValue(t *testing.T) {
	_, err := loadConfig(writeConfig(t, "pools:\n  - id: p1\n    coreSize: lots\n"))
	assert.Error(t, err)
}

func TestSetupLogging(t *testing.T) {
	var buf bytes.Buffer
	assert.NoError(t, setupLogging("json", &buf))
	assert.NoError(t, setupLogging("text", &buf))
	assert.Error(t, setupLogging("xml", &buf))
}

func TestFlattenCommand(t *testing.T) {
	doc := filepath.Join(t.TempDir(), "pools.properties")
	require.NoError(t, os.WriteFile(doc, []byte("pools[0].id=p1\npools[0].coreSize=6\n"), 0644))

	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"flatten", doc})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, "pools[0].coreSize=6\npools[0].id=p1\n", out.String())
}

func TestStatusCommand(t *testing.T) {
	dir := t.TempDir()
	snapPath := filepath.Join(dir, "pools.json")
	require.NoError(t, snapshot.NewManager(snapPath).Write(types.ConfigSnapshot{
		Pools: map[string]types.PoolConfig{
			"p1": {ID: "p1", CoreSize: 6, MaxSize: 8, QueueKind: types.QueueResizable, QueueCapacity: 100, OverflowPolicy: types.PolicyAbort},
		},
		UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
	}))
	cfgPath := writeConfig(t, "snapshotPath: "+snapPath+"\n")

	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"status", "-c", cfgPath})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "core=6 max=8 queue=resizable(100) policy=abort")
}

func TestStatusWithoutSnapshot(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, showStatus(&out, types.Config{}))
	assert.Contains(t, out.String(), "snapshot disabled")
}

func TestRunSystemStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- runSystem(ctx, types.Config{
			Pools: []types.PoolConfig{{ID: "p1", CoreSize: 1, MaxSize: 2, QueueCapacity: 4}},
			Web:   &types.WebPoolConfig{CoreSize: 1, MaxSize: 2},
		})
	}()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runSystem did not return after cancel")
	}
}

func TestRunSystemInvalidPool(t *testing.T) {
	err := runSystem(context.Background(), types.Config{
		Pools: []types.PoolConfig{{ID: "p1", CoreSize: 3, MaxSize: 1}},
	})
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestHistoryCommand(t *testing.T) {
	dir := t.TempDir()
	journalPath := filepath.Join(dir, "changes.log")
	j, err := journal.Open(journalPath, journal.WithClock(func() time.Time {
		return time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	}))
	require.NoError(t, err)
	_, err = j.Append(types.ChangeEvent{PoolID: "p1", Changes: []types.FieldChange{{Field: "coreSize", Old: 2, New: 6}}})
	require.NoError(t, err)
	_, err = j.Append(types.ChangeEvent{PoolID: "p2", Changes: []types.FieldChange{{Field: "maxSize", Old: 4, New: 8}}})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	cfgPath := writeConfig(t, "journalPath: "+journalPath+"\n")

	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"history", "-c", cfgPath, "--pool", "p1"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "[1] 2026-02-01T08:00:00Z p1")
	assert.Contains(t, out.String(), "coreSize: 2 => 6")
	assert.NotContains(t, out.String(), "p2")
}

func TestHistoryDisabled(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, showHistory(&out, "", ""))
	assert.Contains(t, out.String(), "disabled")
}
