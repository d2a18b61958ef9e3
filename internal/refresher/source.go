package refresher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Refresher 接收原始文件內容
type Refresher interface {
	Refresh(ctx context.Context, content []byte, format string) error
}

// FileSource 監看配置檔，內容變化時呼叫 Refresh
//
// 監看的是檔案所在目錄，讓「寫暫存檔再 rename」的更新方式也能被偵測到。
// 短時間內的多個事件合併為一次 Refresh。
type FileSource struct {
	path     string
	format   string
	target   Refresher
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	loopWg  sync.WaitGroup
}

// NewFileSource 建立檔案來源；format 為空時依副檔名判斷
func NewFileSource(path, format string, target Refresher) *FileSource {
	if format == "" {
		format = FormatFromPath(path)
	}
	return &FileSource{
		path:     filepath.Clean(path),
		format:   format,
		target:   target,
		debounce: 200 * time.Millisecond,
	}
}

// FormatFromPath 依副檔名判斷格式
func FormatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".properties":
		return FormatProperties
	default:
		return FormatYAML
	}
}

// SetDebounce 調整事件合併的等待時間
func (s *FileSource) SetDebounce(d time.Duration) { s.debounce = d }

// Load 讀取檔案並 Refresh 一次
func (s *FileSource) Load(ctx context.Context) error {
	content, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read config source: %w", err)
	}
	return s.target.Refresh(ctx, content, s.format)
}

// Start 開始監看
func (s *FileSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", s.path, err)
	}

	s.watcher = w
	s.stopCh = make(chan struct{})
	s.loopWg.Add(1)
	go s.loop(ctx, w, s.stopCh)

	log.Info("Watching config source", "path", s.path, "format", s.format)
	return nil
}

func (s *FileSource) loop(ctx context.Context, w *fsnotify.Watcher, stopCh <-chan struct{}) {
	defer s.loopWg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				timer.Reset(s.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := s.Load(ctx); err != nil {
				log.Error("Config source refresh failed", "path", s.path, "error", err)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Warn("Config watcher error", "path", s.path, "error", err)
		}
	}
}

// Stop 停止監看
func (s *FileSource) Stop() {
	s.mu.Lock()
	if s.watcher == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	s.loopWg.Wait()
	w.Close()
}
