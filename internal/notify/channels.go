package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ChuLiYu/hotpool/pkg/types"
	"github.com/sony/gobreaker"
)

// 渠道名稱
const (
	PlatformLog     = "log"
	PlatformWebhook = "webhook"
)

// ============================================================================
// LogNotifier
// ============================================================================

// LogNotifier 將事件寫入日誌
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier 建立日誌渠道；logger 為 nil 時使用預設 logger
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = log
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) SendChange(_ context.Context, e types.ChangeEvent) error {
	l.logger.Info("Pool config changed",
		"event_id", e.EventID,
		"pool", e.PoolID,
		"changes", formatChanges(e.Changes),
		"application", e.Application,
		"profile", e.Profile,
		"host", e.Host,
		"receives", e.Receives)
	return nil
}

func (l *LogNotifier) SendAlarm(_ context.Context, e types.AlarmEvent) error {
	l.logger.Warn("Pool alarm raised",
		"event_id", e.EventID,
		"pool", e.PoolID,
		"kind", e.Kind,
		"value", e.Value,
		"threshold", e.Threshold,
		"interval_seconds", e.IntervalSeconds,
		"application", e.Application,
		"profile", e.Profile,
		"receives", e.Receives)
	return nil
}

func formatChanges(changes []types.FieldChange) string {
	var buf bytes.Buffer
	for i, c := range changes {
		if i > 0 {
			buf.WriteString(", ")
		}
		fmt.Fprintf(&buf, "%s: %v => %v", c.Field, c.Old, c.New)
	}
	return buf.String()
}

// ============================================================================
// WebhookNotifier
// ============================================================================

// envelope 是 webhook 的 JSON 內容
type envelope struct {
	Type  string `json:"type"` // change | alarm
	Event any    `json:"event"`
}

// WebhookNotifier 以 HTTP POST 發送 JSON，外層包一個斷路器
// 連續失敗後斷路器打開，之後的呼叫直接失敗，直到冷卻時間結束
type WebhookNotifier struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// WebhookOption 設定 WebhookNotifier
type WebhookOption func(*WebhookNotifier, *gobreaker.Settings)

// WithHTTPClient 替換 HTTP client
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *WebhookNotifier, _ *gobreaker.Settings) { w.client = c }
}

// WithBreakerSettings 調整斷路器：連續失敗幾次打開、打開多久
func WithBreakerSettings(failures uint32, cooldown time.Duration) WebhookOption {
	return func(_ *WebhookNotifier, s *gobreaker.Settings) {
		s.Timeout = cooldown
		s.ReadyToTrip = func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= failures }
	}
}

// NewWebhookNotifier 建立 webhook 渠道
func NewWebhookNotifier(url string, opts ...WebhookOption) *WebhookNotifier {
	w := &WebhookNotifier{url: url, client: &http.Client{}}
	settings := gobreaker.Settings{
		Name:        "webhook",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Notifier circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	for _, opt := range opts {
		opt(w, &settings)
	}
	w.breaker = gobreaker.NewCircuitBreaker(settings)
	return w
}

// State 回傳斷路器狀態
func (w *WebhookNotifier) State() gobreaker.State { return w.breaker.State() }

func (w *WebhookNotifier) SendChange(ctx context.Context, e types.ChangeEvent) error {
	return w.post(ctx, envelope{Type: "change", Event: e})
}

func (w *WebhookNotifier) SendAlarm(ctx context.Context, e types.AlarmEvent) error {
	return w.post(ctx, envelope{Type: "alarm", Event: e})
}

func (w *WebhookNotifier) post(ctx context.Context, body envelope) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	_, err = w.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("webhook returned %s", resp.Status)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("webhook %s: %w", body.Type, err)
	}
	return nil
}
