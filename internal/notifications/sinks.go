package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ducminhle1904/trade-guard/internal/logger"
)

// LogSink writes alerts to the structured log
type LogSink struct {
	log *zap.Logger
}

// NewLogSink creates a log-backed sink
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: logger.OrNop(log)}
}

// Name implements Notifier
func (s *LogSink) Name() string { return "log" }

// SendAlert implements Notifier
func (s *LogSink) SendAlert(_ context.Context, ev AlertEvent) error {
	fields := []zap.Field{
		zap.String("severity", string(ev.Severity)),
		zap.String("source", ev.Source),
		zap.String("code", ev.Code),
		zap.Any("context", ev.Context),
	}
	switch ev.Severity {
	case SeverityCritical:
		s.log.Error(ev.Message, fields...)
	case SeverityWarning:
		s.log.Warn(ev.Message, fields...)
	default:
		s.log.Info(ev.Message, fields...)
	}
	return nil
}

// StderrSink prints one line per alert
type StderrSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStderrSink creates a sink writing to w, or os.Stderr when w is nil
func NewStderrSink(w io.Writer) *StderrSink {
	if w == nil {
		w = os.Stderr
	}
	return &StderrSink{w: w}
}

// Name implements Notifier
func (s *StderrSink) Name() string { return "stderr" }

// SendAlert implements Notifier
func (s *StderrSink) SendAlert(_ context.Context, ev AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "%s [%s] %s/%s: %s%s\n",
		ev.Timestamp.UTC().Format(time.RFC3339), ev.Severity, ev.Source, ev.Code, ev.Message, formatContext(ev.Context))
	return err
}

func formatContext(ctx map[string]string) string {
	if len(ctx) == 0 {
		return ""
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+ctx[k])
	}
	return " (" + strings.Join(parts, ", ") + ")"
}

// WebhookSink POSTs each alert as a JSON document
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a webhook sink for url
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name implements Notifier
func (s *WebhookSink) Name() string { return "webhook" }

// SendAlert implements Notifier
func (s *WebhookSink) SendAlert(ctx context.Context, ev AlertEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
