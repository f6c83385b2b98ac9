package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type brokenNotifier struct{}

func (brokenNotifier) Name() string { return "broken" }
func (brokenNotifier) SendAlert(context.Context, AlertEvent) error {
	return errors.New("connection refused")
}

func criticalEvent() AlertEvent {
	return AlertEvent{
		Severity:  SeverityCritical,
		Source:    "risk",
		Code:      "risk_limit_violation",
		Message:   "order batch exceeds limits",
		Context:   map[string]string{"violations": "max_total_exposure_notional"},
		Timestamp: time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestDispatcherLocalAndRemote(t *testing.T) {
	local := &Recorder{}
	remote := &Recorder{}
	d := NewDispatcher(zap.NewNop(), DispatcherOptions{RatePerMinute: 6000, Burst: 10})
	d.AddLocal(local).AddLocal(brokenNotifier{}).AddRemote(remote).AddRemote(brokenNotifier{})

	d.Dispatch(context.Background(), criticalEvent())
	assert.Len(t, local.Events(), 1)

	require.NoError(t, d.Close())
	require.Len(t, remote.Events(), 1)
	assert.Equal(t, "risk_limit_violation", remote.Events()[0].Code)

	// After close remote delivery is dropped but local sinks still run
	d.Dispatch(context.Background(), criticalEvent())
	assert.Len(t, local.Events(), 2)
	assert.Len(t, remote.Events(), 1)
}

type blockingNotifier struct {
	release chan struct{}
}

func (b *blockingNotifier) Name() string { return "blocking" }
func (b *blockingNotifier) SendAlert(ctx context.Context, _ AlertEvent) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func TestDispatchNeverBlocksOnFullQueue(t *testing.T) {
	blocker := &blockingNotifier{release: make(chan struct{})}
	d := NewDispatcher(zap.NewNop(), DispatcherOptions{QueueSize: 1, RatePerMinute: 6000, Burst: 100})
	d.AddRemote(blocker)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Dispatch(context.Background(), criticalEvent())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch blocked on a stalled remote sink")
	}
	close(blocker.release)
	require.NoError(t, d.Close())
}

func TestWebhookSink(t *testing.T) {
	var got AlertEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhookSink(srv.URL).SendAlert(context.Background(), criticalEvent()))
	assert.Equal(t, SeverityCritical, got.Severity)
	assert.Equal(t, "max_total_exposure_notional", got.Context["violations"])

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	assert.Error(t, NewWebhookSink(failing.URL).SendAlert(context.Background(), criticalEvent()))
}

func TestTelegramNotifier(t *testing.T) {
	var form url.Values
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42").WithAPIBase(srv.URL)
	require.NoError(t, n.SendAlert(context.Background(), criticalEvent()))

	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.Equal(t, "42", form.Get("chat_id"))
	assert.Contains(t, form.Get("text"), "risk_limit_violation")
	assert.Contains(t, form.Get("text"), "violations: max_total_exposure_notional")
}

func TestStderrSink(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewStderrSink(&buf).SendAlert(context.Background(), criticalEvent()))
	assert.Equal(t,
		"2025-03-01T09:30:00Z [CRITICAL] risk/risk_limit_violation: order batch exceeds limits (violations=max_total_exposure_notional)\n",
		buf.String())
}

func TestOrNop(t *testing.T) {
	OrNop(nil).Dispatch(context.Background(), criticalEvent())
	r := &Recorder{}
	OrNop(r).Dispatch(context.Background(), criticalEvent())
	assert.Len(t, r.Events(), 1)
}
