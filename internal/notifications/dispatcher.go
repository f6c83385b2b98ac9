package notifications

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ducminhle1904/trade-guard/internal/logger"
	"github.com/ducminhle1904/trade-guard/internal/monitoring"
)

// DispatcherOptions tunes remote delivery
type DispatcherOptions struct {
	QueueSize     int           `yaml:"queue_size"`      // Bounded remote queue, default 256
	RatePerMinute float64       `yaml:"rate_per_minute"` // Per remote sink, default 30
	Burst         int           `yaml:"burst"`           // Default 5
	SendTimeout   time.Duration `yaml:"send_timeout"`    // Per delivery attempt, default 10s
}

func (o *DispatcherOptions) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.RatePerMinute <= 0 {
		o.RatePerMinute = 30
	}
	if o.Burst <= 0 {
		o.Burst = 5
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
}

type remoteSink struct {
	notifier Notifier
	limiter  *rate.Limiter
}

// Dispatcher fans alerts out to local sinks synchronously and to remote sinks through a
// bounded queue drained by one worker. Dispatch never blocks on the network.
type Dispatcher struct {
	opts   DispatcherOptions
	log    *zap.Logger
	local  []Notifier
	remote []remoteSink
	queue  chan AlertEvent
	closed bool
	mu     sync.RWMutex
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher and starts its remote worker
func NewDispatcher(log *zap.Logger, opts DispatcherOptions) *Dispatcher {
	opts.setDefaults()
	d := &Dispatcher{
		opts:  opts,
		log:   logger.OrNop(log).With(zap.String("component", "alerts")),
		queue: make(chan AlertEvent, opts.QueueSize),
	}
	d.wg.Add(1)
	go d.worker()
	return d
}

// AddLocal registers a sink that is called synchronously from Dispatch
func (d *Dispatcher) AddLocal(n Notifier) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.local = append(d.local, n)
	return d
}

// AddRemote registers a rate-limited sink delivered from the worker
func (d *Dispatcher) AddRemote(n Notifier) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remote = append(d.remote, remoteSink{
		notifier: n,
		limiter:  rate.NewLimiter(rate.Limit(d.opts.RatePerMinute/60), d.opts.Burst),
	})
	return d
}

// Dispatch implements Alerter
func (d *Dispatcher) Dispatch(ctx context.Context, ev AlertEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	monitoring.RecordAlert(string(ev.Severity))

	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, n := range d.local {
		if err := n.SendAlert(ctx, ev); err != nil {
			d.deliveryFailed(n.Name(), ev, err)
		}
	}

	if len(d.remote) == 0 {
		return
	}
	if d.closed {
		d.log.Warn("alert dropped after dispatcher close", zap.String("code", ev.Code))
		monitoring.RecordSinkFailure("alert", "queue")
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.log.Warn("alert queue full, dropping alert",
			zap.String("code", ev.Code),
			zap.Int("queue_size", d.opts.QueueSize))
		monitoring.RecordSinkFailure("alert", "queue")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for ev := range d.queue {
		d.mu.RLock()
		remotes := make([]remoteSink, len(d.remote))
		copy(remotes, d.remote)
		d.mu.RUnlock()

		for _, r := range remotes {
			d.deliverRemote(r, ev)
		}
	}
}

func (d *Dispatcher) deliverRemote(r remoteSink, ev AlertEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.SendTimeout)
	defer cancel()

	if err := r.limiter.Wait(ctx); err != nil {
		d.deliveryFailed(r.notifier.Name(), ev, err)
		return
	}
	if err := r.notifier.SendAlert(ctx, ev); err != nil {
		d.deliveryFailed(r.notifier.Name(), ev, err)
	}
}

func (d *Dispatcher) deliveryFailed(sink string, ev AlertEvent, err error) {
	monitoring.RecordSinkFailure("alert", sink)
	d.log.Warn("alert delivery failed",
		zap.String("sink", sink),
		zap.String("code", ev.Code),
		zap.String("severity", string(ev.Severity)),
		zap.Error(err))
}

// Close stops accepting remote alerts and waits for queued ones to drain
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}

// Recorder keeps every alert in memory, used by tests and the runner summary
type Recorder struct {
	mu     sync.Mutex
	events []AlertEvent
}

// Name implements Notifier
func (r *Recorder) Name() string { return "recorder" }

// SendAlert implements Notifier
func (r *Recorder) SendAlert(_ context.Context, ev AlertEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Dispatch implements Alerter
func (r *Recorder) Dispatch(ctx context.Context, ev AlertEvent) {
	_ = r.SendAlert(ctx, ev)
}

// Events returns a copy of recorded alerts
func (r *Recorder) Events() []AlertEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AlertEvent, len(r.events))
	copy(out, r.events)
	return out
}
