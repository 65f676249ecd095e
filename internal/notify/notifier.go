package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"anomaly_bot/internal/models"
)

const defaultSendTimeout = 10 * time.Second

// Sink один канал доставки (Discord, Telegram, журнал в БД, лог).
type Sink interface {
	Name() string
	Send(ctx context.Context, ev models.Event) error
}

// Dispatcher асинхронная очередь событий. Notify никогда не блокирует
// вызывающего: при переполнении событие теряется. Ошибки синков только логируются.
type Dispatcher struct {
	log     *zap.Logger
	sinks   []Sink
	queue   chan models.Event
	timeout time.Duration

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
	dropped atomic.Int64
	done    chan struct{}
}

func NewDispatcher(size int, log *zap.Logger, sinks ...Sink) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	var active []Sink
	for _, s := range sinks {
		if s != nil {
			active = append(active, s)
		}
	}
	return &Dispatcher{
		log:     log.Named("notify"),
		sinks:   active,
		queue:   make(chan models.Event, size),
		timeout: defaultSendTimeout,
		done:    make(chan struct{}),
	}
}

func (d *Dispatcher) Sinks() []string {
	out := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		out = append(out, s.Name())
	}
	return out
}

func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

func (d *Dispatcher) Notify(ev models.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	d.pending.Add(1)
	select {
	case d.queue <- ev:
	default:
		d.pending.Done()
		d.dropped.Add(1)
		d.log.Warn("notification queue full, event dropped",
			zap.String("kind", string(ev.Kind)),
			zap.String("symbol", ev.Symbol),
		)
	}
}

// Start запускает доставку; события идут в синки по одному, в порядке поступления.
func (d *Dispatcher) Start() {
	go d.run()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.queue {
		d.deliver(ev)
		d.pending.Done()
	}
}

func (d *Dispatcher) deliver(ev models.Event) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := s.Send(ctx, ev)
		cancel()
		if err != nil {
			d.log.Warn("notification failed",
				zap.String("sink", s.Name()),
				zap.String("kind", string(ev.Kind)),
				zap.String("symbol", ev.Symbol),
				zap.Error(err),
			)
		}
	}
}

// Flush ждёт доставки всего, что уже в очереди.
func (d *Dispatcher) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "flush notifications")
	}
}

// Close закрывает очередь и дожидается доставки остатка.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "close notifications")
	}
}
