package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds dispatcher settings.
type Config struct {
	Buffer       int           // queued events before Emit starts dropping
	Workers      int           // concurrent sink writers
	WriteTimeout time.Duration // per sink write
}

// WriteRecordFunc is an optional callback for recording sink outcomes.
type WriteRecordFunc func(sink string, ok bool)

// DropRecordFunc is an optional callback invoked for each dropped event.
type DropRecordFunc func()

// Dispatcher fans events out to sinks from a bounded queue. Emit never
// blocks: when the queue is full the event is dropped and counted.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Event
	cfg     Config
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	onWrite WriteRecordFunc
	onDrop  DropRecordFunc
	logger  *zap.Logger
}

// NewDispatcher creates a Dispatcher. Call Start before emitting.
func NewDispatcher(sinks []Sink, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 4096
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	return &Dispatcher{
		sinks:  sinks,
		queue:  make(chan Event, cfg.Buffer),
		cfg:    cfg,
		logger: logger,
	}
}

// SetMetricsRecord configures the metrics recording callbacks.
func (d *Dispatcher) SetMetricsRecord(onWrite WriteRecordFunc, onDrop DropRecordFunc) {
	d.onWrite = onWrite
	d.onDrop = onDrop
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
}

// Emit queues e for delivery. It reports false when the event was dropped.
func (d *Dispatcher) Emit(e Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- e:
		return true
	default:
		if d.onDrop != nil {
			d.onDrop()
		}
		d.logger.Debug("events: queue full, event dropped",
			zap.String("kind", string(e.Kind)),
			zap.String("hostname", e.Hostname),
		)
		return false
	}
}

// Close stops accepting events and waits for queued ones to be written or
// for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("events: shutdown before queue drained", zap.Int("pending", len(d.queue)))
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for e := range d.queue {
		for _, s := range d.sinks {
			d.write(s, e)
		}
	}
}

func (d *Dispatcher) write(s Sink, e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.WriteTimeout)
	defer cancel()

	err := s.Write(ctx, e)
	if d.onWrite != nil {
		d.onWrite(s.Name(), err == nil)
	}
	if err != nil {
		d.logger.Warn("events: sink write failed",
			zap.String("sink", s.Name()),
			zap.String("kind", string(e.Kind)),
			zap.Error(err),
		)
	}
}
