package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config controls dispatcher buffering behavior.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull discards events when the buffer is full instead of
	// blocking the caller. Critical event types still wait for room.
	DropIfFull bool
	// Critical lists event types that are never dropped for a full buffer.
	Critical []string
}

// Dispatcher forwards audit events to a sink from a single worker
// goroutine. A nil *Dispatcher is valid and drops everything.
type Dispatcher struct {
	sink     Sink
	queue    chan Event
	dropFull bool
	critical map[string]struct{}

	// mu guards closing queue against concurrent sends.
	mu      sync.RWMutex
	closed  bool
	stopped chan struct{}

	dropped atomic.Uint64
}

// NewDispatcher starts a dispatcher, or returns nil when cfg is disabled.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		sink:     sink,
		queue:    make(chan Event, size),
		dropFull: cfg.DropIfFull,
		critical: make(map[string]struct{}, len(cfg.Critical)),
		stopped:  make(chan struct{}),
	}
	for _, eventType := range cfg.Critical {
		d.critical[eventType] = struct{}{}
	}
	go d.run()
	return d
}

// run delivers until Close closes the queue, so every accepted event
// reaches the sink.
func (d *Dispatcher) run() {
	defer close(d.stopped)
	ctx := context.Background()
	for event := range d.queue {
		d.deliver(ctx, event)
	}
}

// deliver hands event to the sink. A panicking sink loses the event but
// not the worker.
func (d *Dispatcher) deliver(ctx context.Context, event Event) {
	defer func() {
		if recover() != nil {
			d.dropped.Add(1)
		}
	}()
	d.sink.Emit(ctx, event)
}

// Emit queues event. Events after Close are ignored.
//
// With DropIfFull a full buffer counts a drop instead of blocking, unless
// the event type is critical. A blocking send gives up when ctx ends.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	if _, critical := d.critical[event.EventType]; d.dropFull && !critical {
		select {
		case d.queue <- event:
		default:
			d.dropped.Add(1)
		}
		return
	}
	select {
	case d.queue <- event:
	case <-ctx.Done():
		d.dropped.Add(1)
	}
}

// Close stops accepting events and waits until the queue is delivered. It
// is safe to call more than once.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.stopped
}

// Dropped returns the number of events that never reached the sink.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
