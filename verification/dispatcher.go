package verification

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type opKind uint8

const (
	opRegister opKind = iota + 1
	opRevoke
	opRevokeOnRefresh
)

func (k opKind) String() string {
	switch k {
	case opRegister:
		return "register"
	case opRevoke:
		return "revoke"
	case opRevokeOnRefresh:
		return "revoke_on_refresh"
	}
	return "unknown"
}

type notification struct {
	kind opKind
	jti  string
}

// DispatcherConfig tunes a Dispatcher.
type DispatcherConfig struct {
	BufferSize  int
	CallTimeout time.Duration
}

// Dispatcher delivers notifications to a Service asynchronously. Its
// Register, Revoke and RevokeOnRefresh methods never block: when the queue is
// full the notification is dropped and counted. A nil *Dispatcher is valid
// and drops everything.
type Dispatcher struct {
	svc       Service
	cfg       DispatcherConfig
	logger    *zap.Logger
	ch        chan notification
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	failed    atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher starts a worker delivering to svc. A nil svc returns nil.
func NewDispatcher(svc Service, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if svc == nil {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		svc:    svc,
		cfg:    cfg,
		logger: logger,
		ch:     make(chan notification, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Register queues RegisterIssuedToken(jti).
func (d *Dispatcher) Register(jti string) { d.enqueue(opRegister, jti) }

// Revoke queues Revoke(jti).
func (d *Dispatcher) Revoke(jti string) { d.enqueue(opRevoke, jti) }

// RevokeOnRefresh queues RevokeOnRefresh(oldJTI).
func (d *Dispatcher) RevokeOnRefresh(oldJTI string) { d.enqueue(opRevokeOnRefresh, oldJTI) }

func (d *Dispatcher) enqueue(kind opKind, jti string) {
	if d == nil || d.closed.Load() || jti == "" {
		return
	}
	select {
	case d.ch <- notification{kind: kind, jti: jti}:
	case <-d.done:
	default:
		d.dropped.Add(1)
		d.logger.Warn("verification: queue full, notification dropped",
			zap.Stringer("op", kind),
			zap.String("jti", jti),
		)
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case n := <-d.ch:
			d.deliver(n)
		case <-d.done:
			for {
				select {
				case n := <-d.ch:
					d.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(n notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.CallTimeout)
	defer cancel()

	var err error
	switch n.kind {
	case opRegister:
		err = d.svc.RegisterIssuedToken(ctx, n.jti)
	case opRevoke:
		err = d.svc.Revoke(ctx, n.jti)
	case opRevokeOnRefresh:
		err = d.svc.RevokeOnRefresh(ctx, n.jti)
	}
	if err != nil {
		d.failed.Add(1)
		d.logger.Warn("verification: notification failed",
			zap.Stringer("op", n.kind),
			zap.String("jti", n.jti),
			zap.Error(err),
		)
	}
}

// Close stops accepting notifications, delivers what is queued and waits.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped returns the number of notifications discarded on a full queue.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Failed returns the number of deliveries the service rejected.
func (d *Dispatcher) Failed() uint64 {
	if d == nil {
		return 0
	}
	return d.failed.Load()
}
