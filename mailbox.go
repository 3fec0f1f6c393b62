package bam

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"gopkg.in/tomb.v2"
)

var ErrMailboxClosed = errors.New("mailbox closed")

// DefaultMailboxSize is the queue capacity used when none is configured.
const DefaultMailboxSize = 1024

// Mailbox decouples senders from a target stream. Calls enqueue the packet
// and return; a single worker goroutine dispatches queued packets to the
// target in arrival order. Faults on messages and queries are reflected to
// the reply broker, as are messages and queries still queued at Close.
type Mailbox struct {
	address  string
	target   MessageStream
	reply    Broker
	queue    chan Packet
	metrics  *Metrics
	failFast bool

	// Senders hold mu shared. The worker takes it once on shutdown so no
	// send is in flight while it empties the queue.
	mu     sync.RWMutex
	t      tomb.Tomb
	closed atomic.Bool
}

// NewMailbox starts a mailbox delivering to target. reply may be nil, in
// which case faults are only logged.
func NewMailbox(address string, target MessageStream, reply Broker, size int) *Mailbox {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	m := &Mailbox{
		address: address,
		target:  target,
		reply:   reply,
		queue:   make(chan Packet, size),
	}
	m.t.Go(m.run)
	return m
}

func (m *Mailbox) setMetrics(metrics *Metrics) {
	m.metrics = metrics
}

// setFailFast makes calls fail with wait/service-unavailable instead of
// blocking when the queue is full. Must be called before the mailbox is
// shared.
func (m *Mailbox) setFailFast() {
	m.failFast = true
}

func (m *Mailbox) Address() string { return m.address }

func (m *Mailbox) Broker() Broker { return m.reply }

// Len returns the number of queued packets.
func (m *Mailbox) Len() int { return len(m.queue) }

// Cap returns the queue capacity.
func (m *Mailbox) Cap() int { return cap(m.queue) }

func (m *Mailbox) IsClosed() bool { return m.closed.Load() }

func (m *Mailbox) Message(to, from string, value any) error {
	return m.enqueue(NewMessage(to, from, value))
}

func (m *Mailbox) MessageError(to, from string, value any, err *ErrorInfo) error {
	return m.enqueue(NewMessageError(to, from, value, err))
}

func (m *Mailbox) Query(id uint64, to, from string, value any) error {
	return m.enqueue(NewQuery(id, to, from, value))
}

func (m *Mailbox) QueryResult(id uint64, to, from string, value any) error {
	return m.enqueue(NewQueryResult(id, to, from, value))
}

func (m *Mailbox) QueryError(id uint64, to, from string, value any, err *ErrorInfo) error {
	return m.enqueue(NewQueryError(id, to, from, value, err))
}

func (m *Mailbox) enqueue(p Packet) error {
	return m.put(p, !m.failFast)
}

// send queues p, waiting for room even on a fail-fast mailbox. Only the
// mailbox's owner uses it.
func (m *Mailbox) send(p Packet) error {
	return m.put(p, true)
}

func (m *Mailbox) put(p Packet, block bool) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return ErrMailboxClosed
	}

	// Fast path: room in the queue.
	select {
	case m.queue <- p:
		return nil
	default:
	}

	if !block {
		if m.metrics != nil {
			m.metrics.MailboxRejects.Add(1)
		}
		return NewErrorInfo(ErrorTypeWait, ConditionServiceUnavailable, "mailbox "+m.address+" is full")
	}

	select {
	case m.queue <- p:
		return nil
	case <-m.t.Dying():
		return ErrMailboxClosed
	}
}

func (m *Mailbox) run() error {
	for {
		select {
		case <-m.t.Dying():
			m.drain()
			return nil
		default:
		}

		select {
		case <-m.t.Dying():
			m.drain()
			return nil
		case p := <-m.queue:
			var reply MessageStream
			if m.reply != nil {
				reply = m.reply
			}
			if err := Dispatch(p, m.target, reply); err != nil {
				if m.metrics != nil {
					m.metrics.DispatchFaults.Add(1)
				}
				slog.Error("mailbox dispatch fault",
					"mailbox", m.address, "kind", p.kind.String(), "to", p.to, "from", p.from, "id", p.id, "error", err)
			}
		}
	}
}

// drain empties the queue after Close. Queued messages and queries are
// answered with wait/service-unavailable; terminal packets are dropped.
func (m *Mailbox) drain() {
	m.mu.Lock()
	m.mu.Unlock()

	var refused, dropped int
	for {
		var p Packet
		select {
		case p = <-m.queue:
		default:
			if refused > 0 || dropped > 0 {
				slog.Warn("mailbox closed with pending packets",
					"mailbox", m.address, "refused", refused, "dropped", dropped)
			}
			return
		}

		if m.reply == nil || (p.kind != KindMessage && p.kind != KindQuery) {
			dropped++
			continue
		}
		refused++
		Reject(p, m.reply, NewErrorInfo(ErrorTypeWait, ConditionServiceUnavailable, "mailbox "+m.address+" closed"))
	}
}

// Close stops the worker. Messages and queries still queued are refused
// with wait/service-unavailable. Close does not wait for the worker; use
// Done for that.
func (m *Mailbox) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.t.Kill(nil)
}

// Done is closed once the worker has exited.
func (m *Mailbox) Done() <-chan struct{} {
	return m.t.Dead()
}
