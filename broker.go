package bam

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	ErrBrokerClosed = errors.New("broker closed")
	ErrAddressInUse = errors.New("address already registered")
	ErrEmptyAddress = errors.New("empty address")
	ErrNotRoutable  = errors.New("broker does not accept registrations")
)

// Remote resolves addresses that are not registered locally, typically by
// forwarding to other processes of the cluster.
type Remote interface {
	// Stream returns an endpoint that forwards to address, or false if
	// address cannot be reached remotely.
	Stream(address string) (MessageStream, bool)

	// Export makes a locally registered address reachable from the cluster.
	Export(address string) error
	Unexport(address string)
}

// Router is the shared in-process broker. Lookups run concurrently;
// registrations are serialized.
//
// Router's MessageStream methods deliver to the target and return the
// target's fault to the caller without replying. Use Submit (or Dispatch
// with the router as reply target) to have faults reflected to the sender.
type Router struct {
	address   string
	endpoints map[string]MessageStream
	mu        sync.RWMutex

	remote  atomic.Pointer[remoteHolder]
	metrics *Metrics
	closed  atomic.Bool
}

type remoteHolder struct {
	r Remote
}

func NewRouter(address string) *Router {
	return &Router{
		address:   address,
		endpoints: make(map[string]MessageStream),
	}
}

// SetRemote installs the resolver used for addresses not registered
// locally. Pass nil to remove it.
func (r *Router) SetRemote(remote Remote) {
	if remote == nil {
		r.remote.Store(nil)
		return
	}
	r.remote.Store(&remoteHolder{r: remote})
}

// SetMetrics must be called before the router is shared.
func (r *Router) SetMetrics(m *Metrics) {
	r.metrics = m
}

func (r *Router) Address() string { return r.address }

func (r *Router) Broker() Broker { return r }

func (r *Router) Register(stream MessageStream) error {
	address := stream.Address()
	if address == "" {
		return ErrEmptyAddress
	}
	if r.closed.Load() {
		return ErrBrokerClosed
	}

	r.mu.Lock()
	// Close may have cleared the table since the check above.
	if r.closed.Load() {
		r.mu.Unlock()
		return ErrBrokerClosed
	}
	if cur, ok := r.endpoints[address]; ok && cur != stream {
		r.mu.Unlock()
		return fmt.Errorf("register %s: %w", address, ErrAddressInUse)
	}
	r.endpoints[address] = stream
	r.mu.Unlock()

	if h := r.remote.Load(); h != nil {
		if err := h.r.Export(address); err != nil {
			slog.Warn("router export failed", "address", address, "error", err)
		}
	}

	return nil
}

func (r *Router) Unregister(address string) {
	r.mu.Lock()
	_, ok := r.endpoints[address]
	delete(r.endpoints, address)
	r.mu.Unlock()

	if !ok {
		return
	}
	if h := r.remote.Load(); h != nil {
		h.r.Unexport(address)
	}
}

// Lookup resolves address locally, then remotely, then to a
// FallbackStream.
func (r *Router) Lookup(address string) MessageStream {
	if s, ok := r.local(address); ok {
		return s
	}
	if h := r.remote.Load(); h != nil {
		if s, ok := h.r.Stream(address); ok {
			return s
		}
	}
	return r.miss(address)
}

// LookupLocal resolves address without consulting the remote resolver.
// Used for packets arriving from the cluster so they are never forwarded
// back out.
func (r *Router) LookupLocal(address string) MessageStream {
	if s, ok := r.local(address); ok {
		return s
	}
	return r.miss(address)
}

func (r *Router) local(address string) (MessageStream, bool) {
	r.mu.RLock()
	s, ok := r.endpoints[address]
	r.mu.RUnlock()
	return s, ok
}

func (r *Router) miss(address string) MessageStream {
	if r.metrics != nil {
		r.metrics.RoutingMisses.Add(1)
	}
	return NewFallbackStream(address, r, "")
}

// Addresses returns the locally registered addresses in sorted order.
func (r *Router) Addresses() []string {
	r.mu.RLock()
	addrs := make([]string, 0, len(r.endpoints))
	for a := range r.endpoints {
		addrs = append(addrs, a)
	}
	r.mu.RUnlock()
	sort.Strings(addrs)
	return addrs
}

func (r *Router) deliver(p Packet) error {
	if r.closed.Load() {
		return ErrBrokerClosed
	}
	return invoke(p, r.Lookup(p.to))
}

func (r *Router) Message(to, from string, value any) error {
	return r.deliver(NewMessage(to, from, value))
}

func (r *Router) MessageError(to, from string, value any, err *ErrorInfo) error {
	return r.deliver(NewMessageError(to, from, value, err))
}

func (r *Router) Query(id uint64, to, from string, value any) error {
	return r.deliver(NewQuery(id, to, from, value))
}

func (r *Router) QueryResult(id uint64, to, from string, value any) error {
	return r.deliver(NewQueryResult(id, to, from, value))
}

func (r *Router) QueryError(id uint64, to, from string, value any, err *ErrorInfo) error {
	return r.deliver(NewQueryError(id, to, from, value, err))
}

func (r *Router) IsClosed() bool { return r.closed.Load() }

// Close stops routing and forgets every registration. Registered endpoints
// are owned by their creators and are not closed.
func (r *Router) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.mu.Lock()
	addrs := make([]string, 0, len(r.endpoints))
	for a := range r.endpoints {
		addrs = append(addrs, a)
	}
	r.endpoints = make(map[string]MessageStream)
	r.mu.Unlock()

	if h := r.remote.Load(); h != nil {
		for _, a := range addrs {
			h.r.Unexport(a)
		}
	}
}

// PassthroughBroker sends every call to a single stream regardless of the
// to address.
type PassthroughBroker struct {
	stream MessageStream
	closed atomic.Bool
}

func NewPassthroughBroker(stream MessageStream) *PassthroughBroker {
	return &PassthroughBroker{stream: stream}
}

func (b *PassthroughBroker) Address() string { return b.stream.Address() }

func (b *PassthroughBroker) Broker() Broker { return b }

func (b *PassthroughBroker) Register(MessageStream) error { return ErrNotRoutable }

func (b *PassthroughBroker) Unregister(string) {}

func (b *PassthroughBroker) Lookup(string) MessageStream { return b.stream }

func (b *PassthroughBroker) Message(to, from string, value any) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	return b.stream.Message(to, from, value)
}

func (b *PassthroughBroker) MessageError(to, from string, value any, err *ErrorInfo) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	return b.stream.MessageError(to, from, value, err)
}

func (b *PassthroughBroker) Query(id uint64, to, from string, value any) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	return b.stream.Query(id, to, from, value)
}

func (b *PassthroughBroker) QueryResult(id uint64, to, from string, value any) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	return b.stream.QueryResult(id, to, from, value)
}

func (b *PassthroughBroker) QueryError(id uint64, to, from string, value any, err *ErrorInfo) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	return b.stream.QueryError(id, to, from, value, err)
}

func (b *PassthroughBroker) IsClosed() bool {
	return b.closed.Load() || b.stream.IsClosed()
}

// Close closes the broker facade only; the wrapped stream is left open.
func (b *PassthroughBroker) Close() {
	b.closed.Store(true)
}
