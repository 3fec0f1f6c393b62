package bam

import (
	"sync"
	"sync/atomic"
)

// ClusterBroker carries packets from a link toward the shared router. It
// also binds the link's addresses in the router, so packets addressed to
// the peer are routed back down the link.
//
// A proxy broker (unidirectional link) only lets replies through to the
// peer: messages and queries initiated by the cluster are refused with
// feature-not-implemented. A gateway broker (bidirectional link) lets
// everything through.
type ClusterBroker struct {
	address string
	mode    LinkMode
	router  Broker
	toPeer  MessageStream

	mu     sync.Mutex
	bound  []string
	closed atomic.Bool
}

// NewProxyBroker returns the cluster broker for a unidirectional link.
func NewProxyBroker(address string, router Broker, toPeer MessageStream) *ClusterBroker {
	return newClusterBroker(address, ModeUnidirectional, router, toPeer)
}

// NewGatewayBroker returns the cluster broker for a bidirectional link.
func NewGatewayBroker(address string, router Broker, toPeer MessageStream) *ClusterBroker {
	return newClusterBroker(address, ModeBidirectional, router, toPeer)
}

func newClusterBroker(address string, mode LinkMode, router Broker, toPeer MessageStream) *ClusterBroker {
	return &ClusterBroker{
		address: address,
		mode:    mode,
		router:  router,
		toPeer:  toPeer,
	}
}

// Mode reports which kind of link the broker serves.
func (b *ClusterBroker) Mode() LinkMode { return b.mode }

// Bind registers address in the router as a route to the peer.
func (b *ClusterBroker) Bind(address string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return ErrBrokerClosed
	}

	for _, a := range b.bound {
		if a == address {
			return nil
		}
	}

	rp := &returnPath{
		StreamFilter: NewStreamFilter(b.toPeer),
		address:      address,
		broker:       b,
		replyOnly:    b.mode == ModeUnidirectional,
	}
	if err := b.router.Register(rp); err != nil {
		return err
	}
	b.bound = append(b.bound, address)
	return nil
}

// Bound returns the addresses currently routed to the peer.
func (b *ClusterBroker) Bound() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.bound))
	copy(out, b.bound)
	return out
}

func (b *ClusterBroker) Address() string { return b.address }

func (b *ClusterBroker) Broker() Broker { return b }

func (b *ClusterBroker) Register(stream MessageStream) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	return b.router.Register(stream)
}

func (b *ClusterBroker) Unregister(address string) {
	b.router.Unregister(address)
}

func (b *ClusterBroker) Lookup(address string) MessageStream {
	return b.router.Lookup(address)
}

func (b *ClusterBroker) Message(to, from string, value any) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	return b.router.Message(to, from, value)
}

func (b *ClusterBroker) MessageError(to, from string, value any, err *ErrorInfo) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	return b.router.MessageError(to, from, value, err)
}

func (b *ClusterBroker) Query(id uint64, to, from string, value any) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	return b.router.Query(id, to, from, value)
}

func (b *ClusterBroker) QueryResult(id uint64, to, from string, value any) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	return b.router.QueryResult(id, to, from, value)
}

func (b *ClusterBroker) QueryError(id uint64, to, from string, value any, err *ErrorInfo) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	return b.router.QueryError(id, to, from, value, err)
}

func (b *ClusterBroker) IsClosed() bool { return b.closed.Load() }

// Close unbinds every address. The router itself stays open.
func (b *ClusterBroker) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}

	b.mu.Lock()
	bound := b.bound
	b.bound = nil
	b.mu.Unlock()

	for _, a := range bound {
		b.router.Unregister(a)
	}
}

// returnPath is the router endpoint for one bound peer address.
type returnPath struct {
	*StreamFilter
	address   string
	broker    Broker
	replyOnly bool
}

func (r *returnPath) Address() string { return r.address }

func (r *returnPath) Broker() Broker { return r.broker }

func (r *returnPath) refused() error {
	return NewErrorInfo(ErrorTypeCancel, ConditionFeatureNotImplemented,
		"unidirectional link "+r.address+" does not accept inbound requests")
}

func (r *returnPath) Message(to, from string, value any) error {
	if r.replyOnly {
		return r.refused()
	}
	return r.StreamFilter.Message(to, from, value)
}

func (r *returnPath) Query(id uint64, to, from string, value any) error {
	if r.replyOnly {
		return r.refused()
	}
	return r.StreamFilter.Query(id, to, from, value)
}
