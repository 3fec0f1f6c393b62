package bam

import (
	"bytes"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"
)

// NatsBridge joins routers in different processes over NATS. Each exported
// address is served on its own subject; a presence subject tells every
// bridge which addresses the others serve, so lookups for addresses that
// nobody serves still miss.
//
// Subjects:
//
//	<prefix>.addr.<hex(address)>   frames for one address (codec.go format)
//	<prefix>.presence              JSON presence announcements
type NatsBridge struct {
	nc     *nats.Conn
	prefix string
	node   string
	router *Router

	mu       sync.Mutex
	exports  map[string]*nats.Subscription
	remote   map[string]string // address -> node
	presence *nats.Subscription
	started  bool
}

type presenceOp struct {
	Node    string `json:"node"`
	Op      string `json:"op"` // add, del, sync
	Address string `json:"address,omitempty"`
}

func NewNatsBridge(nc *nats.Conn, prefix string, router *Router) *NatsBridge {
	if prefix == "" {
		prefix = "bam"
	}
	return &NatsBridge{
		nc:      nc,
		prefix:  prefix,
		node:    nuid.Next(),
		router:  router,
		exports: make(map[string]*nats.Subscription),
		remote:  make(map[string]string),
	}
}

func (b *NatsBridge) subject(address string) string {
	return b.prefix + ".addr." + hex.EncodeToString([]byte(address))
}

// Start installs the bridge as the router's remote resolver, exports the
// router's current addresses and asks the other bridges to announce
// theirs.
func (b *NatsBridge) Start() error {
	sub, err := b.nc.Subscribe(b.prefix+".presence", b.onPresence)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.presence = sub
	b.started = true
	b.mu.Unlock()

	b.router.SetRemote(b)
	for _, a := range b.router.Addresses() {
		if err := b.Export(a); err != nil {
			return err
		}
	}

	b.announce("sync", "")
	return b.nc.Flush()
}

// Stop withdraws every export and detaches from the router. The NATS
// connection is left open.
func (b *NatsBridge) Stop() {
	b.router.SetRemote(nil)

	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	exports := b.exports
	b.exports = make(map[string]*nats.Subscription)
	presence := b.presence
	b.presence = nil
	b.mu.Unlock()

	for a, sub := range exports {
		sub.Unsubscribe()
		b.announce("del", a)
	}
	if presence != nil {
		presence.Unsubscribe()
	}
	b.nc.Flush()
}

// Known reports whether another bridge has announced address.
func (b *NatsBridge) Known(address string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.remote[address]
	return ok
}

func (b *NatsBridge) Stream(address string) (MessageStream, bool) {
	if !b.Known(address) {
		return nil, false
	}
	return &natsStream{bridge: b, address: address}, true
}

func (b *NatsBridge) Export(address string) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return errors.New("nats bridge not started")
	}
	if _, ok := b.exports[address]; ok {
		b.mu.Unlock()
		return nil
	}
	sub, err := b.nc.Subscribe(b.subject(address), b.onFrame)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	b.exports[address] = sub
	b.mu.Unlock()

	b.announce("add", address)
	return nil
}

func (b *NatsBridge) Unexport(address string) {
	b.mu.Lock()
	sub, ok := b.exports[address]
	delete(b.exports, address)
	b.mu.Unlock()
	if !ok {
		return
	}
	sub.Unsubscribe()
	b.announce("del", address)
}

func (b *NatsBridge) announce(op, address string) {
	data, err := jsoniter.Marshal(presenceOp{Node: b.node, Op: op, Address: address})
	if err != nil {
		return
	}
	if err := b.nc.Publish(b.prefix+".presence", data); err != nil {
		slog.Warn("nats presence publish failed", "op", op, "address", address, "error", err)
	}
}

func (b *NatsBridge) onPresence(msg *nats.Msg) {
	var op presenceOp
	if err := jsoniter.Unmarshal(msg.Data, &op); err != nil {
		slog.Warn("nats presence decode failed", "error", err)
		return
	}
	if op.Node == b.node {
		return
	}

	switch op.Op {
	case "add":
		b.mu.Lock()
		b.remote[op.Address] = op.Node
		b.mu.Unlock()
	case "del":
		b.mu.Lock()
		if b.remote[op.Address] == op.Node {
			delete(b.remote, op.Address)
		}
		b.mu.Unlock()
	case "sync":
		b.mu.Lock()
		addrs := make([]string, 0, len(b.exports))
		for a := range b.exports {
			addrs = append(addrs, a)
		}
		b.mu.Unlock()
		for _, a := range addrs {
			b.announce("add", a)
		}
	}
}

// onFrame delivers a packet from another process. Only local endpoints
// are considered so a packet never bounces back onto NATS.
func (b *NatsBridge) onFrame(msg *nats.Msg) {
	p, err := ReadPacket(bytes.NewReader(msg.Data))
	var bodyErr *BodyError
	if errors.As(err, &bodyErr) {
		Reject(p, b.router, NewErrorInfo(ErrorTypeModify, ConditionBadRequest, bodyErr.Error()))
		return
	}
	if err != nil {
		slog.Warn("nats frame decode failed", "subject", msg.Subject, "error", err)
		return
	}
	if err := Dispatch(p, b.router.LookupLocal(p.to), b.router); err != nil {
		slog.Debug("nats delivery fault", "to", p.to, "from", p.from, "kind", p.kind.String(), "error", err)
	}
}

// natsStream publishes packets for one remote address.
type natsStream struct {
	bridge  *NatsBridge
	address string
}

func (s *natsStream) publish(p Packet) error {
	frame, err := EncodePacket(p)
	if err != nil {
		return NewErrorInfo(ErrorTypeModify, ConditionBadRequest, err.Error())
	}
	if err := s.bridge.nc.Publish(s.bridge.subject(s.address), frame); err != nil {
		return NewErrorInfo(ErrorTypeWait, ConditionServiceUnavailable, err.Error())
	}
	return nil
}

func (s *natsStream) Address() string { return s.address }

func (s *natsStream) Broker() Broker { return s.bridge.router }

func (s *natsStream) Message(to, from string, value any) error {
	return s.publish(NewMessage(to, from, value))
}

func (s *natsStream) MessageError(to, from string, value any, err *ErrorInfo) error {
	return s.publish(NewMessageError(to, from, value, err))
}

func (s *natsStream) Query(id uint64, to, from string, value any) error {
	return s.publish(NewQuery(id, to, from, value))
}

func (s *natsStream) QueryResult(id uint64, to, from string, value any) error {
	return s.publish(NewQueryResult(id, to, from, value))
}

func (s *natsStream) QueryError(id uint64, to, from string, value any, err *ErrorInfo) error {
	return s.publish(NewQueryError(id, to, from, value, err))
}

func (s *natsStream) IsClosed() bool { return s.bridge.nc.IsClosed() }

func (s *natsStream) Close() {}
