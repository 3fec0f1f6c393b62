package bam

import (
	"log/slog"
	"sync/atomic"
)

// Receiver handles the packets delivered to an Actor, one at a time.
type Receiver interface {
	Receive(ctx *Context) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx *Context) error

func (f ReceiverFunc) Receive(ctx *Context) error { return f(ctx) }

// Actor is a mailbox-backed endpoint: callers enqueue and return, and the
// receiver sees packets in arrival order on the mailbox goroutine. Faults
// returned (or panicked) by the receiver are reflected through the broker.
type Actor struct {
	address  string
	broker   Broker
	receiver Receiver
	mailbox  *Mailbox
	nextID   atomic.Uint64
}

// NewActor creates an actor without registering it.
func NewActor(address string, broker Broker, receiver Receiver, mailboxSize int) *Actor {
	a := &Actor{
		address:  address,
		broker:   broker,
		receiver: receiver,
	}
	a.mailbox = NewMailbox(address, &actorHandler{actor: a}, broker, mailboxSize)
	return a
}

// Spawn creates an actor and registers it with broker.
func Spawn(broker Broker, address string, receiver Receiver) (*Actor, error) {
	a := NewActor(address, broker, receiver, DefaultMailboxSize)
	if err := broker.Register(a); err != nil {
		a.mailbox.Close()
		return nil, err
	}
	return a, nil
}

func (a *Actor) Address() string { return a.address }

func (a *Actor) Broker() Broker { return a.broker }

func (a *Actor) Message(to, from string, value any) error {
	return a.mailbox.Message(to, from, value)
}

func (a *Actor) MessageError(to, from string, value any, err *ErrorInfo) error {
	return a.mailbox.MessageError(to, from, value, err)
}

func (a *Actor) Query(id uint64, to, from string, value any) error {
	return a.mailbox.Query(id, to, from, value)
}

func (a *Actor) QueryResult(id uint64, to, from string, value any) error {
	return a.mailbox.QueryResult(id, to, from, value)
}

func (a *Actor) QueryError(id uint64, to, from string, value any, err *ErrorInfo) error {
	return a.mailbox.QueryError(id, to, from, value, err)
}

func (a *Actor) IsClosed() bool { return a.mailbox.IsClosed() }

// Close unregisters the actor (if it is the registered endpoint for its
// address) and stops its mailbox.
func (a *Actor) Close() {
	if a.mailbox.IsClosed() {
		return
	}
	if a.broker != nil {
		if a.registered(a.broker) {
			a.broker.Unregister(a.address)
		}
	}
	a.mailbox.Close()
}

// registered reports whether a is the endpoint broker holds for a's
// address. A Router is asked locally so the check is not a routing miss.
func (a *Actor) registered(broker Broker) bool {
	var cur MessageStream
	if r, ok := broker.(*Router); ok {
		s, found := r.local(a.address)
		if !found {
			return false
		}
		cur = s
	} else {
		cur = broker.Lookup(a.address)
	}
	return cur == MessageStream(a)
}

// actorHandler is the mailbox target: it turns each packet into a Context
// for the receiver.
type actorHandler struct {
	actor *Actor
}

func (h *actorHandler) Address() string { return h.actor.address }

func (h *actorHandler) Broker() Broker { return h.actor.broker }

func (h *actorHandler) receive(p Packet) error {
	ctx := &Context{packet: p, actor: h.actor}
	err := h.actor.receiver.Receive(ctx)
	if err != nil && ctx.replied {
		// The sender already has its answer; a second reply would break
		// the one-reply-per-query guarantee.
		slog.Warn("actor fault after reply", "actor", h.actor.address, "kind", p.kind.String(), "error", err)
		return nil
	}
	return err
}

func (h *actorHandler) Message(to, from string, value any) error {
	return h.receive(NewMessage(to, from, value))
}

func (h *actorHandler) MessageError(to, from string, value any, err *ErrorInfo) error {
	return h.receive(NewMessageError(to, from, value, err))
}

func (h *actorHandler) Query(id uint64, to, from string, value any) error {
	return h.receive(NewQuery(id, to, from, value))
}

func (h *actorHandler) QueryResult(id uint64, to, from string, value any) error {
	return h.receive(NewQueryResult(id, to, from, value))
}

func (h *actorHandler) QueryError(id uint64, to, from string, value any, err *ErrorInfo) error {
	return h.receive(NewQueryError(id, to, from, value, err))
}

func (h *actorHandler) IsClosed() bool { return h.actor.IsClosed() }

func (h *actorHandler) Close() {}
