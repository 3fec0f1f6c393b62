package bam

import "errors"

var (
	ErrAlreadyReplied = errors.New("query already answered")
	ErrNotAQuery      = errors.New("packet is not a query")
)

// Context is what a Receiver sees for one packet. It is only valid for
// the duration of the Receive call.
type Context struct {
	packet  Packet
	actor   *Actor
	replied bool
}

// Self is the receiving actor's address.
func (c *Context) Self() string { return c.actor.address }

func (c *Context) Packet() Packet { return c.packet }

func (c *Context) Kind() Kind { return c.packet.kind }

func (c *Context) From() string { return c.packet.from }

func (c *Context) ID() uint64 { return c.packet.id }

// Message is the packet's value.
func (c *Context) Message() any { return c.packet.value }

// Err is the failure carried by error packets.
func (c *Context) Err() *ErrorInfo { return c.packet.err }

// Send delivers a message from this actor.
func (c *Context) Send(to string, value any) error {
	return c.actor.broker.Message(to, c.actor.address, value)
}

// Query sends a query from this actor and returns its id. The answer is
// delivered to the receiver later as a QueryResult or QueryError.
func (c *Context) Query(to string, value any) (uint64, error) {
	id := c.actor.nextID.Add(1)
	return id, c.actor.broker.Query(id, to, c.actor.address, value)
}

// Reply answers the query being processed.
func (c *Context) Reply(value any) error {
	if c.packet.kind != KindQuery {
		return ErrNotAQuery
	}
	if c.replied {
		return ErrAlreadyReplied
	}
	c.replied = true
	return c.actor.broker.QueryResult(c.packet.id, c.packet.from, c.packet.to, value)
}

// Fail answers the query being processed with an error. Returning the
// error from Receive has the same effect.
func (c *Context) Fail(err error) error {
	if c.packet.kind != KindQuery {
		return ErrNotAQuery
	}
	if c.replied {
		return ErrAlreadyReplied
	}
	c.replied = true
	return c.actor.broker.QueryError(c.packet.id, c.packet.from, c.packet.to, c.packet.value, ErrorInfoFrom(err))
}
