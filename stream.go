package bam

// MessageStream is an addressed bus endpoint. Actors, filters, brokers and
// sentinels all implement it.
//
// Calls never block on the network and never return replies: a Query is
// answered by a later QueryResult or QueryError call on the broker path
// back to its sender. A returned error is a handler fault; Dispatch turns
// faults on Message and Query into error replies.
type MessageStream interface {
	// Address is the endpoint's identity, constant for its lifetime.
	Address() string

	// Broker is the routing scope the endpoint belongs to. May be nil for
	// endpoints that are not attached to a broker.
	Broker() Broker

	Message(to, from string, value any) error
	MessageError(to, from string, value any, err *ErrorInfo) error

	// Query must eventually be answered with exactly one QueryResult or
	// QueryError carrying id.
	Query(id uint64, to, from string, value any) error
	QueryResult(id uint64, to, from string, value any) error
	QueryError(id uint64, to, from string, value any, err *ErrorInfo) error

	IsClosed() bool
	Close()
}

// Broker routes each call to the endpoint registered under the call's
// to address.
type Broker interface {
	MessageStream

	Register(stream MessageStream) error
	Unregister(address string)

	// Lookup never returns nil: unknown addresses resolve to a sentinel.
	Lookup(address string) MessageStream
}

// Submit dispatches p to the endpoint b resolves for p.To(). Faults are
// reflected back through b.
func Submit(b Broker, p Packet) error {
	return Dispatch(p, b.Lookup(p.To()), b)
}
