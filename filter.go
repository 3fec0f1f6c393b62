package bam

import "log/slog"

// StreamFilter forwards every call to Next. Filters embed *StreamFilter
// and override the methods they intercept.
//
// Close does not close Next: several filters may share one downstream
// endpoint.
type StreamFilter struct {
	Next MessageStream
}

func NewStreamFilter(next MessageStream) *StreamFilter {
	return &StreamFilter{Next: next}
}

func (f *StreamFilter) Address() string { return f.Next.Address() }

func (f *StreamFilter) Broker() Broker { return f.Next.Broker() }

func (f *StreamFilter) Message(to, from string, value any) error {
	return f.Next.Message(to, from, value)
}

func (f *StreamFilter) MessageError(to, from string, value any, err *ErrorInfo) error {
	return f.Next.MessageError(to, from, value, err)
}

func (f *StreamFilter) Query(id uint64, to, from string, value any) error {
	return f.Next.Query(id, to, from, value)
}

func (f *StreamFilter) QueryResult(id uint64, to, from string, value any) error {
	return f.Next.QueryResult(id, to, from, value)
}

func (f *StreamFilter) QueryError(id uint64, to, from string, value any, err *ErrorInfo) error {
	return f.Next.QueryError(id, to, from, value, err)
}

func (f *StreamFilter) IsClosed() bool { return f.Next.IsClosed() }

func (f *StreamFilter) Close() {}

// NullStream absorbs every call. It stands in for an endpoint that has not
// been wired up yet.
type NullStream struct {
	address string
	broker  Broker
}

func NewNullStream(address string, broker Broker) *NullStream {
	return &NullStream{address: address, broker: broker}
}

func (s *NullStream) Address() string { return s.address }

func (s *NullStream) Broker() Broker { return s.broker }

func (s *NullStream) Message(string, string, any) error { return nil }

func (s *NullStream) MessageError(string, string, any, *ErrorInfo) error { return nil }

func (s *NullStream) Query(uint64, string, string, any) error { return nil }

func (s *NullStream) QueryResult(uint64, string, string, any) error { return nil }

func (s *NullStream) QueryError(uint64, string, string, any, *ErrorInfo) error { return nil }

func (s *NullStream) IsClosed() bool { return false }

func (s *NullStream) Close() {}

// FallbackStream receives packets whose target could not be found.
// Messages and queries fail with item-not-found so the sender gets an
// error reply; terminal packets are logged and dropped.
type FallbackStream struct {
	NullStream
	missing string
}

// NewFallbackStream returns a sentinel for address. missing names the
// actor that could not be resolved and defaults to address.
func NewFallbackStream(address string, broker Broker, missing string) *FallbackStream {
	if missing == "" {
		missing = address
	}
	return &FallbackStream{
		NullStream: NullStream{address: address, broker: broker},
		missing:    missing,
	}
}

// Missing names the actor the sentinel stands in for.
func (s *FallbackStream) Missing() string { return s.missing }

func (s *FallbackStream) notFound() *ErrorInfo {
	return NewErrorInfo(ErrorTypeCancel, ConditionItemNotFound, "no actor found for "+s.missing)
}

func (s *FallbackStream) Message(to, from string, _ any) error {
	slog.Warn("message to unknown actor", "to", to, "from", from, "missing", s.missing)
	return s.notFound()
}

func (s *FallbackStream) Query(id uint64, to, from string, _ any) error {
	slog.Warn("query to unknown actor", "to", to, "from", from, "id", id, "missing", s.missing)
	return s.notFound()
}

func (s *FallbackStream) MessageError(to, from string, _ any, err *ErrorInfo) error {
	slog.Warn("message error to unknown actor dropped", "to", to, "from", from, "error", err)
	return nil
}

func (s *FallbackStream) QueryResult(id uint64, to, from string, _ any) error {
	slog.Warn("query result to unknown actor dropped", "to", to, "from", from, "id", id)
	return nil
}

func (s *FallbackStream) QueryError(id uint64, to, from string, _ any, err *ErrorInfo) error {
	slog.Warn("query error to unknown actor dropped", "to", to, "from", from, "id", id, "error", err)
	return nil
}
