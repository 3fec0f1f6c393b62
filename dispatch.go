package bam

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError is the fault recorded when a handler panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Dispatch delivers p to handler by calling the handler method for p's
// kind.
//
// If handler faults on a Message or Query (returns an error or panics),
// exactly one MessageError or QueryError is sent to reply, addressed back
// to p's sender with the same id, and the fault is returned. Faults on
// terminal packets are returned without a reply. A nil handler is a
// routing miss.
func Dispatch(p Packet, handler, reply MessageStream) error {
	if handler == nil {
		handler = NewFallbackStream(p.to, nil, "")
	}

	err := invoke(p, handler)
	if err == nil {
		return nil
	}

	Reject(p, reply, err)
	return err
}

// Reject answers p's sender on reply with err when p is a Message or Query.
// Other kinds, or a nil reply, are left unanswered.
func Reject(p Packet, reply MessageStream, err error) {
	if reply == nil {
		return
	}
	switch p.kind {
	case KindMessage:
		if rerr := reply.MessageError(p.from, p.to, p.value, ErrorInfoFrom(err)); rerr != nil {
			slog.Warn("message error reply failed", "to", p.from, "error", rerr)
		}
	case KindQuery:
		if rerr := reply.QueryError(p.id, p.from, p.to, p.value, ErrorInfoFrom(err)); rerr != nil {
			slog.Warn("query error reply failed", "to", p.from, "id", p.id, "error", rerr)
		}
	}
}

func invoke(p Packet, handler MessageStream) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	switch p.kind {
	case KindMessage:
		return handler.Message(p.to, p.from, p.value)
	case KindMessageError:
		return handler.MessageError(p.to, p.from, p.value, p.err)
	case KindQuery:
		return handler.Query(p.id, p.to, p.from, p.value)
	case KindQueryResult:
		return handler.QueryResult(p.id, p.to, p.from, p.value)
	case KindQueryError:
		return handler.QueryError(p.id, p.to, p.from, p.value, p.err)
	default:
		return NewErrorInfo(ErrorTypeCancel, ConditionBadRequest, "unknown packet "+p.kind.String())
	}
}
