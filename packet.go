package bam

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// Kind identifies the shape of a Packet.
type Kind byte

const (
	KindMessage Kind = iota + 1
	KindMessageError
	KindQuery
	KindQueryResult
	KindQueryError
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindMessageError:
		return "message-error"
	case KindQuery:
		return "query"
	case KindQueryResult:
		return "query-result"
	case KindQueryError:
		return "query-error"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Terminal reports whether the kind closes a correlation (or reports a
// failure) and therefore never has its own faults reflected.
func (k Kind) Terminal() bool {
	return k == KindMessageError || k == KindQueryResult || k == KindQueryError
}

// Error types.
const (
	ErrorTypeCancel   = "cancel"
	ErrorTypeContinue = "continue"
	ErrorTypeModify   = "modify"
	ErrorTypeAuth     = "auth"
	ErrorTypeWait     = "wait"
)

// Error conditions.
const (
	ConditionBadRequest            = "bad-request"
	ConditionConflict              = "conflict"
	ConditionFeatureNotImplemented = "feature-not-implemented"
	ConditionInternalServerError   = "internal-server-error"
	ConditionItemNotFound          = "item-not-found"
	ConditionNotAuthorized         = "not-authorized"
	ConditionRemoteServerTimeout   = "remote-server-timeout"
	ConditionServiceUnavailable    = "service-unavailable"
)

// ErrorInfo is the failure carried by MessageError and QueryError packets.
// Handlers may return an *ErrorInfo to choose the condition reported to the
// sender; any other error is reported as internal-server-error.
type ErrorInfo struct {
	Type      string `json:"type"`
	Condition string `json:"condition"`
	Text      string `json:"text,omitempty"`
	Cause     string `json:"cause,omitempty"`
}

func NewErrorInfo(typ, condition, text string) *ErrorInfo {
	return &ErrorInfo{
		Type:      typ,
		Condition: condition,
		Text:      text,
	}
}

func (e *ErrorInfo) Error() string {
	s := e.Type + ":" + e.Condition
	if e.Text != "" {
		s += " " + e.Text
	}
	if e.Cause != "" {
		s += " (" + e.Cause + ")"
	}
	return s
}

// ErrorInfoFrom converts err into an ErrorInfo. An *ErrorInfo anywhere in
// the chain is returned as is.
func ErrorInfoFrom(err error) *ErrorInfo {
	if err == nil {
		return nil
	}

	var info *ErrorInfo
	if errors.As(err, &info) {
		return info
	}

	info = NewErrorInfo(ErrorTypeCancel, ConditionInternalServerError, err.Error())
	if cause := errors.Unwrap(err); cause != nil {
		info.Cause = cause.Error()
	}
	return info
}

// Packet is one of the five bus shapes. Packets are values: they are built
// by the New* constructors and never modified afterwards.
type Packet struct {
	kind  Kind
	to    string
	from  string
	id    uint64
	value any
	err   *ErrorInfo
}

func NewMessage(to, from string, value any) Packet {
	return Packet{kind: KindMessage, to: to, from: from, value: value}
}

func NewMessageError(to, from string, value any, err *ErrorInfo) Packet {
	return Packet{kind: KindMessageError, to: to, from: from, value: value, err: err}
}

func NewQuery(id uint64, to, from string, value any) Packet {
	return Packet{kind: KindQuery, id: id, to: to, from: from, value: value}
}

func NewQueryResult(id uint64, to, from string, value any) Packet {
	return Packet{kind: KindQueryResult, id: id, to: to, from: from, value: value}
}

func NewQueryError(id uint64, to, from string, value any, err *ErrorInfo) Packet {
	return Packet{kind: KindQueryError, id: id, to: to, from: from, value: value, err: err}
}

func (p Packet) Kind() Kind { return p.kind }

func (p Packet) To() string { return p.to }

func (p Packet) From() string { return p.from }

// ID is the correlation id. Zero for messages.
func (p Packet) ID() uint64 { return p.id }

func (p Packet) Value() any { return p.value }

// Error is non-nil only for MessageError and QueryError packets.
func (p Packet) Error() *ErrorInfo { return p.err }

func (p Packet) String() string {
	type packet struct {
		Kind  string     `json:"kind"`
		To    string     `json:"to"`
		From  string     `json:"from"`
		ID    uint64     `json:"id,omitempty"`
		Value any        `json:"value,omitempty"`
		Error *ErrorInfo `json:"error,omitempty"`
	}

	b, err := jsoniter.Marshal(packet{
		Kind:  p.kind.String(),
		To:    p.to,
		From:  p.from,
		ID:    p.id,
		Value: p.value,
		Error: p.err,
	})
	if err != nil {
		return fmt.Sprintf("%s{to=%s from=%s id=%d}", p.kind, p.to, p.from, p.id)
	}
	return string(b)
}
