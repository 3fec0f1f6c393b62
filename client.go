package bam

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// clientDialTimeout bounds net.DialTimeout in Dial.
const clientDialTimeout = 5 * time.Second

var ErrClientClosed = errors.New("client closed")

// Client is the peer side of an HMTP link. Packets read from the server
// are dispatched to handler on the client's read goroutine; faults on
// server-initiated messages and queries are answered back over the link.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	handler MessageStream

	writeMu sync.Mutex
	nextID  atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to an HMTP server and sends the handshake.
func Dial(address string, mode LinkMode, admin bool, handler MessageStream) (*Client, error) {
	conn, err := net.DialTimeout("tcp", address, clientDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("hmtp dial %s: %w", address, err)
	}
	c, err := NewClient(conn, mode, admin, handler)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient sends the handshake on conn and starts the read loop. A nil
// handler drops everything the server sends.
func NewClient(conn net.Conn, mode LinkMode, admin bool, handler MessageStream) (*Client, error) {
	if handler == nil {
		handler = NewNullStream("", nil)
	}
	if err := WriteHandshake(conn, mode, admin, nil); err != nil {
		return nil, err
	}
	c := &Client{
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, linkReadBuffer),
		handler: handler,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// NextID returns a fresh query id.
func (c *Client) NextID() uint64 { return c.nextID.Add(1) }

// Send writes p to the server.
func (c *Client) Send(p Packet) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WritePacket(c.conn, p)
}

// Login sends an AuthQuery to the link and returns the query id. The
// AuthResult (or error) arrives at the handler.
func (c *Client) Login(uid, credentials, resource string) (uint64, error) {
	id := c.NextID()
	return id, c.Send(NewQuery(id, "", "", AuthQuery{UID: uid, Credentials: credentials, Resource: resource}))
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the read loop, nil after a clean
// disconnect.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	var err error
	defer func() {
		c.closeOnce.Do(func() {
			c.err = err
			close(c.done)
		})
	}()

	reply := &clientReply{c: c}
	for {
		var p Packet
		p, err = ReadPacket(c.reader)
		var bodyErr *BodyError
		if errors.As(err, &bodyErr) {
			Reject(p, reply, NewErrorInfo(ErrorTypeModify, ConditionBadRequest, bodyErr.Error()))
			err = nil
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				err = nil
			}
			return
		}
		if derr := Dispatch(p, c.handler, reply); derr != nil {
			slog.Debug("hmtp client dispatch fault", "kind", p.kind.String(), "to", p.to, "error", derr)
		}
	}
}

// clientReply sends fault replies back over the client's connection.
type clientReply struct {
	c *Client
}

func (r *clientReply) Address() string { return "" }

func (r *clientReply) Broker() Broker { return nil }

func (r *clientReply) Message(to, from string, value any) error {
	return r.c.Send(NewMessage(to, from, value))
}

func (r *clientReply) MessageError(to, from string, value any, err *ErrorInfo) error {
	return r.c.Send(NewMessageError(to, from, value, err))
}

func (r *clientReply) Query(id uint64, to, from string, value any) error {
	return r.c.Send(NewQuery(id, to, from, value))
}

func (r *clientReply) QueryResult(id uint64, to, from string, value any) error {
	return r.c.Send(NewQueryResult(id, to, from, value))
}

func (r *clientReply) QueryError(id uint64, to, from string, value any, err *ErrorInfo) error {
	return r.c.Send(NewQueryError(id, to, from, value, err))
}

func (r *clientReply) IsClosed() bool {
	select {
	case <-r.c.done:
		return true
	default:
		return false
	}
}

func (r *clientReply) Close() {}
