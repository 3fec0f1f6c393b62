package bam

// Link is the server side of one HMTP connection.
//
// Lifecycle:
//   - A link starts in StateAwaitingHandshake. The first bytes must be a
//     valid handshake (hmtp.go); anything else closes the connection.
//   - Establishing the link builds, in order: the peer writer, the
//     outbound mailbox, the query ledger filter (when a query timeout is
//     configured), the to-peer broker, the cluster broker for the chosen
//     mode, the binding of the link address, and finally the link actor.
//   - While established the read goroutine parks until bytes are
//     readable, then decodes and dispatches every frame already buffered
//     before parking again. Packets reach the bus through the link actor;
//     faults are reflected to the peer.
//   - Close is idempotent and runs: detach the link actor, close the
//     cluster and to-peer brokers, deliver the registered link-close
//     payload, then close the mailbox, writer and connection. Every step
//     tolerates resources that were never created.
//
// Link address: "hmtp-server-<conn id>-hmtp".

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// LinkState is the lifecycle state of a Link.
type LinkState int32

const (
	StateAwaitingHandshake LinkState = iota
	StateEstablished
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateAwaitingHandshake:
		return "awaiting-handshake"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// linkReadBuffer is the size of the bufio.Reader wrapping each connection.
const linkReadBuffer = 64 << 10

// LinkAddress returns the bus address of the link with connection id id.
func LinkAddress(id string) string {
	return "hmtp-server-" + id + "-hmtp"
}

type Link struct {
	id         string
	address    string
	conn       net.Conn
	reader     *bufio.Reader
	router     Broker
	cfg        *linkConfig
	remoteAddr string
	openedAt   time.Time

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	// Set once by establish, under mu, before the state becomes
	// StateEstablished. Never reassigned afterwards.
	mode      LinkMode
	admin     bool
	writer    *peerWriter
	mailbox   *Mailbox
	ledger    *QueryLedger
	toPeer    *PassthroughBroker
	toCluster *ClusterBroker
	actor     *LinkActor
	sweepStop chan struct{}

	mu              sync.Mutex
	loginAddress    string
	closePayload    any
	hasClosePayload bool
}

// NewLink wraps conn. Serve must be called to run it.
func NewLink(id string, conn net.Conn, router Broker, opts ...Option) *Link {
	cfg := newLinkConfig(opts)
	if cfg.metrics == nil {
		cfg.metrics = linkMetrics()
	}
	return newLink(id, conn, router, &cfg)
}

func newLink(id string, conn net.Conn, router Broker, cfg *linkConfig) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		id:       id,
		address:  LinkAddress(id),
		conn:     conn,
		reader:   bufio.NewReaderSize(conn, linkReadBuffer),
		router:   router,
		cfg:      cfg,
		openedAt: time.Now(),
		ctx:      ctx,
		cancel:   cancel,
	}
	if ra := conn.RemoteAddr(); ra != nil {
		l.remoteAddr = ra.String()
	}
	return l
}

func (l *Link) ID() string { return l.id }

func (l *Link) Address() string { return l.address }

func (l *Link) State() LinkState { return LinkState(l.state.Load()) }

func (l *Link) RemoteAddr() string { return l.remoteAddr }

func (l *Link) OpenedAt() time.Time { return l.openedAt }

// Mode and Admin are only meaningful once the link is established.
func (l *Link) Mode() LinkMode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

func (l *Link) Admin() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.admin
}

// LoginAddress is the address bound by the last successful login, or "".
func (l *Link) LoginAddress() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loginAddress
}

func (l *Link) setLoginAddress(address string) {
	l.mu.Lock()
	l.loginAddress = address
	l.mu.Unlock()
}

func (l *Link) setClosePayload(payload any) {
	l.mu.Lock()
	l.closePayload = payload
	l.hasClosePayload = true
	l.mu.Unlock()
}

// Pending is the number of packets queued for the peer.
func (l *Link) Pending() int {
	l.mu.Lock()
	m := l.mailbox
	l.mu.Unlock()
	if m == nil {
		return 0
	}
	return m.Len()
}

// OpenQueries is the number of peer queries awaiting a reply.
func (l *Link) OpenQueries() int {
	l.mu.Lock()
	lg := l.ledger
	l.mu.Unlock()
	if lg == nil {
		return 0
	}
	return lg.Len()
}

func (l *Link) trackQuery(id uint64, to, from string) {
	if l.ledger == nil {
		return
	}
	l.ledger.Track(id, to, from)
	l.cfg.metrics.QueriesTracked.Add(1)
}

// Serve runs the link until the peer disconnects, a protocol error occurs
// or Close is called. The link is closed when Serve returns. A clean
// disconnect returns nil.
func (l *Link) Serve() error {
	defer l.Close()

	if err := l.handshake(); err != nil {
		if l.State() == StateClosed {
			return nil
		}
		l.cfg.metrics.HandshakeFailures.Add(1)
		slog.Warn("hmtp handshake failed", "conn", l.id, "remote", l.remoteAddr, "error", err)
		return err
	}

	err := l.readLoop()
	if err == nil || l.State() == StateClosed {
		return nil
	}
	slog.Warn("hmtp link read error", "link", l.address, "error", err)
	return err
}

func (l *Link) handshake() error {
	if l.cfg.handshakeTimeout > 0 {
		l.conn.SetReadDeadline(time.Now().Add(l.cfg.handshakeTimeout))
	}
	hs, err := ReadHandshake(l.reader)
	if err != nil {
		return err
	}
	l.conn.SetReadDeadline(time.Time{})
	return l.establish(hs)
}

func (l *Link) establish(hs Handshake) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.State() != StateAwaitingHandshake {
		return ErrLinkClosed
	}

	l.mode = hs.Mode
	l.admin = hs.Admin
	l.writer = newPeerWriter(l.address, l.conn, l.cfg.writeTimeout, l.cfg.metrics)

	l.mailbox = NewMailbox(l.address, l.writer, l.router, l.cfg.mailboxSize)
	l.mailbox.setMetrics(l.cfg.metrics)
	// Other links' read loops deliver here; they must never wait on this
	// peer's socket.
	l.mailbox.setFailFast()

	var out MessageStream = l.mailbox
	if l.cfg.queryTimeout > 0 {
		l.ledger = NewQueryLedger()
		out = newLedgerFilter(l.mailbox, l.ledger, l.cfg.metrics)
	}
	l.toPeer = NewPassthroughBroker(out)

	if hs.Mode == ModeBidirectional {
		l.toCluster = NewGatewayBroker(l.address, l.router, l.toPeer)
	} else {
		l.toCluster = NewProxyBroker(l.address, l.router, l.toPeer)
	}
	if err := l.toCluster.Bind(l.address); err != nil {
		return fmt.Errorf("bind link address: %w", err)
	}

	l.actor = newLinkActor(l, l.toCluster)

	if l.ledger != nil {
		l.sweepStop = make(chan struct{})
		go l.sweep(l.ledger, l.mailbox, l.sweepStop)
	}

	if !l.state.CompareAndSwap(int32(StateAwaitingHandshake), int32(StateEstablished)) {
		return ErrLinkClosed
	}
	l.cfg.metrics.LinksOpened.Add(1)
	slog.Info("hmtp link established", "link", l.address, "mode", hs.Mode.String(),
		"admin", hs.Admin, "remote", l.remoteAddr)
	return nil
}

func (l *Link) readLoop() error {
	var lastDeadlineSet int64
	for {
		if l.cfg.idleTimeout > 0 {
			now := coarseNow.Load()
			if now-lastDeadlineSet >= l.cfg.idleTimeout.Milliseconds()/3 {
				l.conn.SetReadDeadline(time.Now().Add(l.cfg.idleTimeout))
				lastDeadlineSet = now
			}
		}

		// Park until at least one byte is readable.
		if _, err := l.reader.Peek(1); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if err := l.drain(); err != nil {
			return err
		}
	}
}

// drain dispatches every frame that can be decoded without waiting for
// more input beyond the frame in progress.
func (l *Link) drain() error {
	for {
		p, err := ReadPacket(l.reader)
		var bodyErr *BodyError
		switch {
		case errors.As(err, &bodyErr):
		case err == io.EOF:
			return nil
		case err != nil:
			return err
		}
		l.cfg.metrics.PacketsIn.Add(1)

		// Fault replies go back to the address the packet is routed as.
		if p.from == "" {
			p.from = l.actor.sender("")
		}

		if bodyErr != nil {
			// The frame was intact, so only this packet is refused.
			l.cfg.metrics.DispatchFaults.Add(1)
			slog.Debug("hmtp link unreadable value", "link", l.address, "kind", p.kind.String(),
				"to", p.to, "from", p.from, "id", p.id, "error", bodyErr)
			Reject(p, l.toPeer, NewErrorInfo(ErrorTypeModify, ConditionBadRequest, bodyErr.Error()))
		} else if err := Dispatch(p, l.actor, l.toPeer); err != nil {
			l.cfg.metrics.DispatchFaults.Add(1)
			slog.Debug("hmtp link dispatch fault", "link", l.address, "kind", p.kind.String(),
				"to", p.to, "from", p.from, "id", p.id, "error", err)
		}

		if l.reader.Buffered() == 0 {
			return nil
		}
	}
}

// sweep answers expired peer queries with remote-server-timeout. It writes
// to the mailbox directly so the ledger filter does not drop the answer.
func (l *Link) sweep(ledger *QueryLedger, out *Mailbox, stop chan struct{}) {
	ticker := time.NewTicker(l.cfg.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, q := range ledger.RemoveExpired(l.cfg.queryTimeout) {
				l.cfg.metrics.QueryTimeouts.Add(1)
				if err := out.send(NewQueryError(q.ID, q.From, q.To, nil, timeoutError(q, l.cfg.queryTimeout))); err != nil {
					slog.Debug("query timeout reply failed", "link", l.address, "id", q.ID, "error", err)
				}
			}
		}
	}
}

// Close tears the link down. Safe to call more than once and from any
// goroutine.
func (l *Link) Close() {
	l.mu.Lock()
	prev := LinkState(l.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		l.mu.Unlock()
		return
	}
	actor, toCluster, toPeer := l.actor, l.toCluster, l.toPeer
	mailbox, writer, ledger, sweepStop := l.mailbox, l.writer, l.ledger, l.sweepStop
	payload, hasPayload := l.closePayload, l.hasClosePayload
	l.closePayload, l.hasClosePayload = nil, false
	l.mu.Unlock()

	l.cancel()

	if actor != nil {
		actor.detach()
	}
	if toCluster != nil && !toCluster.IsClosed() {
		toCluster.Close()
	}
	if toPeer != nil && !toPeer.IsClosed() {
		toPeer.Close()
	}

	if hasPayload && l.cfg.closeNotifier != nil {
		l.cfg.closeNotifier.LinkClosed(l.address, payload)
		l.cfg.metrics.LinkCloseNotices.Add(1)
	}

	if sweepStop != nil {
		close(sweepStop)
	}
	if ledger != nil {
		if n := ledger.Clear(); n > 0 {
			slog.Debug("hmtp link closed with open queries", "link", l.address, "open", n)
		}
	}
	if mailbox != nil {
		mailbox.Close()
	}
	if writer != nil {
		writer.Close()
	} else {
		l.conn.Close()
	}

	if prev == StateEstablished {
		l.cfg.metrics.LinksClosed.Add(1)
		slog.Info("hmtp link closed", "link", l.address)
	}
}

// peerWriter is the end of a link's outbound path: it encodes packets and
// writes them to the connection. Only the link's mailbox worker calls it.
type peerWriter struct {
	address string
	conn    net.Conn
	timeout time.Duration
	metrics *Metrics

	mu     sync.Mutex
	closed atomic.Bool
}

func newPeerWriter(address string, conn net.Conn, timeout time.Duration, metrics *Metrics) *peerWriter {
	return &peerWriter{
		address: address,
		conn:    conn,
		timeout: timeout,
		metrics: metrics,
	}
}

func (w *peerWriter) write(p Packet) error {
	if w.closed.Load() {
		return ErrLinkClosed
	}

	frame, err := EncodePacket(p)
	if err != nil {
		return NewErrorInfo(ErrorTypeModify, ConditionBadRequest, err.Error())
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timeout > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	if _, err := w.conn.Write(frame); err != nil {
		// A failed or timed out write leaves the stream unusable; closing
		// the connection also ends the link's read loop.
		w.closed.Store(true)
		w.conn.Close()
		return fmt.Errorf("write to %s: %w", w.address, err)
	}
	w.metrics.PacketsOut.Add(1)
	return nil
}

func (w *peerWriter) Address() string { return w.address }

func (w *peerWriter) Broker() Broker { return nil }

func (w *peerWriter) Message(to, from string, value any) error {
	return w.write(NewMessage(to, from, value))
}

func (w *peerWriter) MessageError(to, from string, value any, err *ErrorInfo) error {
	return w.write(NewMessageError(to, from, value, err))
}

func (w *peerWriter) Query(id uint64, to, from string, value any) error {
	return w.write(NewQuery(id, to, from, value))
}

func (w *peerWriter) QueryResult(id uint64, to, from string, value any) error {
	return w.write(NewQueryResult(id, to, from, value))
}

func (w *peerWriter) QueryError(id uint64, to, from string, value any, err *ErrorInfo) error {
	return w.write(NewQueryError(id, to, from, value, err))
}

func (w *peerWriter) IsClosed() bool { return w.closed.Load() }

func (w *peerWriter) Close() {
	if w.closed.CompareAndSwap(false, true) {
		w.conn.Close()
	}
}
