package bam

import (
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
)

// Payloads understood by the link itself. A peer sends them with an empty
// to (or the link's address).
type (
	// AuthQuery logs the session in. Answered with AuthResult.
	AuthQuery struct {
		UID         string
		Credentials string
		Resource    string
	}

	AuthResult struct {
		Address string
	}

	// NamespaceQuery asks whether a namespace is loaded on this server.
	NamespaceQuery struct {
		Namespace string
	}

	NamespaceResult struct {
		Namespace string
		Loaded    bool
	}

	// RegisterLinkClose is a message asking for Payload to be delivered to
	// the server's link-close notifier when the link closes. A later
	// registration replaces an earlier one.
	RegisterLinkClose struct {
		Payload any
	}
)

func init() {
	RegisterValueType(AuthQuery{})
	RegisterValueType(AuthResult{})
	RegisterValueType(NamespaceQuery{})
	RegisterValueType(NamespaceResult{})
	RegisterValueType(RegisterLinkClose{})
}

var ErrLinkClosed = errors.New("link closed")

// LinkCloseNotifier receives the payload a peer registered with
// RegisterLinkClose once its link has closed.
type LinkCloseNotifier interface {
	LinkClosed(link string, payload any)
}

// BrokerCloseNotifier forwards link-close payloads as messages to To.
type BrokerCloseNotifier struct {
	Broker Broker
	To     string
}

func (n *BrokerCloseNotifier) LinkClosed(link string, payload any) {
	if err := n.Broker.Message(n.To, link, payload); err != nil {
		slog.Warn("link close notification failed", "link", link, "to", n.To, "error", err)
	}
}

// LinkActor handles every packet read from a link's peer. Login,
// namespace and link-close requests are served here; everything else
// continues to the link's cluster broker.
type LinkActor struct {
	*StreamFilter
	link     *Link
	detached atomic.Bool
}

func newLinkActor(link *Link, toCluster *ClusterBroker) *LinkActor {
	return &LinkActor{
		StreamFilter: NewStreamFilter(toCluster),
		link:         link,
	}
}

func (a *LinkActor) Address() string { return a.link.address }

// detach stops the actor from forwarding anything further.
func (a *LinkActor) detach() { a.detached.Store(true) }

func (a *LinkActor) IsClosed() bool { return a.detached.Load() }

func (a *LinkActor) isSelf(to string) bool {
	return to == "" || to == a.link.address
}

// sender fills in the link's own address for packets the peer sent
// without one.
func (a *LinkActor) sender(from string) string {
	if from != "" {
		return from
	}
	if addr := a.link.LoginAddress(); addr != "" {
		return addr
	}
	return a.link.address
}

func (a *LinkActor) Message(to, from string, value any) error {
	if a.detached.Load() {
		return ErrLinkClosed
	}
	from = a.sender(from)

	if a.isSelf(to) {
		switch v := value.(type) {
		case RegisterLinkClose:
			a.link.setClosePayload(v.Payload)
			return nil
		case *RegisterLinkClose:
			a.link.setClosePayload(v.Payload)
			return nil
		}
	}
	return a.Next.Message(to, from, value)
}

func (a *LinkActor) MessageError(to, from string, value any, err *ErrorInfo) error {
	if a.detached.Load() {
		return ErrLinkClosed
	}
	return a.Next.MessageError(to, a.sender(from), value, err)
}

func (a *LinkActor) Query(id uint64, to, from string, value any) error {
	if a.detached.Load() {
		return ErrLinkClosed
	}
	from = a.sender(from)
	a.link.trackQuery(id, to, from)

	if a.isSelf(to) {
		switch v := value.(type) {
		case AuthQuery:
			return a.login(id, from, v)
		case *AuthQuery:
			return a.login(id, from, *v)
		case NamespaceQuery:
			return a.namespace(id, from, v)
		case *NamespaceQuery:
			return a.namespace(id, from, *v)
		}
	}
	return a.Next.Query(id, to, from, value)
}

func (a *LinkActor) QueryResult(id uint64, to, from string, value any) error {
	if a.detached.Load() {
		return ErrLinkClosed
	}
	return a.Next.QueryResult(id, to, a.sender(from), value)
}

func (a *LinkActor) QueryError(id uint64, to, from string, value any, err *ErrorInfo) error {
	if a.detached.Load() {
		return ErrLinkClosed
	}
	return a.Next.QueryError(id, to, a.sender(from), value, err)
}

func (a *LinkActor) login(id uint64, from string, q AuthQuery) error {
	l := a.link
	if l.cfg.auth == nil {
		return NewErrorInfo(ErrorTypeCancel, ConditionFeatureNotImplemented, "login is not enabled")
	}

	address, err := l.cfg.auth.Authenticate(l.ctx, AuthRequest{
		UID:         q.UID,
		Credentials: q.Credentials,
		Resource:    q.Resource,
		Admin:       l.admin,
		RemoteAddr:  l.remoteAddr,
		Link:        l.address,
	})
	if err != nil {
		l.cfg.metrics.LoginFailures.Add(1)
		slog.Info("link login rejected", "link", l.address, "uid", q.UID, "error", err)
		var info *ErrorInfo
		if errors.As(err, &info) {
			return info
		}
		return NewErrorInfo(ErrorTypeAuth, ConditionNotAuthorized, err.Error())
	}

	if err := l.toCluster.Bind(address); err != nil {
		if errors.Is(err, ErrAddressInUse) {
			return NewErrorInfo(ErrorTypeCancel, ConditionConflict, "address "+address+" is already bound")
		}
		return err
	}
	l.setLoginAddress(address)
	l.cfg.metrics.Logins.Add(1)
	slog.Info("link login", "link", l.address, "address", address, "admin", l.admin)

	if err := l.toPeer.QueryResult(id, from, l.address, AuthResult{Address: address}); err != nil {
		slog.Warn("login reply failed", "link", l.address, "error", err)
	}

	a.onLogin(address)
	return nil
}

// onLogin wakes the connection pool of the cluster server an admin
// session speaks for, so traffic queued for it moves without waiting on
// the next poll.
func (a *LinkActor) onLogin(address string) {
	serverID, ok := strings.CutSuffix(address, AdminSuffix)
	if !ok || serverID == "" {
		return
	}
	cl := a.link.cfg.cluster
	if cl == nil {
		return
	}
	member, ok := cl.Member(serverID)
	if !ok {
		slog.Debug("admin login for unknown cluster server", "server", serverID)
		return
	}
	member.Pool().Wake()
	a.link.cfg.metrics.ClusterWakes.Add(1)
	slog.Info("cluster server woken", "server", serverID, "link", a.link.address)
}

func (a *LinkActor) namespace(id uint64, from string, q NamespaceQuery) error {
	l := a.link
	loaded := l.cfg.namespaces != nil && l.cfg.namespaces.IsLoaded(q.Namespace)
	return l.toPeer.QueryResult(id, from, l.address, NamespaceResult{Namespace: q.Namespace, Loaded: loaded})
}
