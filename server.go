package bam

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nuid"
	"gopkg.in/tomb.v2"
)

// LinkServer accepts HMTP connections and serves each one as a Link
// attached to the shared router.
type LinkServer struct {
	listener net.Listener
	router   Broker
	cfg      linkConfig

	links sync.Map // map[string]*Link

	t        tomb.Tomb
	started  atomic.Bool
	stopOnce sync.Once
}

// NewLinkServer creates a server listening on listenAddr.
func NewLinkServer(listenAddr string, router Broker, opts ...Option) (*LinkServer, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("hmtp listen: %w", err)
	}
	cfg := newLinkConfig(opts)
	if cfg.metrics == nil {
		cfg.metrics = NewMetrics()
	}
	return &LinkServer{
		listener: ln,
		router:   router,
		cfg:      cfg,
	}, nil
}

// Addr returns the listener's network address (useful when binding to ":0").
func (s *LinkServer) Addr() string {
	return s.listener.Addr().String()
}

func (s *LinkServer) Metrics() *Metrics { return s.cfg.metrics }

// Start begins accepting connections. Non-blocking.
func (s *LinkServer) Start() {
	s.started.Store(true)
	s.t.Go(s.acceptLoop)
}

// Stop closes the listener and every link, then waits for their
// goroutines to exit. Safe to call multiple times.
func (s *LinkServer) Stop() {
	s.stopOnce.Do(func() {
		s.t.Kill(nil)
		s.listener.Close()
		s.links.Range(func(_, v any) bool {
			v.(*Link).Close()
			return true
		})
		// A tomb that never ran a goroutine never dies.
		if s.started.Load() {
			s.t.Wait()
		}
	})
}

func (s *LinkServer) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.t.Dying():
				return nil
			default:
				slog.Error("hmtp accept error", "error", err)
				continue
			}
		}

		id := nuid.Next()
		link := newLink(id, conn, s.router, &s.cfg)
		s.links.Store(id, link)

		select {
		case <-s.t.Dying():
			s.links.Delete(id)
			link.Close()
			return nil
		default:
		}

		s.t.Go(func() error {
			defer s.links.Delete(id)
			if err := link.Serve(); err != nil {
				slog.Debug("hmtp link ended with error", "conn", id, "error", err)
			}
			return nil
		})
	}
}

// Links returns the live links ordered by connection id.
func (s *LinkServer) Links() []*Link {
	var out []*Link
	s.links.Range(func(_, v any) bool {
		out = append(out, v.(*Link))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Link returns the live link with connection id id.
func (s *LinkServer) Link(id string) (*Link, bool) {
	v, ok := s.links.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Link), true
}
