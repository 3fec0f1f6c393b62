package bam

import (
	"sync/atomic"
	"time"
)

// ServerPool is the connection state kept for one cluster server. Waking
// it tells whoever is waiting on the server (the membership poller, or
// callers blocked in Woken) that the server is reachable now.
type ServerPool struct {
	serverID string
	onWake   func(serverID string)

	wakes    atomic.Int64
	lastWake atomic.Int64 // Unix millis
	woken    chan struct{}
}

func newServerPool(serverID string, onWake func(string)) *ServerPool {
	return &ServerPool{
		serverID: serverID,
		onWake:   onWake,
		woken:    make(chan struct{}, 1),
	}
}

func (p *ServerPool) ServerID() string { return p.serverID }

// Wake signals the pool. Never blocks; wakes that arrive while a previous
// one is still pending coalesce.
func (p *ServerPool) Wake() {
	p.wakes.Add(1)
	p.lastWake.Store(time.Now().UnixMilli())
	select {
	case p.woken <- struct{}{}:
	default:
	}
	if p.onWake != nil {
		p.onWake(p.serverID)
	}
}

// Woken receives once per (coalesced) Wake.
func (p *ServerPool) Woken() <-chan struct{} { return p.woken }

// Wakes returns how many times the pool has been woken.
func (p *ServerPool) Wakes() int64 { return p.wakes.Load() }

// LastWake returns when the pool was last woken, or the zero time.
func (p *ServerPool) LastWake() time.Time {
	ms := p.lastWake.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
