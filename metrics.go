package bam

import (
	"expvar"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsSeq generates unique IDs for expvar namespacing across servers.
var metricsSeq atomic.Int64

// Metrics tracks operational counters for a bus process. All counters are
// lock-free (atomic int64), published to expvar under the "bam." prefix
// for /debug/vars, and exported to Prometheus by Register.
type Metrics struct {
	PacketsIn  atomic.Int64
	PacketsOut atomic.Int64

	DispatchFaults atomic.Int64
	RoutingMisses  atomic.Int64
	MailboxRejects atomic.Int64

	LinksOpened       atomic.Int64
	LinksClosed       atomic.Int64
	HandshakeFailures atomic.Int64

	Logins        atomic.Int64
	LoginFailures atomic.Int64
	ClusterWakes  atomic.Int64

	QueriesTracked atomic.Int64
	QueryTimeouts  atomic.Int64
	RepliesDropped atomic.Int64

	LinkCloseNotices atomic.Int64
}

type metricCounter struct {
	name string
	help string
	v    *atomic.Int64
}

func (m *Metrics) counters() []metricCounter {
	return []metricCounter{
		{"packets_in", "Packets read from HMTP links.", &m.PacketsIn},
		{"packets_out", "Packets written to HMTP links.", &m.PacketsOut},
		{"dispatch_faults", "Handler faults observed by dispatch.", &m.DispatchFaults},
		{"routing_misses", "Lookups that resolved to the fallback endpoint.", &m.RoutingMisses},
		{"mailbox_rejects", "Packets refused because a link mailbox was full.", &m.MailboxRejects},
		{"links_opened", "Links that completed the handshake.", &m.LinksOpened},
		{"links_closed", "Established links that were closed.", &m.LinksClosed},
		{"handshake_failures", "Connections rejected during the handshake.", &m.HandshakeFailures},
		{"logins", "Successful link logins.", &m.Logins},
		{"login_failures", "Rejected link logins.", &m.LoginFailures},
		{"cluster_wakes", "Cluster member pools woken by admin logins.", &m.ClusterWakes},
		{"queries_tracked", "Peer queries recorded in a query ledger.", &m.QueriesTracked},
		{"query_timeouts", "Peer queries answered with remote-server-timeout.", &m.QueryTimeouts},
		{"replies_dropped", "Replies dropped because their query had already been answered.", &m.RepliesDropped},
		{"link_close_notices", "Link-close payloads delivered.", &m.LinkCloseNotices},
	}
}

// NewMetrics creates a Metrics instance and publishes all counters to
// expvar. Each call gets a unique expvar prefix via a monotonic sequence.
func NewMetrics() *Metrics {
	m := &Metrics{}

	seq := metricsSeq.Add(1)
	prefix := "bam." + strconv.FormatInt(seq, 10) + "."

	for _, c := range m.counters() {
		expvar.Publish(prefix+c.name, atomicVar(c.v))
	}
	expvar.Publish(prefix+"links_active", expvar.Func(func() any {
		return m.LinksActive()
	}))

	return m
}

// atomicVar wraps an *atomic.Int64 as an expvar.Var.
func atomicVar(v *atomic.Int64) expvar.Var {
	return expvar.Func(func() any {
		return v.Load()
	})
}

// LinksActive is the number of established links not yet closed.
func (m *Metrics) LinksActive() int64 {
	return m.LinksOpened.Load() - m.LinksClosed.Load()
}

// Register exports the counters to reg as bam_<name>_total plus a
// bam_links_active gauge.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.counters() {
		v := c.v
		col := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "bam",
			Name:      c.name + "_total",
			Help:      c.help,
		}, func() float64 { return float64(v.Load()) })
		if err := reg.Register(col); err != nil {
			return err
		}
	}

	return reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "bam",
		Name:      "links_active",
		Help:      "Established HMTP links.",
	}, func() float64 { return float64(m.LinksActive()) }))
}

// Snapshot returns all metric values as a map, suitable for JSON serialization.
func (m *Metrics) Snapshot() map[string]int64 {
	cs := m.counters()
	snap := make(map[string]int64, len(cs)+1)
	for _, c := range cs {
		snap[c.name] = c.v.Load()
	}
	snap["links_active"] = m.LinksActive()
	return snap
}
