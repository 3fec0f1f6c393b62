package bam

import (
	"sync"
	"time"
)

// Option configures a LinkServer and the links it accepts.
type Option func(*linkConfig)

type linkConfig struct {
	auth          Authenticator
	namespaces    NamespaceRegistry
	cluster       *Cluster
	closeNotifier LinkCloseNotifier
	metrics       *Metrics

	mailboxSize int

	// Query ledger. Disabled when queryTimeout is zero.
	queryTimeout  time.Duration
	sweepInterval time.Duration

	handshakeTimeout time.Duration
	idleTimeout      time.Duration // zero = links may sit idle forever
	writeTimeout     time.Duration
}

func defaultLinkConfig() linkConfig {
	return linkConfig{
		mailboxSize:      DefaultMailboxSize,
		handshakeTimeout: 10 * time.Second,
		writeTimeout:     10 * time.Second,
	}
}

// linkMetrics is shared by links created with NewLink and no WithMetrics
// option, so standalone links do not each publish a new expvar set.
var linkMetrics = sync.OnceValue(NewMetrics)

func newLinkConfig(opts []Option) linkConfig {
	cfg := defaultLinkConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.sweepInterval <= 0 && cfg.queryTimeout > 0 {
		cfg.sweepInterval = cfg.queryTimeout / 4
		if cfg.sweepInterval > time.Second {
			cfg.sweepInterval = time.Second
		}
		if cfg.sweepInterval < 10*time.Millisecond {
			cfg.sweepInterval = 10 * time.Millisecond
		}
	}
	return cfg
}

// WithAuthenticator sets the collaborator that checks link logins. Without
// one, login queries fail with feature-not-implemented.
func WithAuthenticator(a Authenticator) Option {
	return func(c *linkConfig) {
		c.auth = a
	}
}

func WithNamespaces(n NamespaceRegistry) Option {
	return func(c *linkConfig) {
		c.namespaces = n
	}
}

// WithCluster enables waking cluster members when an admin session for
// them logs in.
func WithCluster(cl *Cluster) Option {
	return func(c *linkConfig) {
		c.cluster = cl
	}
}

func WithLinkCloseNotifier(n LinkCloseNotifier) Option {
	return func(c *linkConfig) {
		c.closeNotifier = n
	}
}

// WithMetrics shares m between servers. By default each server gets its
// own.
func WithMetrics(m *Metrics) Option {
	return func(c *linkConfig) {
		c.metrics = m
	}
}

// WithMailboxSize sets the outbound queue capacity of each link.
// Default: 1024.
func WithMailboxSize(n int) Option {
	return func(c *linkConfig) {
		c.mailboxSize = n
	}
}

// WithQueryTimeout answers peer queries still open after d with a
// remote-server-timeout QueryError. Zero disables tracking.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *linkConfig) {
		c.queryTimeout = d
	}
}

// WithSweepInterval sets how often expired queries are swept. Defaults to
// a quarter of the query timeout, capped at one second.
func WithSweepInterval(d time.Duration) Option {
	return func(c *linkConfig) {
		c.sweepInterval = d
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *linkConfig) {
		c.handshakeTimeout = d
	}
}

func WithIdleTimeout(d time.Duration) Option {
	return func(c *linkConfig) {
		c.idleTimeout = d
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *linkConfig) {
		c.writeTimeout = d
	}
}
