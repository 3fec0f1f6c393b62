package bam

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrFenced is returned by lease renewal when another process has
// re-registered the same server id.
var ErrFenced = errors.New("cluster lease fenced by a newer registration")

// ClusterConfig configures a Cluster node.
type ClusterConfig struct {
	ServerID string
	Address  string
	Dialect  Dialect

	// LeaseDuration is how long a registration stays live without renewal.
	// Default 20s.
	LeaseDuration time.Duration
	// PollInterval controls how often the member table is polled. Default 3s.
	PollInterval time.Duration
}

func (c *ClusterConfig) applyDefaults() {
	if c.LeaseDuration == 0 {
		c.LeaseDuration = 20 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 3 * time.Second
	}
}

// MemberInfo describes a live server as seen by the polling query.
type MemberInfo struct {
	ServerID    string    `json:"server_id"`
	Address     string    `json:"address"`
	Epoch       int64     `json:"epoch"`
	LeaseExpiry time.Time `json:"lease_expiry"`
}

// ClusterMember is a live server together with its connection pool. The
// pool outlives membership snapshots: a server that drops out and comes
// back keeps the same pool.
type ClusterMember struct {
	info MemberInfo
	pool *ServerPool
}

func (m *ClusterMember) Info() MemberInfo { return m.info }

func (m *ClusterMember) ServerID() string { return m.info.ServerID }

func (m *ClusterMember) Address() string { return m.info.Address }

func (m *ClusterMember) Pool() *ServerPool { return m.pool }

// SQLDB abstracts database operations for testability. *sql.DB satisfies
// this interface natively.
type SQLDB interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// membersSnapshot is an immutable view of live members, swapped atomically.
type membersSnapshot struct {
	list []*ClusterMember
	byID map[string]*ClusterMember
}

// Cluster tracks the servers of a bus cluster through a shared SQL table.
// Each server registers itself with an epoch bump, renews a lease, and
// polls the table for live members.
type Cluster struct {
	db     SQLDB
	config ClusterConfig

	epoch atomic.Int64
	snap  atomic.Pointer[membersSnapshot]

	poolsMu sync.Mutex
	pools   map[string]*ServerPool

	poke chan struct{}

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewCluster creates a Cluster but does not start it.
func NewCluster(db SQLDB, config ClusterConfig) *Cluster {
	config.applyDefaults()
	return &Cluster{
		db:     db,
		config: config,
		pools:  make(map[string]*ServerPool),
		poke:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// NewStaticCluster creates a Cluster with a fixed member list and no
// database. No Start call is needed.
func NewStaticCluster(serverID string, members []MemberInfo) *Cluster {
	c := NewCluster(nil, ClusterConfig{ServerID: serverID})
	c.SetMembers(members)
	return c
}

// SetMembers replaces the live member list.
func (c *Cluster) SetMembers(members []MemberInfo) {
	sorted := make([]MemberInfo, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ServerID < sorted[j].ServerID })

	snap := &membersSnapshot{
		list: make([]*ClusterMember, 0, len(sorted)),
		byID: make(map[string]*ClusterMember, len(sorted)),
	}
	c.poolsMu.Lock()
	for _, info := range sorted {
		pool, ok := c.pools[info.ServerID]
		if !ok {
			pool = newServerPool(info.ServerID, c.wake)
			c.pools[info.ServerID] = pool
		}
		m := &ClusterMember{info: info, pool: pool}
		snap.list = append(snap.list, m)
		snap.byID[info.ServerID] = m
	}
	c.poolsMu.Unlock()

	c.snap.Store(snap)
}

// Members returns the live members ordered by server id. The returned
// slice is shared and must not be modified.
func (c *Cluster) Members() []*ClusterMember {
	if snap := c.snap.Load(); snap != nil {
		return snap.list
	}
	return nil
}

// Member returns the live member with the given server id.
func (c *Cluster) Member(serverID string) (*ClusterMember, bool) {
	if snap := c.snap.Load(); snap != nil {
		m, ok := snap.byID[serverID]
		return m, ok
	}
	return nil, false
}

func (c *Cluster) LocalServerID() string { return c.config.ServerID }

// Epoch returns the epoch assigned at registration; zero before Start.
func (c *Cluster) Epoch() int64 { return c.epoch.Load() }

// wake asks the poller to refresh membership now.
func (c *Cluster) wake(string) {
	select {
	case c.poke <- struct{}{}:
	default:
	}
}

// Start registers this server (bumping its epoch), performs an initial
// poll, and launches the renewal and polling goroutines.
func (c *Cluster) Start(ctx context.Context) error {
	if c.db == nil {
		return errors.New("cluster has no database")
	}
	if err := c.register(ctx); err != nil {
		return fmt.Errorf("cluster register: %w", err)
	}
	if err := c.pollMembers(ctx); err != nil {
		return fmt.Errorf("cluster initial poll: %w", err)
	}

	c.wg.Add(2)
	go c.renewLoop()
	go c.pollLoop()

	slog.Info("cluster started", "server", c.config.ServerID, "epoch", c.Epoch(),
		"dialect", c.config.Dialect.String(), "members", len(c.Members()))
	return nil
}

// Stop signals background goroutines, waits for them, and withdraws this
// server's registration. Safe to call multiple times.
func (c *Cluster) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.wg.Wait()

		if c.db != nil && c.Epoch() != 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if _, err := c.db.ExecContext(ctx, c.config.Dialect.rebind(
				`DELETE FROM bam_cluster_members WHERE server_id = ? AND epoch = ?`),
				c.config.ServerID, c.Epoch()); err != nil {
				slog.Warn("cluster deregister failed", "server", c.config.ServerID, "error", err)
			}
		}
		slog.Info("cluster stopped", "server", c.config.ServerID)
	})
}

// --- registration ---

func (c *Cluster) leaseExpiry() int64 {
	return time.Now().Add(c.config.LeaseDuration).UnixMilli()
}

func (c *Cluster) register(ctx context.Context) error {
	d := c.config.Dialect
	if _, err := c.db.ExecContext(ctx, d.upsertMember(),
		c.config.ServerID, c.config.Address, c.leaseExpiry()); err != nil {
		return err
	}

	var epoch int64
	if err := c.db.QueryRowContext(ctx, d.rebind(
		`SELECT epoch FROM bam_cluster_members WHERE server_id = ?`),
		c.config.ServerID).Scan(&epoch); err != nil {
		return err
	}
	c.epoch.Store(epoch)
	return nil
}

// --- lease renewal ---

func (c *Cluster) renewLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.LeaseDuration / 3)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.renewLease(context.Background()); err != nil {
				slog.Error("cluster lease renewal failed", "server", c.config.ServerID, "error", err)
			}
		}
	}
}

func (c *Cluster) renewLease(ctx context.Context) error {
	res, err := c.db.ExecContext(ctx, c.config.Dialect.rebind(
		`UPDATE bam_cluster_members SET lease_expiry = ? WHERE server_id = ? AND epoch = ?`),
		c.leaseExpiry(), c.config.ServerID, c.Epoch())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("server %s epoch %d: %w", c.config.ServerID, c.Epoch(), ErrFenced)
	}
	return nil
}

// --- member polling ---

func (c *Cluster) pollLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		case <-c.poke:
		}
		if err := c.pollMembers(context.Background()); err != nil {
			slog.Error("cluster poll failed", "server", c.config.ServerID, "error", err)
		}
	}
}

func (c *Cluster) pollMembers(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx, c.config.Dialect.rebind(`
		SELECT server_id, address, epoch, lease_expiry
		FROM bam_cluster_members
		WHERE lease_expiry > ?
		ORDER BY server_id`), time.Now().UnixMilli())
	if err != nil {
		return err
	}
	defer rows.Close()

	var members []MemberInfo
	for rows.Next() {
		var m MemberInfo
		var expiry int64
		if err := rows.Scan(&m.ServerID, &m.Address, &m.Epoch, &expiry); err != nil {
			return err
		}
		m.LeaseExpiry = time.UnixMilli(expiry)
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if old := c.Members(); len(old) != len(members) {
		slog.Info("cluster membership changed", "server", c.config.ServerID,
			"before", len(old), "after", len(members))
	}
	c.SetMembers(members)
	return nil
}
