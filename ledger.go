package bam

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// PendingQuery is a peer query that has not been answered yet.
type PendingQuery struct {
	ID   uint64
	To   string
	From string

	sentAt int64 // Unix millis from coarse clock
	open   int   // outstanding copies when a peer reuses an in-flight id
}

type queryKey struct {
	from string
	id   uint64
}

const ledgerShards = 64

type ledgerShard struct {
	mu sync.Mutex
	m  map[queryKey]*PendingQuery
}

// QueryLedger records the queries a link's peer has sent into the bus so
// each one is answered exactly once: by the real reply, or by a timeout
// error if none arrives in time. Replies arriving after the timeout are
// dropped.
type QueryLedger struct {
	shards [ledgerShards]ledgerShard
	count  atomic.Int64
}

func NewQueryLedger() *QueryLedger {
	l := &QueryLedger{}
	for i := range l.shards {
		l.shards[i].m = make(map[queryKey]*PendingQuery)
	}
	return l
}

func (l *QueryLedger) shard(id uint64) *ledgerShard {
	return &l.shards[id&(ledgerShards-1)]
}

// Track records a query sent by from.
func (l *QueryLedger) Track(id uint64, to, from string) {
	k := queryKey{from: from, id: id}
	s := l.shard(id)
	s.mu.Lock()
	if q, ok := s.m[k]; ok {
		q.open++
	} else {
		s.m[k] = &PendingQuery{ID: id, To: to, From: from, sentAt: coarseNow.Load(), open: 1}
	}
	s.mu.Unlock()
	l.count.Add(1)
}

// Complete settles one open query. to is the reply's destination, i.e. the
// original sender. Returns false if no such query is open, in which case
// the reply must be dropped.
func (l *QueryLedger) Complete(id uint64, to string) bool {
	k := queryKey{from: to, id: id}
	s := l.shard(id)
	s.mu.Lock()
	q, ok := s.m[k]
	if ok {
		q.open--
		if q.open == 0 {
			delete(s.m, k)
		}
	}
	s.mu.Unlock()
	if ok {
		l.count.Add(-1)
	}
	return ok
}

// Len returns the number of open queries.
func (l *QueryLedger) Len() int {
	return int(l.count.Load())
}

// RemoveExpired removes every query older than timeout and returns one
// entry per outstanding copy.
func (l *QueryLedger) RemoveExpired(timeout time.Duration) []PendingQuery {
	return l.expireBefore(coarseNow.Load() - timeout.Milliseconds())
}

func (l *QueryLedger) expireBefore(cutoff int64) []PendingQuery {
	var expired []PendingQuery
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for k, q := range s.m {
			if q.sentAt < cutoff {
				delete(s.m, k)
				for n := 0; n < q.open; n++ {
					expired = append(expired, *q)
				}
			}
		}
		s.mu.Unlock()
	}
	l.count.Add(-int64(len(expired)))
	return expired
}

// Clear forgets every open query. Used when the link closes: there is no
// peer left to answer.
func (l *QueryLedger) Clear() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for k, q := range s.m {
			n += q.open
			delete(s.m, k)
		}
		s.mu.Unlock()
	}
	l.count.Add(-int64(n))
	return n
}

// ledgerFilter sits in front of a link's outbound mailbox and settles
// ledger entries as replies pass through.
type ledgerFilter struct {
	*StreamFilter
	ledger  *QueryLedger
	metrics *Metrics
}

func newLedgerFilter(next MessageStream, ledger *QueryLedger, metrics *Metrics) *ledgerFilter {
	return &ledgerFilter{
		StreamFilter: NewStreamFilter(next),
		ledger:       ledger,
		metrics:      metrics,
	}
}

func (f *ledgerFilter) QueryResult(id uint64, to, from string, value any) error {
	if !f.ledger.Complete(id, to) {
		f.dropped(id, to)
		return nil
	}
	return f.reopen(id, to, from, f.Next.QueryResult(id, to, from, value))
}

func (f *ledgerFilter) QueryError(id uint64, to, from string, value any, err *ErrorInfo) error {
	if !f.ledger.Complete(id, to) {
		f.dropped(id, to)
		return nil
	}
	return f.reopen(id, to, from, f.Next.QueryError(id, to, from, value, err))
}

// reopen tracks the query again when its reply could not be queued, so
// the sweeper still answers it. Timing restarts from now.
func (f *ledgerFilter) reopen(id uint64, to, from string, err error) error {
	if err != nil && !errors.Is(err, ErrMailboxClosed) {
		f.ledger.Track(id, from, to)
	}
	return err
}

func (f *ledgerFilter) dropped(id uint64, to string) {
	f.metrics.RepliesDropped.Add(1)
	slog.Debug("late query reply dropped", "to", to, "id", id)
}

// timeoutError is the failure reported for a query nobody answered.
func timeoutError(q PendingQuery, timeout time.Duration) *ErrorInfo {
	return NewErrorInfo(ErrorTypeWait, ConditionRemoteServerTimeout,
		"no reply from "+q.To+" within "+timeout.String())
}
