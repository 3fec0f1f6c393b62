package bam

import (
	"sync/atomic"
	"time"
)

// coarseNow is a cached Unix millisecond timestamp updated every 50ms by a
// background goroutine. Used instead of time.Now() on per-packet paths
// such as query ledger bookkeeping.
var coarseNow atomic.Int64

func init() {
	coarseNow.Store(time.Now().UnixMilli())
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		for range ticker.C {
			coarseNow.Store(time.Now().UnixMilli())
		}
	}()
}
