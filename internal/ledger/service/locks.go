package service

import (
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/sunpool/sunpool/internal/observability/metrics"
)

const lockStripes = 256

// subscriberLocks serializes ledger mutations per subscriber within the
// process. Stripes keep the table bounded; two subscribers sharing a stripe
// only cost a little extra contention, never a correctness issue.
type subscriberLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *subscriberLocks) lock(id snowflake.ID) func() {
	m := &l.stripes[uint64(id)%lockStripes]
	start := time.Now()
	m.Lock()
	obsmetrics.Scheduler().ObserveLockWait(obsmetrics.LockResourceSubscriberLedger, time.Since(start))
	return m.Unlock
}
