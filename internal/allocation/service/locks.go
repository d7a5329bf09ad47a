package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/sunpool/sunpool/internal/observability/metrics"
)

// runLocks serializes allocation runs per (plant, month) within the process.
type runLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *runLocks) lock(plantID snowflake.ID, month string) func() {
	key := fmt.Sprintf("%s:%s", plantID, month)

	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m := l.locks[key]
	if m == nil {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	start := time.Now()
	m.Lock()
	obsmetrics.Scheduler().ObserveLockWait(obsmetrics.LockResourceAllocationRun, time.Since(start))
	return m.Unlock
}
