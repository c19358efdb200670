package kthreadregistry

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsan_threads/internal/logger"
	"lsan_threads/internal/threadregistry"
)

func newTestCollector(t *testing.T) (*RegistryCollector, *threadregistry.Registry) {
	t.Helper()
	c, err := NewRegistryCollector("", logger.Discard())
	require.NoError(t, err)
	reg := threadregistry.New(threadregistry.Config{QuarantineSize: 4}, c, logger.Discard())
	c.SetSource(reg)
	return c, reg
}

func TestCollectorCountsTransitions(t *testing.T) {
	c, reg := newTestCollector(t)

	main := reg.CreateThread(0, true, threadregistry.InvalidTID, nil)
	reg.StartThread(main, 1, threadregistry.TypeMain, nil)

	joinable := reg.CreateThread(0, false, main, nil)
	reg.StartThread(joinable, 2, threadregistry.TypeRegular, nil)
	reg.FinishThread(joinable)
	reg.JoinThread(joinable)

	detached := reg.CreateThread(0, true, main, nil)
	reg.StartThread(detached, 3, threadregistry.TypeRegular, nil)
	reg.FinishThread(detached)

	pending := reg.CreateThread(0, false, main, nil)
	_ = pending

	expected := `
# HELP lsan_thread_transitions_total Total number of thread lifecycle transitions.
# TYPE lsan_thread_transitions_total counter
lsan_thread_transitions_total{transition="created"} 4
lsan_thread_transitions_total{transition="dead"} 2
lsan_thread_transitions_total{transition="finished"} 2
lsan_thread_transitions_total{transition="joined"} 1
lsan_thread_transitions_total{transition="started"} 3
# HELP lsan_threads Number of thread records by lifecycle status.
# TYPE lsan_threads gauge
lsan_threads{status="created"} 1
lsan_threads{status="dead"} 2
lsan_threads{status="finished"} 0
lsan_threads{status="running"} 1
# HELP lsan_thread_quarantine_size Dead thread records waiting to be recycled.
# TYPE lsan_thread_quarantine_size gauge
lsan_thread_quarantine_size 2
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"lsan_thread_transitions_total", "lsan_threads", "lsan_thread_quarantine_size")
	assert.NoError(t, err)
}

func TestCollectorLifetimeHistogram(t *testing.T) {
	c, reg := newTestCollector(t)

	id := reg.CreateThread(0, true, threadregistry.InvalidTID, nil)
	reg.StartThread(id, 1, threadregistry.TypeRegular, nil)
	time.Sleep(2 * time.Millisecond)
	reg.FinishThread(id)

	assert.Equal(t, int64(1), c.lifetimeCount.Load())
	assert.GreaterOrEqual(t, c.lifetimeSumNs.Load(), uint64(2*time.Millisecond))
	_, ok := c.startedAt.Load(id)
	assert.False(t, ok, "start time must be dropped on finish")

	// Exactly one bucket holds the observation, and it is not the first.
	var total int64
	for i := range c.lifetimeBuckets {
		total += c.lifetimeBuckets[i].Load()
	}
	assert.Equal(t, int64(1), total)
	assert.Zero(t, c.lifetimeBuckets[0].Load())
}

func TestCollectorScanMetrics(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordScan(5, 2, 3*time.Millisecond)
	c.RecordScan(4, -1, time.Millisecond)

	expected := `
# HELP lsan_scan_running_threads Running threads reported by the last scan.
# TYPE lsan_scan_running_threads gauge
lsan_scan_running_threads 4
# HELP lsan_scan_unregistered_os_threads OS threads of the process not known to the registry at the last verified scan.
# TYPE lsan_scan_unregistered_os_threads gauge
lsan_scan_unregistered_os_threads 2
# HELP lsan_scans_total Total number of completed scan brackets.
# TYPE lsan_scans_total counter
lsan_scans_total 2
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"lsan_scan_running_threads", "lsan_scan_unregistered_os_threads", "lsan_scans_total")
	assert.NoError(t, err)
}

func TestCollectorWithoutSource(t *testing.T) {
	c, err := NewRegistryCollector("sync", logger.Discard())
	require.NoError(t, err)

	// Transitions, lifetime histogram, oldest running gauge and four scan series.
	assert.Equal(t, transitionCount+1+1+4, testutil.CollectAndCount(c))
}

func TestCollectorLints(t *testing.T) {
	c, _ := newTestCollector(t)
	problems, err := testutil.CollectAndLint(c)
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestUnknownMapImplementation(t *testing.T) {
	_, err := NewRegistryCollector("btree", logger.Discard())
	assert.Error(t, err)
}

func TestCollectorOldestRunning(t *testing.T) {
	c, reg := newTestCollector(t)
	now := time.Now()
	assert.Zero(t, c.oldestRunning(now), "no running threads")

	first := reg.CreateThread(0, true, threadregistry.InvalidTID, nil)
	reg.StartThread(first, 1, threadregistry.TypeRegular, nil)
	second := reg.CreateThread(0, true, threadregistry.InvalidTID, nil)
	reg.StartThread(second, 2, threadregistry.TypeRegular, nil)

	// Pin the start times so the result does not depend on the clock.
	c.startedAt.Store(first, now.Add(-3*time.Second).UnixNano())
	c.startedAt.Store(second, now.Add(-time.Second).UnixNano())
	assert.Equal(t, 3*time.Second, c.oldestRunning(now))

	reg.FinishThread(first)
	assert.Equal(t, time.Second, c.oldestRunning(now))
}
