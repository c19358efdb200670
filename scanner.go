package main

import (
	"context"
	"slices"
	"time"

	"github.com/phuslu/log"

	"lsan_threads/internal/collectors/kthreadregistry"
	"lsan_threads/internal/logger"
	"lsan_threads/internal/lsan"
	"lsan_threads/internal/osthread"
)

// ScanResult is what one scan bracket observed.
type ScanResult struct {
	Running      []uint64
	ThreadRanges int
	GlobalRanges int
	Held         time.Duration

	// Filled only when the scan verifies against the OS thread list.
	Verified     bool
	Unregistered int             // OS threads of the process with no running record
	Stale        []uint64        // running records whose OS thread is gone
	StaleTIDs    []lsan.ThreadID // logical ids of the Stale records, same order
}

// Scanner performs the scan bracket a leak checker would: lock the registry,
// read the running threads and their extra ranges, unlock.
type Scanner struct {
	rt        *lsan.Runtime
	collector *kthreadregistry.RegistryCollector
	verify    bool

	// osThreads lists the process's OS threads; replaced in tests.
	osThreads func() ([]uint64, error)

	running []uint64
	ranges  []lsan.Range
	log     log.Logger
}

// NewScanner creates a scanner. collector may be nil.
func NewScanner(rt *lsan.Runtime, collector *kthreadregistry.RegistryCollector, verify bool) *Scanner {
	return &Scanner{
		rt:        rt,
		collector: collector,
		verify:    verify,
		osThreads: osthread.SelfThreadIDs,
		log:       logger.NewLoggerWithContext("scanner"),
	}
}

// ScanOnce runs a single bracket. It is not safe for concurrent use.
func (s *Scanner) ScanOnce() ScanResult {
	start := time.Now()
	s.rt.LockThreadRegistry()
	s.running = s.rt.GetRunningThreadsLocked(s.running[:0])
	s.ranges = s.ranges[:0]
	for _, osID := range s.running {
		s.ranges = s.rt.GetThreadExtraStackRangesLocked(s.ranges, osID)
	}
	threadRanges := len(s.ranges)
	s.ranges = s.rt.GetGlobalExtraStackRangesLocked(s.ranges)
	s.rt.UnlockThreadRegistry()

	res := ScanResult{
		Running:      slices.Clone(s.running),
		ThreadRanges: threadRanges,
		GlobalRanges: len(s.ranges) - threadRanges,
		Held:         time.Since(start),
	}

	if s.verify {
		s.verifyOSThreads(&res)
	}

	untagged := -1
	if res.Verified {
		untagged = res.Unregistered
	}
	if s.collector != nil {
		s.collector.RecordScan(len(res.Running), untagged, res.Held)
	}

	s.log.Debug().
		Int("running", len(res.Running)).
		Int("thread_ranges", res.ThreadRanges).
		Int("global_ranges", res.GlobalRanges).
		Dur("lock_held", res.Held).
		Msg("Scan completed")
	return res
}

// verifyOSThreads compares the running set with the OS view. The Go runtime
// owns threads the registry never sees, so only stale records are a problem.
func (s *Scanner) verifyOSThreads(res *ScanResult) {
	osIDs, err := s.osThreads()
	if err != nil {
		s.log.Warn().Err(err).Msg("Cannot list OS threads, skipping verification")
		return
	}
	res.Verified = true
	for _, id := range osIDs {
		if !slices.Contains(res.Running, id) {
			res.Unregistered++
		}
	}
	for _, id := range res.Running {
		if id != osthread.InvalidID && !slices.Contains(osIDs, id) {
			res.Stale = append(res.Stale, id)
		}
	}
	if len(res.Stale) == 0 {
		return
	}

	// The OS list is read outside the bracket; resolve ids of what is still there.
	s.rt.LockThreadRegistry()
	reg := s.rt.GetLsanThreadRegistryLocked()
	for _, osID := range res.Stale {
		tid := lsan.InvalidTID
		if ctx := reg.FindThreadContextByOSIDLocked(osID); ctx != nil {
			tid = ctx.ID
		}
		res.StaleTIDs = append(res.StaleTIDs, tid)
	}
	s.rt.UnlockThreadRegistry()

	tids := make([]uint64, len(res.StaleTIDs))
	for i, tid := range res.StaleTIDs {
		tids[i] = uint64(tid)
	}
	s.log.Warn().
		Uints64("os_ids", res.Stale).
		Uints64("tids", tids).
		Msg("Running thread records without a live OS thread")
}

// Run scans every interval until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.ScanOnce()
		}
	}
}
