// Package kthreadregistry exports the thread registry to Prometheus: live
// counts read from the registry on every scrape, lifecycle transitions counted
// through registry hooks, and the results of the periodic scan bracket.
package kthreadregistry

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"

	"lsan_threads/internal/maps"
	"lsan_threads/internal/threadregistry"
)

// Transition indices into the counter array.
const (
	TransitionCreated = iota
	TransitionStarted
	TransitionFinished
	TransitionJoined
	TransitionDead
	transitionCount
)

var transitionNames = [transitionCount]string{"created", "started", "finished", "joined", "dead"}

// Thread lifetime histogram buckets in seconds (exponential from 1ms to ~32s).
var lifetimeBuckets = prometheus.ExponentialBuckets(0.001, 2, 16)

// StatsSource is the part of the registry the collector reads on scrape.
type StatsSource interface {
	Stats() threadregistry.Stats
}

// RegistryCollector implements prometheus.Collector and threadregistry.Hooks.
// Hook methods run under the registry lock and only touch atomics and the
// start-time map, so they never block a scrape.
type RegistryCollector struct {
	source StatsSource

	transitions [transitionCount]atomic.Int64

	// startedAt holds the start time of every running thread, keyed by id.
	startedAt       maps.ConcurrentMap[threadregistry.ThreadID, int64]
	lifetimeCount   atomic.Int64
	lifetimeSumNs   atomic.Uint64
	lifetimeBuckets []atomic.Int64

	scans            atomic.Int64
	scanDurationNs   atomic.Uint64
	lastScanRunning  atomic.Int64
	lastScanUntagged atomic.Int64

	log log.Logger

	threadsDesc      *prometheus.Desc
	transitionsDesc  *prometheus.Desc
	quarantineDesc   *prometheus.Desc
	retiredDesc      *prometheus.Desc
	reusedDesc       *prometheus.Desc
	maxAliveDesc     *prometheus.Desc
	lifetimeDesc     *prometheus.Desc
	oldestDesc       *prometheus.Desc
	scansDesc        *prometheus.Desc
	scanDurationDesc *prometheus.Desc
	scanRunningDesc  *prometheus.Desc
	scanUntaggedDesc *prometheus.Desc
}

// NewRegistryCollector creates a collector. The source may be attached later
// with SetSource, since the collector is usually installed as a hook before
// the registry it observes exists.
func NewRegistryCollector(mapImpl string, logger log.Logger) (*RegistryCollector, error) {
	startedAt, err := maps.NewConcurrentMapOf[threadregistry.ThreadID, int64](mapImpl)
	if err != nil {
		return nil, err
	}
	return &RegistryCollector{
		startedAt:       startedAt,
		lifetimeBuckets: make([]atomic.Int64, len(lifetimeBuckets)),
		log:             logger,

		threadsDesc: prometheus.NewDesc(
			"lsan_threads",
			"Number of thread records by lifecycle status.",
			[]string{"status"}, nil,
		),
		transitionsDesc: prometheus.NewDesc(
			"lsan_thread_transitions_total",
			"Total number of thread lifecycle transitions.",
			[]string{"transition"}, nil,
		),
		quarantineDesc: prometheus.NewDesc(
			"lsan_thread_quarantine_size",
			"Dead thread records waiting to be recycled.",
			nil, nil,
		),
		retiredDesc: prometheus.NewDesc(
			"lsan_thread_slots_retired",
			"Slots permanently retired after reaching the reuse limit.",
			nil, nil,
		),
		reusedDesc: prometheus.NewDesc(
			"lsan_thread_slots_reused_total",
			"Total number of thread records recycled from the quarantine.",
			nil, nil,
		),
		maxAliveDesc: prometheus.NewDesc(
			"lsan_thread_max_alive",
			"Highest number of simultaneously alive threads.",
			nil, nil,
		),
		lifetimeDesc: prometheus.NewDesc(
			"lsan_thread_lifetime_seconds",
			"Histogram of thread run time from start to finish.",
			nil, nil,
		),
		oldestDesc: prometheus.NewDesc(
			"lsan_thread_oldest_running_seconds",
			"Run time of the longest running thread.",
			nil, nil,
		),
		scansDesc: prometheus.NewDesc(
			"lsan_scans_total",
			"Total number of completed scan brackets.",
			nil, nil,
		),
		scanDurationDesc: prometheus.NewDesc(
			"lsan_scan_lock_held_seconds_total",
			"Total time the registry lock was held by scans.",
			nil, nil,
		),
		scanRunningDesc: prometheus.NewDesc(
			"lsan_scan_running_threads",
			"Running threads reported by the last scan.",
			nil, nil,
		),
		scanUntaggedDesc: prometheus.NewDesc(
			"lsan_scan_unregistered_os_threads",
			"OS threads of the process not known to the registry at the last verified scan.",
			nil, nil,
		),
	}, nil
}

// SetSource attaches the registry read on every scrape.
func (c *RegistryCollector) SetSource(source StatsSource) {
	c.source = source
}

// Describe implements prometheus.Collector.
func (c *RegistryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.threadsDesc
	ch <- c.transitionsDesc
	ch <- c.quarantineDesc
	ch <- c.retiredDesc
	ch <- c.reusedDesc
	ch <- c.maxAliveDesc
	ch <- c.lifetimeDesc
	ch <- c.oldestDesc
	ch <- c.scansDesc
	ch <- c.scanDurationDesc
	ch <- c.scanRunningDesc
	ch <- c.scanUntaggedDesc
}

// Collect implements prometheus.Collector.
func (c *RegistryCollector) Collect(ch chan<- prometheus.Metric) {
	if c.source != nil {
		s := c.source.Stats()
		for status, n := range map[string]int{
			"created":  s.Created,
			"running":  s.Running,
			"finished": s.Finished,
			"dead":     s.Dead,
		} {
			ch <- prometheus.MustNewConstMetric(c.threadsDesc, prometheus.GaugeValue, float64(n), status)
		}
		ch <- prometheus.MustNewConstMetric(c.quarantineDesc, prometheus.GaugeValue, float64(s.Quarantined))
		ch <- prometheus.MustNewConstMetric(c.retiredDesc, prometheus.GaugeValue, float64(s.Retired))
		ch <- prometheus.MustNewConstMetric(c.reusedDesc, prometheus.CounterValue, float64(s.Reused))
		ch <- prometheus.MustNewConstMetric(c.maxAliveDesc, prometheus.GaugeValue, float64(s.MaxAlive))
	}

	for i := range c.transitions {
		ch <- prometheus.MustNewConstMetric(
			c.transitionsDesc,
			prometheus.CounterValue,
			float64(c.transitions[i].Load()),
			transitionNames[i],
		)
	}

	// Buckets are stored individually; Prometheus wants them cumulative.
	buckets := make(map[float64]uint64, len(lifetimeBuckets))
	var cumulative uint64
	for i := range c.lifetimeBuckets {
		cumulative += uint64(c.lifetimeBuckets[i].Load())
		buckets[lifetimeBuckets[i]] = cumulative
	}
	ch <- prometheus.MustNewConstHistogram(
		c.lifetimeDesc,
		uint64(c.lifetimeCount.Load()),
		float64(c.lifetimeSumNs.Load())/1e9,
		buckets,
	)

	ch <- prometheus.MustNewConstMetric(c.oldestDesc, prometheus.GaugeValue, c.oldestRunning(time.Now()).Seconds())

	ch <- prometheus.MustNewConstMetric(c.scansDesc, prometheus.CounterValue, float64(c.scans.Load()))
	ch <- prometheus.MustNewConstMetric(c.scanDurationDesc, prometheus.CounterValue, float64(c.scanDurationNs.Load())/1e9)
	ch <- prometheus.MustNewConstMetric(c.scanRunningDesc, prometheus.GaugeValue, float64(c.lastScanRunning.Load()))
	ch <- prometheus.MustNewConstMetric(c.scanUntaggedDesc, prometheus.GaugeValue, float64(c.lastScanUntagged.Load()))

	c.log.Debug().Msg("Collected thread registry metrics")
}

// oldestRunning returns how long the earliest started running thread has run.
func (c *RegistryCollector) oldestRunning(now time.Time) time.Duration {
	var earliest int64
	c.startedAt.Range(func(_ threadregistry.ThreadID, start int64) bool {
		if earliest == 0 || start < earliest {
			earliest = start
		}
		return true
	})
	if earliest == 0 {
		return 0
	}
	return time.Duration(now.UnixNano() - earliest)
}

// RecordScan records one completed scan bracket. untagged is negative when
// the scan did not verify against the OS thread list.
func (c *RegistryCollector) RecordScan(running int, untagged int, held time.Duration) {
	c.scans.Add(1)
	c.scanDurationNs.Add(uint64(held.Nanoseconds()))
	c.lastScanRunning.Store(int64(running))
	if untagged >= 0 {
		c.lastScanUntagged.Store(int64(untagged))
	}
}

func (c *RegistryCollector) recordLifetime(d time.Duration) {
	c.lifetimeCount.Add(1)
	c.lifetimeSumNs.Add(uint64(d.Nanoseconds()))

	idx := sort.SearchFloat64s(lifetimeBuckets, d.Seconds())
	if idx >= len(c.lifetimeBuckets) {
		return // only counted in +Inf
	}
	c.lifetimeBuckets[idx].Add(1)
}

// Hooks. They run with the registry lock held.

func (c *RegistryCollector) OnCreated(*threadregistry.Context, any) {
	c.transitions[TransitionCreated].Add(1)
}

func (c *RegistryCollector) OnStarted(ctx *threadregistry.Context, _ any) {
	c.transitions[TransitionStarted].Add(1)
	c.startedAt.Store(ctx.ID, time.Now().UnixNano())
}

func (c *RegistryCollector) OnFinished(ctx *threadregistry.Context) {
	c.transitions[TransitionFinished].Add(1)
	if start, ok := c.startedAt.LoadAndDelete(ctx.ID); ok {
		c.recordLifetime(time.Duration(time.Now().UnixNano() - start))
	}
}

func (c *RegistryCollector) OnJoined(*threadregistry.Context) {
	c.transitions[TransitionJoined].Add(1)
}

func (c *RegistryCollector) OnDead(*threadregistry.Context) {
	c.transitions[TransitionDead].Add(1)
}
