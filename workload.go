package main

import (
	"context"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/phuslu/log"
	"golang.org/x/sync/errgroup"

	"lsan_threads/internal/config"
	"lsan_threads/internal/logger"
	"lsan_threads/internal/lsan"
	"lsan_threads/internal/threadregistry"
)

// Workload keeps the registry busy: a few long-lived worker threads and one
// churn thread that spawns short-lived children, half of them joinable.
type Workload struct {
	rt      *lsan.Runtime
	cfg     config.WorkloadConfig
	metrics *WorkloadMetrics
	log     log.Logger
}

// NewWorkload creates a workload bound to rt.
func NewWorkload(rt *lsan.Runtime, cfg config.WorkloadConfig, m *WorkloadMetrics) *Workload {
	return &Workload{
		rt:      rt,
		cfg:     cfg,
		metrics: m,
		log:     logger.NewLoggerWithContext("workload"),
	}
}

// Run blocks until ctx is cancelled and every joinable thread has been joined.
func (w *Workload) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := range w.cfg.Workers {
		g.Go(func() error {
			w.runWorker(ctx, i)
			return nil
		})
	}

	if w.cfg.ChurnPerTick > 0 && w.cfg.ChurnInterval.Duration > 0 {
		g.Go(func() error {
			id, done := w.rt.Go(threadregistry.TypeWorker, false, func() {
				w.rt.SetThreadName("churn")
				w.churn(ctx)
			})
			<-done
			w.rt.ThreadJoin(id)
			return nil
		})
	}

	w.log.Info().
		Int("workers", w.cfg.Workers).
		Int("churn_per_tick", w.cfg.ChurnPerTick).
		Dur("churn_interval", w.cfg.ChurnInterval.Duration).
		Msg("Workload started")

	err := g.Wait()
	w.log.Info().Msg("Workload stopped")
	return err
}

func (w *Workload) runWorker(ctx context.Context, n int) {
	id, done := w.rt.Go(threadregistry.TypeWorker, false, func() {
		w.rt.SetThreadName("worker-" + strconv.Itoa(n))
		<-ctx.Done()
	})
	w.metrics.Spawned.WithLabelValues("worker").Inc()
	<-done
	w.rt.ThreadJoin(id)
	w.metrics.Joined.Inc()
}

// churn runs on its own registered thread, so its children record it as parent.
func (w *Workload) churn(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.ChurnInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.spawnBatch(w.cfg.ChurnPerTick)
			w.metrics.Ticks.Inc()
		}
	}
}

// spawnBatch spawns n short-lived threads and joins the joinable ones.
func (w *Workload) spawnBatch(n int) {
	type joinable struct {
		id   lsan.ThreadID
		done <-chan struct{}
	}
	pending := make([]joinable, 0, n)

	for range n {
		detached := rand.Float64() < w.cfg.DetachedRatio
		id, done := w.rt.Go(threadregistry.TypeRegular, detached, shortTask)
		if detached {
			w.metrics.Spawned.WithLabelValues("detached").Inc()
			continue
		}
		w.metrics.Spawned.WithLabelValues("joinable").Inc()
		pending = append(pending, joinable{id: id, done: done})
	}

	for _, j := range pending {
		<-j.done
		w.rt.ThreadJoin(j.id)
		w.metrics.Joined.Inc()
	}
	w.log.Trace().Int("spawned", n).Int("joined", len(pending)).Msg("Churn tick")
}

// shortTask holds some heap memory for a moment, like a real short-lived thread.
func shortTask() {
	buf := make([]byte, 1024+rand.IntN(16*1024))
	for i := range buf {
		buf[i] = byte(i)
	}
	time.Sleep(time.Duration(rand.IntN(5)) * time.Millisecond)
}
