package main

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WorkloadMetrics counts what the synthetic workload did. Registry state is
// exported separately by the kthreadregistry collector.
type WorkloadMetrics struct {
	Spawned *prometheus.CounterVec // Threads spawned, by kind
	Joined  prometheus.Counter
	Ticks   prometheus.Counter
}

var (
	metrics     *WorkloadMetrics
	metricsOnce sync.Once
)

// InitMetrics registers the workload metrics with the default registry.
func InitMetrics() {
	metricsOnce.Do(func() {
		metrics = &WorkloadMetrics{
			Spawned: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lsan_workload_threads_spawned_total",
					Help: "Threads spawned by the synthetic workload",
				},
				[]string{"kind"},
			),
			Joined: promauto.NewCounter(prometheus.CounterOpts{
				Name: "lsan_workload_threads_joined_total",
				Help: "Joinable workload threads joined after finishing",
			}),
			Ticks: promauto.NewCounter(prometheus.CounterOpts{
				Name: "lsan_workload_churn_ticks_total",
				Help: "Churn ticks executed by the synthetic workload",
			}),
		}
	})
}

// GetMetrics returns the initialized metrics
func GetMetrics() *WorkloadMetrics {
	InitMetrics()
	return metrics
}
