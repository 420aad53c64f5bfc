package metrics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// TargetSample holds resource usage of the tracked process at one instant.
type TargetSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

var (
	targetCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "logkeeper",
			Subsystem: "target",
			Name:      "cpu_percent",
			Help:      "CPU usage of the tracked process.",
		}, []string{"target"},
	)
	targetMemoryRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "logkeeper",
			Subsystem: "target",
			Name:      "memory_rss_bytes",
			Help:      "Resident set size of the tracked process.",
		}, []string{"target"},
	)
	targetNumThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "logkeeper",
			Subsystem: "target",
			Name:      "num_threads",
			Help:      "Thread count of the tracked process.",
		}, []string{"target"},
	)
)

// SampleTarget reads resource usage for pid. pid is the opaque identifier
// returned by the tracker; non-numeric identifiers are rejected.
func SampleTarget(ctx context.Context, pid string) (TargetSample, error) {
	n, err := strconv.ParseInt(pid, 10, 32)
	if err != nil || n <= 0 {
		return TargetSample{}, fmt.Errorf("invalid pid %q", pid)
	}
	p, err := process.NewProcessWithContext(ctx, int32(n))
	if err != nil {
		return TargetSample{}, err
	}
	s := TargetSample{PID: int32(n), Timestamp: time.Now()}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		s.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		s.MemoryRSS = mem.RSS
	}
	if th, err := p.NumThreadsWithContext(ctx); err == nil {
		s.NumThreads = th
	}
	return s, nil
}

// ObserveTarget publishes a sample. A nil sample clears the gauges, which
// happens when the target stops.
func ObserveTarget(target string, s *TargetSample) {
	if !regOK.Load() {
		return
	}
	if s == nil {
		targetCPUPercent.DeleteLabelValues(target)
		targetMemoryRSS.DeleteLabelValues(target)
		targetNumThreads.DeleteLabelValues(target)
		return
	}
	targetCPUPercent.WithLabelValues(target).Set(s.CPUPercent)
	targetMemoryRSS.WithLabelValues(target).Set(float64(s.MemoryRSS))
	targetNumThreads.WithLabelValues(target).Set(float64(s.NumThreads))
}
