package pipeline

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/hollomancer/sbir-analytics-sub004/internal/config"
	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
)

// MemorySampler watches heap usage on a ticker. Crossing the warn threshold
// logs; crossing the critical threshold signals the backpressure channel so
// streaming materializers flush and shrink their buffers. The runtime treats
// sustained critical pressure on a non-streaming asset as grounds to cancel
// and retry at a smaller chunk size.
type MemorySampler struct {
	warnBytes     uint64
	criticalBytes uint64
	every         time.Duration
	logger        logging.Logger

	pressure chan struct{}
	critical atomic.Bool
	peak     atomic.Uint64
}

// NewMemorySampler builds a sampler from the runtime thresholds. A zero
// threshold disables that level.
func NewMemorySampler(cfg config.RuntimeConfig, log logging.Logger) *MemorySampler {
	if cfg.MemSampleEvery <= 0 {
		cfg.MemSampleEvery = 5 * time.Second
	}
	return &MemorySampler{
		warnBytes:     uint64(cfg.MemWarnMB) * 1024 * 1024,
		criticalBytes: uint64(cfg.MemCriticalMB) * 1024 * 1024,
		every:         cfg.MemSampleEvery,
		logger:        log,
		pressure:      make(chan struct{}, 1),
	}
}

// Pressure is signalled (non-blocking, capacity 1) each time heap usage
// crosses the critical threshold.
func (s *MemorySampler) Pressure() <-chan struct{} { return s.pressure }

// Critical reports whether the most recent sample was above the critical
// threshold.
func (s *MemorySampler) Critical() bool { return s.critical.Load() }

// PeakMB returns the highest heap usage observed so far, in megabytes.
func (s *MemorySampler) PeakMB() float64 {
	return float64(s.peak.Load()) / (1024 * 1024)
}

// Run samples until ctx is done. Call in its own goroutine.
func (s *MemorySampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *MemorySampler) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	used := ms.HeapAlloc
	if used > s.peak.Load() {
		s.peak.Store(used)
	}

	switch {
	case s.criticalBytes > 0 && used >= s.criticalBytes:
		s.critical.Store(true)
		select {
		case s.pressure <- struct{}{}:
		default:
		}
		s.logger.Error("memory critical, requesting flush",
			logging.Float64("heap_mb", float64(used)/(1024*1024)),
			logging.Float64("critical_mb", float64(s.criticalBytes)/(1024*1024)))
	case s.warnBytes > 0 && used >= s.warnBytes:
		s.critical.Store(false)
		s.logger.Warn("memory high",
			logging.Float64("heap_mb", float64(used)/(1024*1024)),
			logging.Float64("warn_mb", float64(s.warnBytes)/(1024*1024)))
	default:
		s.critical.Store(false)
	}
}
