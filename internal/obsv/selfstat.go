package obsv

import (
	"context"
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SelfStat periodically samples this process's own CPU usage and
// publishes it both to Prometheus and to a lock-free gauge the ingest
// admission gate can read on every connection attempt without blocking
// on a syscall itself.
type SelfStat struct {
	proc   *process.Process
	every  time.Duration
	logger zerolog.Logger

	cpuPercentBits atomic.Uint64 // math.Float64bits(latest CPU percent)

	stop chan struct{}
}

// NewSelfStat opens a gopsutil handle on the current process.
func NewSelfStat(every time.Duration, logger zerolog.Logger) (*SelfStat, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	s := &SelfStat{proc: p, every: every, logger: logger, stop: make(chan struct{})}
	go s.loop()
	return s, nil
}

func (s *SelfStat) loop() {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sample()
		case <-s.stop:
			return
		}
	}
}

func (s *SelfStat) sample() {
	pct, err := s.proc.PercentWithContext(context.Background(), 0)
	if err != nil {
		s.logger.Warn().Err(err).Msg("self-stat CPU sample failed")
		return
	}
	s.cpuPercentBits.Store(math.Float64bits(pct))
	SelfCPUPercent.Set(pct)
}

// CPUPercent returns the most recently sampled CPU usage percent.
func (s *SelfStat) CPUPercent() float64 {
	return math.Float64frombits(s.cpuPercentBits.Load())
}

// Close stops the sampling loop.
func (s *SelfStat) Close() {
	close(s.stop)
}
