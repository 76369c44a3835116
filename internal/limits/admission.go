package limits

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// AdmissionGuard decides whether a new connection may register. The hard
// ceiling lives in the registry; the guard layers safety checks on top:
// above the CPU threshold or the goroutine cap, new connections are told to
// retry later instead of degrading everyone already connected.
//
// Static configuration only. The guard never auto-adjusts limits, which
// keeps rejection behavior predictable under load.
type AdmissionGuard struct {
	cpuRejectPct  float64
	maxGoroutines int

	currentCPU   atomic.Value // float64
	currentMemMB atomic.Value // float64

	logger zerolog.Logger
}

// NewAdmissionGuard creates a guard. cpuRejectPct <= 0 disables the CPU
// check; maxGoroutines <= 0 disables the goroutine check.
func NewAdmissionGuard(cpuRejectPct float64, maxGoroutines int, logger zerolog.Logger) *AdmissionGuard {
	g := &AdmissionGuard{
		cpuRejectPct:  cpuRejectPct,
		maxGoroutines: maxGoroutines,
		logger:        logger.With().Str("component", "admission_guard").Logger(),
	}
	g.currentCPU.Store(0.0)
	g.currentMemMB.Store(0.0)
	return g
}

// StartMonitoring samples CPU and memory on the given interval until the
// context is canceled.
func (g *AdmissionGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.sample()
			}
		}
	}()
}

func (g *AdmissionGuard) sample() {
	// Non-blocking percentages: compares against the previous call.
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		g.currentCPU.Store(percents[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		g.currentMemMB.Store(float64(vm.Used) / (1024 * 1024))
	}
}

// ShouldAccept reports whether a new connection may proceed to
// registration, with a reason when it may not.
func (g *AdmissionGuard) ShouldAccept() (bool, string) {
	if g.cpuRejectPct > 0 {
		if current := g.CPUPercent(); current > g.cpuRejectPct {
			g.logger.Warn().
				Float64("cpu_percent", current).
				Float64("threshold", g.cpuRejectPct).
				Msg("Rejecting connection, CPU above threshold")
			return false, "cpu_overload"
		}
	}
	if g.maxGoroutines > 0 {
		if current := runtime.NumGoroutine(); current > g.maxGoroutines {
			g.logger.Warn().
				Int("goroutines", current).
				Int("max", g.maxGoroutines).
				Msg("Rejecting connection, goroutine cap reached")
			return false, "goroutine_limit"
		}
	}
	return true, ""
}

// CPUPercent returns the last sampled CPU usage.
func (g *AdmissionGuard) CPUPercent() float64 {
	v, _ := g.currentCPU.Load().(float64)
	return v
}

// MemoryMB returns the last sampled memory usage in MB.
func (g *AdmissionGuard) MemoryMB() float64 {
	v, _ := g.currentMemMB.Load().(float64)
	return v
}
