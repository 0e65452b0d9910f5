package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

// Usage is one utilization reading in percent (0-100).
type Usage struct {
	MemoryPercent float64
	CPUPercent    float64
}

// Sampler reads current host utilization.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// HostSampler reads memory and CPU through gopsutil. CPU is measured over
// CPUWindow, so Sample blocks for that long.
type HostSampler struct {
	CPUWindow time.Duration
}

func (s HostSampler) Sample(ctx context.Context) (Usage, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("read memory: %w", err)
	}
	window := s.CPUWindow
	if window <= 0 {
		window = 200 * time.Millisecond
	}
	pcts, err := cpu.PercentWithContext(ctx, window, false)
	if err != nil {
		return Usage{}, fmt.Errorf("read cpu: %w", err)
	}
	u := Usage{MemoryPercent: vm.UsedPercent}
	if len(pcts) > 0 {
		u.CPUPercent = pcts[0]
	}
	return u, nil
}

// AdmissionConfig holds the thresholds in percent.
type AdmissionConfig struct {
	MemoryHighWater float64
	CPUHighWater    float64
	Critical        float64
	MinBatch        int
}

// DefaultAdmissionConfig returns 85% high water, 95% critical, floor 10.
func DefaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{MemoryHighWater: 85, CPUHighWater: 85, Critical: 95, MinBatch: 10}
}

// Admission is the verdict for one batch.
type Admission struct {
	Admitted  bool
	BatchSize int
	Usage     Usage
	Reason    string
}

// AdmissionController shrinks or refuses batches under host pressure.
type AdmissionController struct {
	sampler Sampler
	cfg     AdmissionConfig
}

// NewAdmissionController fills zero thresholds from the defaults.
func NewAdmissionController(s Sampler, cfg AdmissionConfig) *AdmissionController {
	def := DefaultAdmissionConfig()
	if cfg.MemoryHighWater <= 0 {
		cfg.MemoryHighWater = def.MemoryHighWater
	}
	if cfg.CPUHighWater <= 0 {
		cfg.CPUHighWater = def.CPUHighWater
	}
	if cfg.Critical <= 0 {
		cfg.Critical = def.Critical
	}
	if cfg.MinBatch <= 0 {
		cfg.MinBatch = def.MinBatch
	}
	return &AdmissionController{sampler: s, cfg: cfg}
}

// overshoot maps a reading between high water and critical onto 0..1.
func overshoot(v, high, critical float64) float64 {
	if v <= high {
		return 0
	}
	if critical <= high {
		return 1
	}
	o := (v - high) / (critical - high)
	if o > 1 {
		return 1
	}
	return o
}

// Admit returns the batch size to use. Between high water and critical the
// batch shrinks linearly towards the floor; at or above critical the batch
// is refused. A failed reading admits the full batch.
func (a *AdmissionController) Admit(ctx context.Context, requested int) Admission {
	if requested <= 0 {
		return Admission{Admitted: true}
	}
	u, err := a.sampler.Sample(ctx)
	if err != nil {
		logger.Warn("[Admission] utilization sample failed, admitting full batch", "error", err)
		return Admission{Admitted: true, BatchSize: requested}
	}

	if u.MemoryPercent >= a.cfg.Critical || u.CPUPercent >= a.cfg.Critical {
		logger.Warn("[Admission] batch refused",
			"memory_pct", u.MemoryPercent, "cpu_pct", u.CPUPercent, "critical_pct", a.cfg.Critical)
		return Admission{Usage: u, Reason: "resource_critical"}
	}

	o := overshoot(u.MemoryPercent, a.cfg.MemoryHighWater, a.cfg.Critical)
	if c := overshoot(u.CPUPercent, a.cfg.CPUHighWater, a.cfg.Critical); c > o {
		o = c
	}
	if o == 0 {
		return Admission{Admitted: true, BatchSize: requested, Usage: u}
	}

	floor := a.cfg.MinBatch
	if floor > requested {
		floor = requested
	}
	size := floor + int(float64(requested-floor)*(1-o))
	logger.Info("[Admission] batch reduced",
		"requested", requested, "admitted", size, "memory_pct", u.MemoryPercent, "cpu_pct", u.CPUPercent)
	return Admission{Admitted: true, BatchSize: size, Usage: u, Reason: "resource_pressure"}
}
