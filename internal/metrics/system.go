package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SampleSystem periodically records host CPU and memory utilisation.
// Runs until ctx is cancelled.
func (r *Registry) SampleSystem(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
				r.CPUPercent.Set(pcts[0])
			} else if err != nil {
				logger.Debug().Err(err).Msg("cpu sample failed")
			}
			if vm, err := mem.VirtualMemory(); err == nil {
				r.MemPercent.Set(vm.UsedPercent)
			} else {
				logger.Debug().Err(err).Msg("memory sample failed")
			}
		}
	}
}
