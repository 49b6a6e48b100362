package limits

import (
	"runtime"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceGuard applies coarse admission control before a connection is
// accepted. It checks process goroutine count and host memory pressure so a
// connection burst cannot push the server past its static limits.
type ResourceGuard struct {
	maxGoroutines  int
	memUsedPercent float64
	logger         zerolog.Logger
}

// ResourceGuardConfig holds guard thresholds. Zero values disable the
// corresponding check.
type ResourceGuardConfig struct {
	MaxGoroutines  int     // reject above this many goroutines
	MemUsedPercent float64 // reject above this host memory usage (0-100)
}

func NewResourceGuard(cfg ResourceGuardConfig, logger zerolog.Logger) *ResourceGuard {
	return &ResourceGuard{
		maxGoroutines:  cfg.MaxGoroutines,
		memUsedPercent: cfg.MemUsedPercent,
		logger:         logger.With().Str("component", "resource_guard").Logger(),
	}
}

// ShouldAccept reports whether a new connection may be admitted, with a
// reason string when it may not.
func (g *ResourceGuard) ShouldAccept() (bool, string) {
	if g == nil {
		return true, ""
	}
	if g.maxGoroutines > 0 {
		if n := runtime.NumGoroutine(); n >= g.maxGoroutines {
			g.logger.Warn().Int("goroutines", n).Int("max", g.maxGoroutines).
				Msg("Connection rejected: goroutine ceiling reached")
			return false, "goroutine ceiling reached"
		}
	}
	if g.memUsedPercent > 0 {
		vm, err := mem.VirtualMemory()
		if err == nil && vm.UsedPercent >= g.memUsedPercent {
			g.logger.Warn().Float64("used_percent", vm.UsedPercent).
				Float64("max_percent", g.memUsedPercent).
				Msg("Connection rejected: memory pressure")
			return false, "memory pressure"
		}
	}
	return true, ""
}
