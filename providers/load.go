package providers

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// loadGuard samples host CPU and memory usage. While either is above its
// threshold new WebSocket connections are refused.
type loadGuard struct {
	maxCPU   float64
	maxMem   float64
	interval time.Duration
	logger   zerolog.Logger

	cpuPercent func() (float64, error)
	memPercent func() (float64, error)

	overloaded atomic.Bool
	done       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func newLoadGuard(maxCPU, maxMem int, interval time.Duration, logger zerolog.Logger) *loadGuard {
	return &loadGuard{
		maxCPU:     float64(maxCPU),
		maxMem:     float64(maxMem),
		interval:   interval,
		logger:     logger.With().Str("component", "load-guard").Logger(),
		cpuPercent: hostCPUPercent,
		memPercent: hostMemPercent,
		done:       make(chan struct{}),
	}
}

func hostCPUPercent() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0, err
	}
	return percents[0], nil
}

func hostMemPercent() (float64, error) {
	stat, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return stat.UsedPercent, nil
}

func (g *loadGuard) enabled() bool {
	return g.maxCPU > 0 || g.maxMem > 0
}

func (g *loadGuard) start() {
	if !g.enabled() {
		return
	}
	g.sample()
	g.wg.Add(1)
	go g.loop()
}

func (g *loadGuard) stop() {
	g.stopOnce.Do(func() { close(g.done) })
	g.wg.Wait()
}

// Overloaded reports the result of the last sample.
func (g *loadGuard) Overloaded() bool {
	return g.overloaded.Load()
}

func (g *loadGuard) loop() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sample()
		case <-g.done:
			return
		}
	}
}

// sample updates the overload flag. A failed sample clears it.
func (g *loadGuard) sample() {
	over, err := g.check()
	if err != nil {
		g.logger.Error().Err(err).Msg("host load sample failed")
		over = false
	}
	if g.overloaded.Swap(over) != over {
		g.logger.Warn().Bool("overloaded", over).Msg("host load state changed")
	}
}

func (g *loadGuard) check() (bool, error) {
	if g.maxCPU > 0 {
		pct, err := g.cpuPercent()
		if err != nil {
			return false, err
		}
		if pct > g.maxCPU {
			return true, nil
		}
	}
	if g.maxMem > 0 {
		pct, err := g.memPercent()
		if err != nil {
			return false, err
		}
		if pct > g.maxMem {
			return true, nil
		}
	}
	return false, nil
}
