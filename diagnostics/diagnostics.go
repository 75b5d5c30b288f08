// Package diagnostics periodically samples host resource usage and pool
// occupancy, the part of metrics_collector.go's job that survives once
// the gRPC reporting leg it used to feed is gone: a local, pluggable
// sink instead of a wire format.
package diagnostics

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"connpool/pool"
)

// Snapshot is one sample of host and pool state.
type Snapshot struct {
	Timestamp          time.Time
	CPUPercent         float64
	MemUsedPercent     float64
	LoadAvg1           float64
	OpenTCPConnections int
	PoolStats          map[string]PoolStats
}

// PoolStats is one tracked origin's connection and queue occupancy,
// sourced from pool.Pool.Stats via a caller-supplied StatsFunc (see
// poolmanager.Manager.Stats).
type PoolStats struct {
	Origin string
	pool.Stats
}

// StatsFunc returns the current PoolStats for every pool a caller wants
// sampled.
type StatsFunc func() map[string]PoolStats

// Collector samples host and pool diagnostics on an interval and hands
// each Snapshot to Sink.
type Collector struct {
	Interval time.Duration
	Stats    StatsFunc
	Sink     func(Snapshot)
}

// NewCollector builds a Collector sampling every interval.
func NewCollector(interval time.Duration, stats StatsFunc, sink func(Snapshot)) *Collector {
	return &Collector{Interval: interval, Stats: stats, Sink: sink}
}

// Run samples until ctx is cancelled. It logs and skips a sample rather
// than stopping when one gopsutil call fails, the same tolerance
// metrics_collector.go gave a single bad reading.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := c.sample()
			if err != nil {
				log.Warnf("connpool/diagnostics: sample failed: %v", err)
				continue
			}
			c.Sink(snap)
		}
	}
}

func (c *Collector) sample() (Snapshot, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return Snapshot{}, err
	}
	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return Snapshot{}, err
	}

	var loadAvg1 float64
	if avg, err := load.Avg(); err != nil {
		log.Debugf("connpool/diagnostics: load average unavailable: %v", err)
	} else {
		loadAvg1 = avg.Load1
	}

	var openTCP int
	if conns, err := gnet.Connections("tcp"); err != nil {
		log.Debugf("connpool/diagnostics: tcp connection count unavailable: %v", err)
	} else {
		openTCP = len(conns)
	}

	var pools map[string]PoolStats
	if c.Stats != nil {
		pools = c.Stats()
	}

	return Snapshot{
		Timestamp:          time.Now(),
		CPUPercent:         cpuPct,
		MemUsedPercent:     vm.UsedPercent,
		LoadAvg1:           loadAvg1,
		OpenTCPConnections: openTCP,
		PoolStats:          pools,
	}, nil
}
