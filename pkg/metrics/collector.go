package metrics

import (
	"time"

	"github.com/iris-network/iris/pkg/types"
)

// SnapshotSource provides the network view the collector samples. The
// coordinator implements it.
type SnapshotSource interface {
	NetworkSnapshot() types.NetworkSnapshot
}

// Collector samples gauges from the live network view on a fixed interval.
// Counters and histograms are updated inline at their call sites; only the
// point-in-time gauges need periodic collection.
type Collector struct {
	source SnapshotSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source SnapshotSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	snap := c.source.NetworkSnapshot()

	for _, tier := range []types.Tier{types.TierBasic, types.TierMid, types.TierPro} {
		NodesOnline.WithLabelValues(string(tier)).Set(float64(snap.NodesByTier[tier]))
	}
	TasksInFlight.Set(float64(snap.TasksInFlight))
}
