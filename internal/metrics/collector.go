package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Snapshot is a point-in-time view of a vault's state for gauge collection.
type Snapshot struct {
	Records      map[string]int
	PendingOps   int
	Members      int
	StoredChunks int
	StoredBytes  int64
	QuotaUsed    int64
	CapacityUsed int64
}

// Source produces snapshots. Implemented by the vault.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Collector periodically copies a Source's snapshot into gauges.
type Collector struct {
	metrics *VaultMetrics
	source  Source
}

// NewCollector creates a collector feeding m from source.
func NewCollector(m *VaultMetrics, source Source) *Collector {
	return &Collector{metrics: m, source: source}
}

// Collect takes one snapshot and updates the gauges.
func (c *Collector) Collect(ctx context.Context) {
	snap, err := c.source.Snapshot(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("metrics snapshot failed")
		return
	}
	for persona, n := range snap.Records {
		c.metrics.Records.WithLabelValues(persona).Set(float64(n))
	}
	c.metrics.PendingOps.Set(float64(snap.PendingOps))
	c.metrics.Members.Set(float64(snap.Members))
	c.metrics.StoredChunks.Set(float64(snap.StoredChunks))
	c.metrics.StoredBytes.Set(float64(snap.StoredBytes))
	c.metrics.QuotaUsed.Set(float64(snap.QuotaUsed))
	c.metrics.CapacityUsed.Set(float64(snap.CapacityUsed))
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Collect(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}
