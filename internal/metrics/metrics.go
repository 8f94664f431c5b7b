// Package metrics collects the counters spec.md §6's control surface says
// the core "must expose": document count, connection count, bus counters,
// and memory stats. It is grounded on the teacher stack's gin.H-shaped
// monitoring responses (streamspace api/internal/handlers/monitoring.go),
// pulled out of internal/httpapi into its own package so a future consumer
// (a Prometheus exporter, say) can read the same snapshot without depending
// on gin.
package metrics

import (
	"time"

	"github.com/Polqt/collabdoc-server/internal/bus"
	"github.com/Polqt/collabdoc-server/internal/memory"
	"github.com/Polqt/collabdoc-server/internal/registry"
)

// Snapshot is the aggregated point-in-time view /stats serializes.
type Snapshot struct {
	Timestamp       time.Time
	DocumentCount   int
	ConnectionCount int
	Bus             bus.Stats
	Memory          memory.Sample
	PeakHeapBytes   uint64
}

// Collect gathers a fresh Snapshot from the registry, bus client, and memory
// manager. Cheap enough to call on every /stats request: registry.Count and
// bus.Stats are both lock-guarded counter reads, and memory.LatestSample
// returns the last periodic sample rather than forcing a fresh one.
func Collect(reg *registry.Registry, busClient bus.Client, mem *memory.Manager) Snapshot {
	sample := mem.LatestSample()
	return Snapshot{
		Timestamp:       time.Now(),
		DocumentCount:   reg.Count(),
		ConnectionCount: sample.ConnectionCount,
		Bus:             busClient.Stats(),
		Memory:          sample,
		PeakHeapBytes:   mem.PeakHeapAlloc(),
	}
}
