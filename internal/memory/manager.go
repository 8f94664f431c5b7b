// Package memory implements component F: periodic heap sampling and
// idle-document eviction under pressure. It is grounded on the teacher
// stack's background-ticker pattern (cmd/main.go's periodic goroutines,
// started at boot and stopped via a done channel on shutdown), adapted from
// a status-poller to runtime.MemStats sampling plus registry eviction.
package memory

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Polqt/collabdoc-server/internal/cache"
	"github.com/Polqt/collabdoc-server/internal/registry"
)

// Document is the subset of registry.Document the manager needs to decide
// and perform eviction, plus the optional history-truncation hook. Kept as
// an interface so tests can exercise the policy without a real CRDT replica.
type Document interface {
	RefCount() int32
	LastAccessed() time.Time
	HasPendingDebounce() bool
}

// HistoryTruncator is implemented by documents that can shed retained
// operation history under memory pressure. internal/document.Document
// satisfies this; the registry's own Document interface does not require it,
// since truncation is optional (spec.md §4.6: "Optionally truncate...").
type HistoryTruncator interface {
	TruncateHistory(limit int)
}

// Config mirrors the tunables spec.md §4.6 names, each with its stated
// default.
type Config struct {
	SampleInterval    time.Duration // default 30s
	GCThreshold       float64       // default 0.8, heapUsed/heapLimit
	DocumentCacheSize int           // default 100
	HistoryLimit      int           // 0 disables truncation
	// HeapLimitBytes is the ceiling used as the denominator of the
	// heapUsed/heapLimit ratio. The teacher's Go runtime has no notion of a
	// container memory limit by itself, so this is supplied by deployment
	// config (e.g. mirroring GOMEMLIMIT or a cgroup quota) rather than
	// introspected.
	HeapLimitBytes uint64

	// InstanceTag identifies this process for the per-instance cache key
	// samples are reported under (SPEC_FULL.md §4.6). Empty disables
	// reporting even if a cache client is supplied.
	InstanceTag string
}

// Sample is one point of the periodic report, also what /stats surfaces
// (spec.md §6's control surface).
type Sample struct {
	Timestamp       time.Time
	HeapAllocBytes  uint64
	HeapLimitBytes  uint64
	HeapRatio       float64
	DocumentCount   int
	ConnectionCount int
	EvictedThisTick int
}

// Manager runs the periodic sampling/eviction loop over a registry.
type Manager struct {
	reg   *registry.Registry
	cfg   Config
	log   zerolog.Logger
	cache *cache.Client // optional; nil or disabled means "don't report"

	lastSample atomic.Value // Sample
	peakHeap   uint64       // atomic via atomic.Uint64 semantics (accessed with atomic.LoadUint64/StoreUint64 below requires pointer)

	stop chan struct{}
	done chan struct{}
}

// New builds a Manager. cacheClient is optional: pass nil (or a disabled
// *cache.Client) to skip cross-instance sample reporting entirely. Call Run
// to start its background loop.
func New(reg *registry.Registry, cfg Config, cacheClient *cache.Client, log zerolog.Logger) *Manager {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 30 * time.Second
	}
	if cfg.GCThreshold <= 0 {
		cfg.GCThreshold = 0.8
	}
	if cfg.DocumentCacheSize <= 0 {
		cfg.DocumentCacheSize = 100
	}
	return &Manager{
		reg:   reg,
		cfg:   cfg,
		log:   log,
		cache: cacheClient,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// sampleCacheKey returns the per-instance key a sample is reported under.
func sampleCacheKey(instanceTag string) string {
	return fmt.Sprintf("collabdoc:memory:%s", instanceTag)
}

// Run blocks, sampling every cfg.SampleInterval until ctx is canceled or Stop
// is called. Intended to be launched in its own goroutine at boot, per
// spec.md §9's "constructed once at boot ... teardown in reverse order".
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// Stop signals Run to return and waits for it to do so.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

// LatestSample returns the most recent sample taken, or a zero Sample if
// none has been taken yet.
func (m *Manager) LatestSample() Sample {
	if v := m.lastSample.Load(); v != nil {
		return v.(Sample)
	}
	return Sample{}
}

func (m *Manager) tick() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	heapLimit := m.cfg.HeapLimitBytes
	if heapLimit == 0 {
		// No configured ceiling: fall back to HeapSys (heap memory the Go
		// runtime has obtained from the OS) so the ratio is still meaningful
		// in an unconfigured deployment.
		heapLimit = stats.HeapSys
		if heapLimit == 0 {
			heapLimit = 1
		}
	}
	ratio := float64(stats.HeapAlloc) / float64(heapLimit)

	docCount := 0
	connCount := 0
	type candidate struct {
		name string
		doc  registry.Document
		last time.Time
	}
	var evictable []candidate

	m.reg.ForEach(func(name string, doc registry.Document) {
		docCount++
		connCount += int(doc.RefCount())
		if doc.RefCount() == 0 && !doc.HasPendingDebounce() {
			evictable = append(evictable, candidate{name: name, doc: doc, last: doc.LastAccessed()})
		} else if m.cfg.HistoryLimit > 0 {
			if t, ok := doc.(HistoryTruncator); ok {
				t.TruncateHistory(m.cfg.HistoryLimit)
			}
		}
	})

	evicted := 0
	if ratio > m.cfg.GCThreshold && docCount > m.cfg.DocumentCacheSize {
		sort.Slice(evictable, func(i, j int) bool { return evictable[i].last.Before(evictable[j].last) })
		target := docCount - m.cfg.DocumentCacheSize
		for _, c := range evictable {
			if evicted >= target {
				break
			}
			if m.reg.EvictNow(c.name) {
				evicted++
			}
		}
		m.log.Info().
			Float64("heapRatio", ratio).
			Int("evicted", evicted).
			Int("documents", docCount).
			Msg("memory manager: evicted idle documents under pressure")
	}

	sample := Sample{
		Timestamp:       time.Now(),
		HeapAllocBytes:  stats.HeapAlloc,
		HeapLimitBytes:  heapLimit,
		HeapRatio:       ratio,
		DocumentCount:   docCount - evicted,
		ConnectionCount: connCount,
		EvictedThisTick: evicted,
	}
	m.lastSample.Store(sample)

	if stats.HeapAlloc > m.peakHeapLoad() {
		m.peakHeapStore(stats.HeapAlloc)
	}

	m.reportSample(sample)
}

// reportSample writes sample to the shared cache under a per-instance key,
// giving operators a cross-instance view of memory pressure (SPEC_FULL.md
// §4.6). A no-op when no cache client was supplied, the client is disabled,
// or InstanceTag is empty.
func (m *Manager) reportSample(sample Sample) {
	if m.cache == nil || !m.cache.Enabled() || m.cfg.InstanceTag == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.cache.Set(ctx, sampleCacheKey(m.cfg.InstanceTag), sample, 2*m.cfg.SampleInterval); err != nil {
		m.log.Warn().Err(err).Msg("memory manager: failed to report sample to cache")
	}
}

func (m *Manager) peakHeapLoad() uint64 {
	return atomic.LoadUint64(&m.peakHeap)
}

func (m *Manager) peakHeapStore(v uint64) {
	atomic.StoreUint64(&m.peakHeap, v)
}

// PeakHeapAlloc returns the highest HeapAlloc observed across all samples
// taken so far.
func (m *Manager) PeakHeapAlloc() uint64 {
	return m.peakHeapLoad()
}
