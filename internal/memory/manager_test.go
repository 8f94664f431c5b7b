package memory

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Polqt/collabdoc-server/internal/cache"
	"github.com/Polqt/collabdoc-server/internal/registry"
)

func testLog() zerolog.Logger { return zerolog.Nop() }

type fakeDoc struct {
	name     string
	refCount int32
	pending  bool
	last     time.Time
	closed   bool
}

func (f *fakeDoc) Name() string             { return f.name }
func (f *fakeDoc) RefCount() int32          { return f.refCount }
func (f *fakeDoc) LastAccessed() time.Time  { return f.last }
func (f *fakeDoc) HasPendingDebounce() bool { return f.pending }
func (f *fakeDoc) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

func mustDoc(t *testing.T, reg *registry.Registry, name string) registry.Document {
	t.Helper()
	doc, err := reg.Get(context.Background(), name)
	require.NoError(t, err)
	return doc
}

func TestTickEvictsOldestIdleDocumentsOverCapacity(t *testing.T) {
	now := time.Now()
	docs := map[string]*fakeDoc{
		"oldest": {name: "oldest", last: now.Add(-10 * time.Minute)},
		"middle": {name: "middle", last: now.Add(-5 * time.Minute)},
		"newest": {name: "newest", last: now.Add(-1 * time.Minute)},
		"busy":   {name: "busy", refCount: 1, last: now}, // never evictable
	}

	reg := registry.New(func(_ context.Context, name string) (registry.Document, error) {
		return docs[name], nil
	}, time.Minute, testLog())

	for name := range docs {
		mustDoc(t, reg, name)
	}
	require.Equal(t, 4, reg.Count())

	m := New(reg, Config{
		GCThreshold:       0.0, // New substitutes the 0.8 default; HeapLimitBytes=1 makes any heap exceed it
		DocumentCacheSize: 2,
		HeapLimitBytes:    1,
	}, nil, testLog())

	m.tick()

	assert.True(t, docs["oldest"].closed, "oldest idle document should be evicted first")
	assert.True(t, docs["middle"].closed, "second-oldest idle document should also be evicted to reach capacity")
	assert.False(t, docs["newest"].closed, "within-capacity document should survive")
	assert.False(t, docs["busy"].closed, "refCount > 0 document must never be evicted")
}

func TestTickNeverEvictsPendingDebounce(t *testing.T) {
	now := time.Now()
	doc := &fakeDoc{name: "pending", last: now.Add(-time.Hour), pending: true}
	reg := registry.New(func(_ context.Context, name string) (registry.Document, error) {
		return doc, nil
	}, time.Minute, testLog())
	mustDoc(t, reg, "pending")

	m := &Manager{reg: reg, cfg: Config{GCThreshold: 0.0, DocumentCacheSize: 0, HeapLimitBytes: 1}, log: testLog(), stop: make(chan struct{}), done: make(chan struct{})}
	m.tick()

	assert.False(t, doc.closed)
}

func TestTickSkipsEvictionUnderThreshold(t *testing.T) {
	now := time.Now()
	doc := &fakeDoc{name: "idle", last: now.Add(-time.Hour)}
	reg := registry.New(func(_ context.Context, name string) (registry.Document, error) {
		return doc, nil
	}, time.Minute, testLog())
	mustDoc(t, reg, "idle")

	m := New(reg, Config{GCThreshold: 1.0, DocumentCacheSize: 0, HeapLimitBytes: 1 << 40}, nil, testLog())
	m.tick()

	assert.False(t, doc.closed, "below-threshold heap ratio must not trigger eviction")
}

func TestLatestSampleReflectsLastTick(t *testing.T) {
	reg := registry.New(func(_ context.Context, name string) (registry.Document, error) {
		return nil, nil
	}, time.Minute, testLog())

	m := New(reg, Config{HeapLimitBytes: 1 << 30}, nil, testLog())
	assert.Equal(t, Sample{}, m.LatestSample())

	m.tick()
	sample := m.LatestSample()
	assert.False(t, sample.Timestamp.IsZero())
}

func TestTickReportsSampleWithDisabledCacheIsNoop(t *testing.T) {
	reg := registry.New(func(_ context.Context, name string) (registry.Document, error) {
		return nil, nil
	}, time.Minute, testLog())

	disabledCache, err := cache.New(cache.Config{Enabled: false})
	require.NoError(t, err)

	m := New(reg, Config{HeapLimitBytes: 1 << 30, InstanceTag: "instance-a"}, disabledCache, testLog())
	assert.NotPanics(t, func() { m.tick() })
}
