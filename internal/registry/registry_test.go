package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDoc struct {
	name        string
	refCount    int32
	pending     int32
	closeCalled int32
}

func (f *fakeDoc) Name() string                 { return f.name }
func (f *fakeDoc) RefCount() int32              { return atomic.LoadInt32(&f.refCount) }
func (f *fakeDoc) LastAccessed() time.Time      { return time.Now() }
func (f *fakeDoc) HasPendingDebounce() bool     { return atomic.LoadInt32(&f.pending) != 0 }
func (f *fakeDoc) Close(ctx context.Context) error {
	atomic.AddInt32(&f.closeCalled, 1)
	return nil
}

func testLog() zerolog.Logger { return zerolog.Nop() }

func TestGetSingleFlightsConcurrentCreation(t *testing.T) {
	var factoryCalls int32
	r := New(func(ctx context.Context, name string) (Document, error) {
		atomic.AddInt32(&factoryCalls, 1)
		time.Sleep(10 * time.Millisecond)
		return &fakeDoc{name: name}, nil
	}, time.Minute, testLog())

	var wg sync.WaitGroup
	docs := make([]Document, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			doc, err := r.Get(context.Background(), "doc-a")
			require.NoError(t, err)
			docs[i] = doc
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&factoryCalls))
	for _, d := range docs {
		assert.Same(t, docs[0], d)
	}
}

func TestGetPropagatesFactoryError(t *testing.T) {
	var calls int32
	r := New(func(ctx context.Context, name string) (Document, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, assert.AnError
		}
		return &fakeDoc{name: name}, nil
	}, time.Minute, testLog())

	_, err := r.Get(context.Background(), "doc-a")
	assert.Error(t, err)

	// A failed creation must not poison future Gets.
	doc, err := r.Get(context.Background(), "doc-a")
	require.NoError(t, err)
	assert.Equal(t, "doc-a", doc.Name())
}

func TestEvictNowSkipsDocumentsStillInUse(t *testing.T) {
	fd := &fakeDoc{name: "doc-a", refCount: 1}
	r := New(func(ctx context.Context, name string) (Document, error) { return fd, nil }, time.Minute, testLog())
	_, err := r.Get(context.Background(), "doc-a")
	require.NoError(t, err)

	assert.False(t, r.EvictNow("doc-a"))
	assert.Equal(t, int32(0), atomic.LoadInt32(&fd.closeCalled))

	atomic.StoreInt32(&fd.refCount, 0)
	assert.True(t, r.EvictNow("doc-a"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&fd.closeCalled))
}

func TestEvictNowSkipsDocumentsWithPendingDebounce(t *testing.T) {
	fd := &fakeDoc{name: "doc-a", pending: 1}
	r := New(func(ctx context.Context, name string) (Document, error) { return fd, nil }, time.Minute, testLog())
	_, err := r.Get(context.Background(), "doc-a")
	require.NoError(t, err)

	assert.False(t, r.EvictNow("doc-a"))
}

func TestForEachVisitsResidentDocuments(t *testing.T) {
	r := New(func(ctx context.Context, name string) (Document, error) {
		return &fakeDoc{name: name}, nil
	}, time.Minute, testLog())
	_, err := r.Get(context.Background(), "a")
	require.NoError(t, err)
	_, err = r.Get(context.Background(), "b")
	require.NoError(t, err)

	seen := map[string]bool{}
	r.ForEach(func(name string, doc Document) { seen[name] = true })
	assert.Equal(t, map[string]bool{"a": true, "b": true}, seen)
	assert.Equal(t, 2, r.Count())
}

func TestReleaseEventuallyEvictsAfterIdleTTL(t *testing.T) {
	fd := &fakeDoc{name: "doc-a"}
	r := New(func(ctx context.Context, name string) (Document, error) { return fd, nil }, 10*time.Millisecond, testLog())
	_, err := r.Get(context.Background(), "doc-a")
	require.NoError(t, err)

	r.Release("doc-a")
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&fd.closeCalled) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, r.Count())
}
