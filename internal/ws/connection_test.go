package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboundQueueDropsOldestOnOverflow(t *testing.T) {
	q := newOutboundQueue(3)
	q.push([]byte("1"))
	q.push([]byte("2"))
	q.push([]byte("3"))
	q.push([]byte("4")) // should evict "1"

	items := q.drain()
	require.Len(t, items, 3)
	assert.Equal(t, "2", string(items[0]))
	assert.Equal(t, "3", string(items[1]))
	assert.Equal(t, "4", string(items[2]))
	assert.EqualValues(t, 1, q.Dropped())
}

func TestOutboundQueueDrainEmptiesQueue(t *testing.T) {
	q := newOutboundQueue(8)
	q.push([]byte("a"))
	first := q.drain()
	require.Len(t, first, 1)

	second := q.drain()
	assert.Empty(t, second)
}

func TestOutboundQueueNoopAfterClose(t *testing.T) {
	q := newOutboundQueue(8)
	q.close()
	q.push([]byte("dropped"))
	assert.Empty(t, q.drain())
}

func TestOutboundQueueDefaultCapacity(t *testing.T) {
	q := newOutboundQueue(0)
	assert.Equal(t, 256, q.capacity)
}
