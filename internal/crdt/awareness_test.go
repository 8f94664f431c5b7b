package crdt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwarenessSetLocalNotifiesExcludingSelf(t *testing.T) {
	a := NewAwareness()
	var gotDiff []byte
	var gotExclude uint32
	a.SetOnChange(func(diff []byte, excludeClientID uint32) {
		gotDiff = diff
		gotExclude = excludeClientID
	})

	a.SetLocal(7, json.RawMessage(`{"cursor":1}`))
	require.NotNil(t, gotDiff)
	assert.Equal(t, uint32(7), gotExclude)

	var wire awarenessWire
	require.NoError(t, json.Unmarshal(gotDiff, &wire))
	assert.Contains(t, wire.States, uint32(7))
}

func TestAwarenessRemoveNotifiesRemoval(t *testing.T) {
	a := NewAwareness()
	a.SetLocal(3, json.RawMessage(`{}`))

	var removed []uint32
	a.SetOnChange(func(diff []byte, excludeClientID uint32) {
		var wire awarenessWire
		_ = json.Unmarshal(diff, &wire)
		removed = wire.Removed
	})
	a.Remove(3)
	assert.Equal(t, []uint32{3}, removed)
	assert.Len(t, a.FullState(), len(encodeAwarenessDiff(nil, nil)))
}

func TestAwarenessApplyRemoteIgnoresStaleClock(t *testing.T) {
	a := NewAwareness()
	a.SetLocal(1, json.RawMessage(`{"v":2}`))

	stale := encodeAwarenessDiff(map[uint32]awarenessEntry{1: {Clock: 0, State: json.RawMessage(`{"v":0}`)}}, nil)
	var notified bool
	a.SetOnChange(func(diff []byte, excludeClientID uint32) { notified = true })
	require.NoError(t, a.ApplyRemote(stale, 99))
	assert.False(t, notified)
}
