package crdt

import (
	"encoding/json"
	"sync"
)

// Awareness tracks ephemeral per-client presence state (cursor position,
// selection, user color, ...) alongside the durable RGA content. It mirrors
// the CRDT replica's apply/subscribe shape but never participates in the
// document's persisted state: losing awareness on restart is expected.
type Awareness struct {
	mu     sync.Mutex
	states map[uint32]awarenessEntry
	onChange func(diff []byte, excludeClientID uint32)
}

type awarenessEntry struct {
	Clock uint64          `json:"clock"`
	State json.RawMessage `json:"state"`
}

type awarenessWire struct {
	States  map[uint32]awarenessEntry `json:"states,omitempty"`
	Removed []uint32                  `json:"removed,omitempty"`
}

// NewAwareness constructs an empty awareness table.
func NewAwareness() *Awareness {
	return &Awareness{states: make(map[uint32]awarenessEntry)}
}

// SetOnChange installs the callback invoked whenever local state changes,
// remote state is merged in, or an entry is removed. excludeClientID names
// the client that should not receive an echo of its own update.
func (a *Awareness) SetOnChange(fn func(diff []byte, excludeClientID uint32)) {
	a.mu.Lock()
	a.onChange = fn
	a.mu.Unlock()
}

// SetLocal records a new presence state for clientID, originating on this
// instance (e.g. from that client's own awareness frame).
func (a *Awareness) SetLocal(clientID uint32, state json.RawMessage) {
	a.mu.Lock()
	e := a.states[clientID]
	e.Clock++
	e.State = state
	a.states[clientID] = e
	diff := encodeAwarenessDiff(map[uint32]awarenessEntry{clientID: e}, nil)
	cb := a.onChange
	a.mu.Unlock()
	if cb != nil {
		cb(diff, clientID)
	}
}

// Remove clears clientID's presence entry (called on disconnect) and
// notifies subscribers of the removal.
func (a *Awareness) Remove(clientID uint32) {
	a.mu.Lock()
	if _, ok := a.states[clientID]; !ok {
		a.mu.Unlock()
		return
	}
	delete(a.states, clientID)
	diff := encodeAwarenessDiff(nil, []uint32{clientID})
	cb := a.onChange
	a.mu.Unlock()
	if cb != nil {
		cb(diff, clientID)
	}
}

// ApplyRemote merges a diff received from a client (or, in principle, from
// the optional cross-instance awareness bus channel) into the table.
// excludeClientID is forwarded to the onChange callback so the sender does
// not get its own update echoed back. Stale entries (clock not newer than
// what is already known) are ignored, making this idempotent under
// redelivery.
func (a *Awareness) ApplyRemote(raw []byte, excludeClientID uint32) error {
	var wire awarenessWire
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &wire); err != nil {
			return err
		}
	}

	a.mu.Lock()
	changed := make(map[uint32]awarenessEntry)
	var removed []uint32
	for cid, incoming := range wire.States {
		cur, ok := a.states[cid]
		if ok && incoming.Clock <= cur.Clock {
			continue
		}
		a.states[cid] = incoming
		changed[cid] = incoming
	}
	for _, cid := range wire.Removed {
		if _, ok := a.states[cid]; ok {
			delete(a.states, cid)
			removed = append(removed, cid)
		}
	}
	if len(changed) == 0 && len(removed) == 0 {
		a.mu.Unlock()
		return nil
	}
	diff := encodeAwarenessDiff(changed, removed)
	cb := a.onChange
	a.mu.Unlock()

	if cb != nil {
		cb(diff, excludeClientID)
	}
	return nil
}

// FullState returns every currently known presence entry, used to answer a
// query-awareness request from a newly joined connection.
func (a *Awareness) FullState() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return encodeAwarenessDiff(a.states, nil)
}

func encodeAwarenessDiff(states map[uint32]awarenessEntry, removed []uint32) []byte {
	b, _ := json.Marshal(awarenessWire{States: states, Removed: removed})
	return b
}
