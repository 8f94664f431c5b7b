package crdt

import (
	"encoding/json"
	"fmt"
	"sync"
)

// opKind distinguishes the two RGA mutations that travel over the wire as an
// "update".
type opKind uint8

const (
	opInsert opKind = iota
	opDelete
)

// op is the wire-level representation of a single RGA mutation. Every op
// carries its own Stamp — a fresh RGANodeID minted by the originating
// replica — which is what state vectors and diffing key off; for inserts
// Stamp equals Target (the new node's own id), for deletes Stamp is a
// distinct id minted for the delete action itself while Target names the
// node being tombstoned.
type op struct {
	Kind   opKind    `json:"k"`
	Stamp  RGANodeID `json:"s"`
	Target RGANodeID `json:"t,omitempty"`
	After  RGANodeID `json:"a,omitempty"`
	Char   rune      `json:"c,omitempty"`
}

// update is the JSON envelope exchanged as "update bytes" throughout the
// rest of the server. Update bytes are opaque outside this package.
type update struct {
	Ops []op `json:"ops"`
}

func encodeOps(ops []op) []byte {
	b, _ := json.Marshal(update{Ops: ops})
	return b
}

func decodeOps(raw []byte) ([]op, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var u update
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("crdt: decode update: %w", err)
	}
	return u.Ops, nil
}

// Replica is the concurrency-safe CRDT adapter: the contract component D
// (Document) drives directly. It owns one rga, one local site id, and the
// bookkeeping needed to serve state vectors and incremental diffs.
type Replica struct {
	mu sync.Mutex

	site   string
	seqNo  uint64
	data   *rga
	log    []op
	seen   map[RGANodeID]bool
	maxSeq map[string]uint64 // per-site highest stamp seq observed

	// truncatedBefore records, per site, the lowest stamp seq still present
	// in log after a TruncateHistory call. DiffUpdate falls back to a full
	// snapshot for any peer whose state vector predates this floor.
	truncatedBefore map[string]uint64

	pendingDeletes map[RGANodeID]bool // delete arrived before its target insert

	subsMu sync.Mutex
	subs   map[int]func(update []byte, origin any)
	nextSub int
}

// NewReplica constructs an empty replica. site must be unique among all
// replicas that may ever merge (e.g. "<instanceTag>:<documentName>"); it is
// the CRDT actor identity, independent of which client connection authored
// an edit.
func NewReplica(site string) *Replica {
	return &Replica{
		site:           site,
		data:           newRGA(),
		seen:           make(map[RGANodeID]bool),
		maxSeq:         make(map[string]uint64),
		pendingDeletes: make(map[RGANodeID]bool),
		subs:           make(map[int]func([]byte, any)),
	}
}

func (r *Replica) nextStamp() RGANodeID {
	r.seqNo++
	return RGANodeID{Seq: r.seqNo, Site: r.site}
}

func (r *Replica) noteSeen(stamp RGANodeID) {
	r.seen[stamp] = true
	if stamp.Seq > r.maxSeq[stamp.Site] {
		r.maxSeq[stamp.Site] = stamp.Seq
	}
}

// Insert performs a local character insertion after afterID (the zero value
// means "at the start of the document") and returns the new node's id plus
// the encoded update bytes ready to hand to SubscribeUpdates subscribers or
// to a remote peer.
func (r *Replica) Insert(afterID RGANodeID, ch rune) (RGANodeID, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stamp := r.nextStamp()
	if err := r.data.insert(rgaNode{id: stamp, insertAfter: afterID, ch: ch}); err != nil {
		return RGANodeID{}, nil, err
	}
	o := op{Kind: opInsert, Stamp: stamp, Target: stamp, After: afterID, Char: ch}
	r.recordLocked(o)
	return stamp, encodeOps([]op{o}), nil
}

// Delete performs a local tombstone of the node with the given id and
// returns the encoded update bytes.
func (r *Replica) Delete(id RGANodeID) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.data.delete(id) {
		return nil, fmt.Errorf("crdt: delete target %+v not found", id)
	}
	stamp := r.nextStamp()
	o := op{Kind: opDelete, Stamp: stamp, Target: id}
	r.recordLocked(o)
	return encodeOps([]op{o}), nil
}

// recordLocked appends an already-applied op to the log and marks it seen.
// Caller must hold r.mu.
func (r *Replica) recordLocked(o op) {
	r.log = append(r.log, o)
	r.noteSeen(o.Stamp)
}

// Text returns the current visible document content.
func (r *Replica) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.text()
}

// Apply decodes update bytes (local or remote) and merges any operations not
// already seen into the replica. origin is opaque to the replica — it is
// forwarded verbatim to subscribers, letting the caller (Document) know who
// to exclude from fan-out. Apply never errors on a conflicting/duplicate op;
// it is designed to be idempotent under arbitrary redelivery.
func (r *Replica) Apply(raw []byte, origin any) error {
	ops, err := decodeOps(raw)
	if err != nil {
		return err
	}
	r.mu.Lock()
	var fresh []op
	for _, o := range ops {
		if r.seen[o.Stamp] {
			continue
		}
		switch o.Kind {
		case opInsert:
			deleted := r.pendingDeletes[o.Target]
			if err := r.data.insert(rgaNode{id: o.Target, insertAfter: o.After, ch: o.Char, deleted: deleted}); err != nil {
				// Anchor not seen yet: cannot place this op causally. Leave
				// it unrecorded; a retransmit (full resync) will pick it up.
				continue
			}
			delete(r.pendingDeletes, o.Target)
		case opDelete:
			if !r.data.delete(o.Target) {
				r.pendingDeletes[o.Target] = true
			}
		}
		r.recordLocked(o)
		fresh = append(fresh, o)
	}
	r.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	r.notify(encodeOps(fresh), origin)
	return nil
}

// SubscribeUpdates registers fn to be called synchronously, from within
// Apply, whenever new operations are merged in. It returns an unsubscribe
// function.
func (r *Replica) SubscribeUpdates(fn func(update []byte, origin any)) func() {
	r.subsMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.subsMu.Unlock()
	return func() {
		r.subsMu.Lock()
		delete(r.subs, id)
		r.subsMu.Unlock()
	}
}

func (r *Replica) notify(update []byte, origin any) {
	r.subsMu.Lock()
	fns := make([]func([]byte, any), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.subsMu.Unlock()
	for _, fn := range fns {
		fn(update, origin)
	}
}

// EncodeStateAsUpdate returns the full operation log as update bytes,
// suitable for bootstrapping a peer with no prior state.
func (r *Replica) EncodeStateAsUpdate() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return encodeOps(append([]op(nil), r.log...))
}

// stateVector is the JSON wire form of "highest stamp seq seen per site".
type stateVector map[string]uint64

// EncodeStateVector returns a compact fingerprint of everything this replica
// has applied, keyed by originating site.
func (r *Replica) EncodeStateVector() []byte {
	r.mu.Lock()
	sv := make(stateVector, len(r.maxSeq))
	for site, seq := range r.maxSeq {
		sv[site] = seq
	}
	r.mu.Unlock()
	b, _ := json.Marshal(sv)
	return b
}

// DiffUpdate returns the operations this replica has that the remote side
// (described by remoteStateVector) is missing. If the remote is so far
// behind that TruncateHistory has already dropped some of what it needs,
// DiffUpdate falls back to the full state.
func (r *Replica) DiffUpdate(remoteStateVector []byte) []byte {
	var remote stateVector
	if len(remoteStateVector) > 0 {
		_ = json.Unmarshal(remoteStateVector, &remote)
	}
	if remote == nil {
		remote = stateVector{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for site, floor := range r.truncatedBefore {
		if remote[site] < floor {
			return encodeOps(append([]op(nil), r.log...))
		}
	}

	var missing []op
	for _, o := range r.log {
		if o.Stamp.Seq > remote[o.Stamp.Site] {
			missing = append(missing, o)
		}
	}
	return encodeOps(missing)
}

// Merge combines several already-applied pending update blobs into a single
// deduplicated blob, used by the document layer's debounce flush to collapse
// a burst of edits into one fan-out frame and one bus publish. It never
// mutates replica state — every op here has already been applied via Apply.
func (r *Replica) Merge(updates [][]byte) ([]byte, error) {
	seen := make(map[RGANodeID]bool)
	var merged []op
	for _, raw := range updates {
		ops, err := decodeOps(raw)
		if err != nil {
			return nil, err
		}
		for _, o := range ops {
			if seen[o.Stamp] {
				continue
			}
			seen[o.Stamp] = true
			merged = append(merged, o)
		}
	}
	return encodeOps(merged), nil
}

// TruncateHistory caps the retained operation log to the most recent limit
// entries. It is a memory-pressure release valve: diffing against a state
// vector older than the retained floor falls back to a full resync rather
// than silently losing operations.
func (r *Replica) TruncateHistory(limit int) {
	if limit <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.log) <= limit {
		return
	}
	dropped := r.log[:len(r.log)-limit]
	r.log = r.log[len(r.log)-limit:]
	if r.truncatedBefore == nil {
		r.truncatedBefore = make(map[string]uint64)
	}
	for _, o := range dropped {
		if cur, ok := r.truncatedBefore[o.Stamp.Site]; !ok || o.Stamp.Seq+1 > cur {
			r.truncatedBefore[o.Stamp.Site] = o.Stamp.Seq + 1
		}
	}
}
