// Package document implements component D: the per-document object owning
// the CRDT replica, the awareness table, the attached-connection set, the
// debounce timer, and the bridge to the cross-instance bus. It is grounded
// on the teacher stack's internal/websocket.Hub (the register/unregister/
// broadcast channel loop) generalized from a single flat broadcast set to
// one CRDT-aware, debounced, bus-bridged object per document, plus the
// teacher's internal/events.Subscriber for the bus-bridge half (subscribe on
// first attach, unsubscribe on Close at eviction, loop-suppress on instance
// tag).
package document

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Polqt/collabdoc-server/internal/bus"
)

// Replica is the subset of crdt.Replica the Document drives. Kept as an
// interface so tests can substitute a fake without pulling in the real RGA.
type Replica interface {
	Apply(raw []byte, origin any) error
	EncodeStateAsUpdate() []byte
	EncodeStateVector() []byte
	DiffUpdate(remoteStateVector []byte) []byte
	Merge(updates [][]byte) ([]byte, error)
	SubscribeUpdates(fn func(update []byte, origin any)) func()
	TruncateHistory(limit int)
}

// Awareness is the subset of crdt.Awareness the Document drives.
type Awareness interface {
	SetOnChange(fn func(diff []byte, excludeClientID uint32))
	SetLocal(clientID uint32, state json.RawMessage)
	Remove(clientID uint32)
	ApplyRemote(raw []byte, excludeClientID uint32) error
	FullState() []byte
}

// Conn is the subset of a connection handler the Document needs in order to
// attach it, route fan-out to it, and identify it as a debounce origin. It
// is implemented by *ws.Connection; kept as an interface here so document
// never imports ws (ws imports document, not the reverse).
type Conn interface {
	ClientID() uint32
	EnqueueUpdate(update []byte)
	EnqueueAwareness(diff []byte)
}

// originBus tags a CRDT apply as having come from the cross-instance bus
// rather than a local connection, so the broadcast path knows not to
// re-publish it (spec.md invariant 4, loop suppression).
type originBus struct{}

var busOrigin = originBus{}

// Config bundles the tunables spec.md §4.4 calls out by name, each with the
// spec's stated default.
type Config struct {
	Delay        time.Duration // default 300ms; 0 disables debouncing (synchronous broadcast)
	MaxDelay     time.Duration // default 1000ms
	InstanceTag  string
	HistoryLimit int // 0 disables truncation

	// PropagateAwareness enables the optional cross-instance awareness bus
	// channel (spec.md §9 Non-goals, SPEC_FULL.md §9): off by default, since
	// presence is ephemeral and most deployments tolerate it staying
	// instance-local. When on, local awareness changes are published to
	// doc:<name>:awareness and remote ones are merged in, with the same
	// instance-tag loop suppression used for CRDT updates.
	PropagateAwareness bool
}

type pendingUpdate struct {
	bytes  []byte
	origin any
}

// Document is the authoritative in-memory replica of one named document,
// plus everything needed to keep every locally attached connection and every
// peer instance converged on it.
type Document struct {
	name string

	replica   Replica
	awareness Awareness
	bus       bus.Client
	log       zerolog.Logger
	cfg       Config

	mu             sync.Mutex
	connections    map[uint32]Conn
	nextClientID   uint32
	refCount       int32
	lastAccessed   time.Time
	pending              []pendingUpdate
	firstPendingAt       time.Time
	timer                *time.Timer
	subscription         bus.Subscription
	awarenessSub         bus.Subscription
	applyingBusAwareness bool
	closed               bool
}

// New constructs a Document backed by replica/awareness and wired to client
// for cross-instance sync. The bus subscription is established lazily, on
// first Attach, per spec.md §4.4's bridge rule — not here — so constructing
// a Document never does I/O.
func New(name string, replica Replica, awareness Awareness, client bus.Client, cfg Config, log zerolog.Logger) *Document {
	d := &Document{
		name:         name,
		replica:      replica,
		awareness:    awareness,
		bus:          client,
		log:          log,
		cfg:          cfg,
		connections:  make(map[uint32]Conn),
		lastAccessed: time.Now(),
	}
	replica.SubscribeUpdates(d.onReplicaUpdate)
	awareness.SetOnChange(d.onAwarenessChange)
	return d
}

// Name returns the document's routing key.
func (d *Document) Name() string { return d.name }

// RefCount returns the number of currently attached connections.
func (d *Document) RefCount() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refCount
}

// LastAccessed returns the last time this document was touched by an
// attach, detach, apply, or broadcast.
func (d *Document) LastAccessed() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastAccessed
}

// HasPendingDebounce reports whether a flush is armed or pending updates are
// queued — the registry's eviction check must never tear down a document
// with unflushed state.
func (d *Document) HasPendingDebounce() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending) > 0 || d.timer != nil
}

// Attach assigns a fresh clientId to conn, adds it to the connection set,
// and — on the first attach — subscribes to this document's bus channel.
func (d *Document) Attach(conn Conn) (uint32, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, fmt.Errorf("document: %q is closed", d.name)
	}
	d.nextClientID++
	clientID := d.nextClientID
	d.connections[clientID] = conn
	d.refCount++
	d.lastAccessed = time.Now()
	firstConn := d.refCount == 1
	d.mu.Unlock()

	if firstConn {
		if err := d.subscribeLocked(); err != nil {
			d.log.Error().Err(err).Str("doc", d.name).Msg("bus subscribe failed, continuing instance-local only")
		}
		if d.cfg.PropagateAwareness {
			if err := d.subscribeAwarenessLocked(); err != nil {
				d.log.Error().Err(err).Str("doc", d.name).Msg("awareness bus subscribe failed, continuing instance-local only")
			}
		}
	}
	return clientID, nil
}

func (d *Document) subscribeLocked() error {
	channel := UpdatesChannel(d.name)
	sub, err := d.bus.Subscribe(channel, d.onBusMessage)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.subscription = sub
	d.mu.Unlock()
	return nil
}

func (d *Document) subscribeAwarenessLocked() error {
	channel := AwarenessChannel(d.name)
	sub, err := d.bus.Subscribe(channel, d.onBusAwarenessMessage)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.awarenessSub = sub
	d.mu.Unlock()
	return nil
}

// UpdatesChannel returns the bus channel name for a document's update
// stream, per spec.md §6: "doc:<documentName>:updates".
func UpdatesChannel(name string) string {
	return fmt.Sprintf("doc:%s:updates", name)
}

// AwarenessChannel returns the bus channel name for a document's optional
// cross-instance awareness stream: "doc:<documentName>:awareness".
func AwarenessChannel(name string) string {
	return fmt.Sprintf("doc:%s:awareness", name)
}

// Detach removes conn from the connection set, clears its awareness entry
// (which broadcasts a "removed" triple to the remaining peers), and
// decrements refCount. Any pending updates originated by conn are flushed
// immediately first so they are not lost by a debounce window that outlives
// the connection.
func (d *Document) Detach(conn Conn) {
	d.mu.Lock()
	clientID := conn.ClientID()
	if _, ok := d.connections[clientID]; !ok {
		d.mu.Unlock()
		return
	}
	delete(d.connections, clientID)
	d.refCount--
	d.lastAccessed = time.Now()

	hasPendingFromConn := false
	for _, p := range d.pending {
		if p.origin == any(conn) {
			hasPendingFromConn = true
			break
		}
	}
	var toPublish [][]byte
	if hasPendingFromConn {
		toPublish = d.flushLocked()
	}
	d.mu.Unlock()

	d.awareness.Remove(clientID)
	for _, blob := range toPublish {
		d.publishAsync(blob)
	}
}

// ApplyLocalUpdate applies update bytes received from conn's own Update
// frame. origin=conn routes the resulting broadcast so conn itself is
// excluded from the echo.
func (d *Document) ApplyLocalUpdate(update []byte, conn Conn) error {
	return d.replica.Apply(update, conn)
}

// ApplyRemoteUpdate applies update bytes delivered through the bus bridge.
func (d *Document) ApplyRemoteUpdate(update []byte) error {
	return d.replica.Apply(update, busOrigin)
}

// onReplicaUpdate is the CRDT adapter's subscription callback (spec.md
// §4.1). It runs synchronously from inside Replica.Apply, after Replica's
// own lock has been released, so taking the Document lock here cannot
// deadlock against it.
func (d *Document) onReplicaUpdate(update []byte, origin any) {
	d.mu.Lock()
	if origin == busOrigin {
		// Delivered via the bus: fan out locally, never re-publish (loop
		// suppression, spec.md invariant 4).
		d.fanOutExcludingLocked(update, nil)
		d.lastAccessed = time.Now()
		d.mu.Unlock()
		return
	}

	d.pending = append(d.pending, pendingUpdate{bytes: update, origin: origin})
	if d.firstPendingAt.IsZero() {
		d.firstPendingAt = time.Now()
	}
	d.lastAccessed = time.Now()

	if d.cfg.Delay <= 0 {
		toPublish := d.flushLocked()
		d.mu.Unlock()
		for _, blob := range toPublish {
			d.publishAsync(blob)
		}
		return
	}

	d.armTimerLocked()
	d.mu.Unlock()
}

// armTimerLocked (re)schedules the debounce flush per spec.md §4.4's
// scheduling rule: quiet-period timer on every append, but an immediate
// flush once the burst has run longer than maxDelay. Caller must hold d.mu.
func (d *Document) armTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
	}
	if time.Since(d.firstPendingAt) >= d.cfg.MaxDelay {
		// Dispatch asynchronously: we are called with d.mu held, and flush
		// takes d.mu itself.
		d.timer = time.AfterFunc(0, d.flush)
		return
	}
	d.timer = time.AfterFunc(d.cfg.Delay, d.flush)
}

// flush is the timer-fired entry point; it takes the lock itself.
func (d *Document) flush() {
	d.mu.Lock()
	toPublish := d.flushLocked()
	d.mu.Unlock()
	for _, blob := range toPublish {
		d.publishAsync(blob)
	}
}

// flushLocked performs one debounce flush: merge, local fan-out (excluding
// each pending update's origin connection), and returns the blob(s) the
// caller should publish to the bus once the lock is released. Caller must
// hold d.mu.
func (d *Document) flushLocked() [][]byte {
	if len(d.pending) == 0 {
		return nil
	}
	pending := d.pending
	d.pending = nil
	d.firstPendingAt = time.Time{}
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	blobs := make([][]byte, len(pending))
	origins := make(map[any]bool, len(pending))
	for i, p := range pending {
		blobs[i] = p.bytes
		origins[p.origin] = true
	}

	merged, err := d.replica.Merge(blobs)
	if err != nil {
		d.log.Warn().Err(err).Str("doc", d.name).Msg("merge failed, fanning out pending updates individually")
		for _, p := range pending {
			d.fanOutExcludingLocked(p.bytes, map[any]bool{p.origin: true})
		}
		return blobs
	}

	d.fanOutExcludingLocked(merged, origins)
	return [][]byte{merged}
}

// fanOutExcludingLocked enqueues update on every attached connection except
// those named in origins. Enqueue is O(1) (bounded queue push), so this
// never blocks on socket I/O — satisfying the "never hold the Document
// section across a socket write" rule. Caller must hold d.mu.
func (d *Document) fanOutExcludingLocked(update []byte, origins map[any]bool) {
	for _, conn := range d.connections {
		if origins[conn] {
			continue
		}
		conn.EnqueueUpdate(update)
	}
}

// publishAsync publishes blob to this document's bus channel. Called only
// after the Document lock has been released (spec.md §5: never hold the
// Document section across a bus publish network call).
func (d *Document) publishAsync(blob []byte) {
	msg := bus.Message{
		DocumentName: d.name,
		Update:       blob,
		Origin:       "local",
		InstanceTag:  d.cfg.InstanceTag,
		MessageID:    newMessageID(),
		Timestamp:    time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.bus.Publish(ctx, UpdatesChannel(d.name), msg); err != nil {
		d.log.Warn().Err(err).Str("doc", d.name).Msg("bus publish failed")
	}
}

// onBusMessage is the subscription handler registered with the bus on first
// attach. It drops messages this instance itself published (loop
// suppression) and otherwise merges the remote update into the replica,
// which drives fan-out to local connections via onReplicaUpdate.
func (d *Document) onBusMessage(msg bus.Message) {
	if msg.InstanceTag == d.cfg.InstanceTag {
		d.bus.NoteLoopSuppressed()
		return
	}
	if err := d.ApplyRemoteUpdate(msg.Update); err != nil {
		d.log.Error().Err(err).Str("doc", d.name).Msg("failed to apply bus update")
	}
}

// StateVector returns the server's current CRDT state vector, the first
// frame of the sync handshake (SyncStep1).
func (d *Document) StateVector() []byte {
	return d.replica.EncodeStateVector()
}

// DiffSince returns the operations the remote side (described by its state
// vector) is missing, the SyncStep2 catch-up frame.
func (d *Document) DiffSince(remoteStateVector []byte) []byte {
	return d.replica.DiffUpdate(remoteStateVector)
}

// FullUpdate returns the entire retained operation log as one update.
func (d *Document) FullUpdate() []byte {
	return d.replica.EncodeStateAsUpdate()
}

// AwarenessFullState answers a query-awareness request.
func (d *Document) AwarenessFullState() []byte {
	return d.awareness.FullState()
}

// AwarenessSetLocal records clientID's own presence update.
func (d *Document) AwarenessSetLocal(clientID uint32, state json.RawMessage) {
	d.awareness.SetLocal(clientID, state)
	d.mu.Lock()
	d.lastAccessed = time.Now()
	d.mu.Unlock()
}

// AwarenessApplyRemote merges a diff a connection received from its client
// into the shared table.
func (d *Document) AwarenessApplyRemote(raw []byte, excludeClientID uint32) error {
	return d.awareness.ApplyRemote(raw, excludeClientID)
}

// onAwarenessChange is Awareness's subscription callback: fan the diff to
// every connection except the one that produced it. Awareness is never
// debounced (spec.md §4.4). If cross-instance propagation is enabled and
// this change did not itself arrive from the bus, the diff is also
// published so peer instances converge.
func (d *Document) onAwarenessChange(diff []byte, excludeClientID uint32) {
	d.mu.Lock()
	for clientID, conn := range d.connections {
		if clientID == excludeClientID {
			continue
		}
		conn.EnqueueAwareness(diff)
	}
	d.lastAccessed = time.Now()
	shouldPublish := d.cfg.PropagateAwareness && !d.applyingBusAwareness
	d.mu.Unlock()

	if shouldPublish {
		d.publishAwarenessAsync(diff)
	}
}

// onBusAwarenessMessage is the subscription handler registered with the bus
// on first attach when PropagateAwareness is enabled. Mirrors onBusMessage's
// loop suppression discipline.
func (d *Document) onBusAwarenessMessage(msg bus.Message) {
	if msg.InstanceTag == d.cfg.InstanceTag {
		d.bus.NoteLoopSuppressed()
		return
	}
	d.mu.Lock()
	d.applyingBusAwareness = true
	d.mu.Unlock()

	err := d.awareness.ApplyRemote(msg.Update, 0)

	d.mu.Lock()
	d.applyingBusAwareness = false
	d.mu.Unlock()

	if err != nil {
		d.log.Error().Err(err).Str("doc", d.name).Msg("failed to apply bus awareness update")
	}
}

// publishAwarenessAsync publishes diff to this document's awareness channel.
// Called only after the Document lock has been released.
func (d *Document) publishAwarenessAsync(diff []byte) {
	msg := bus.Message{
		DocumentName: d.name,
		Update:       diff,
		Origin:       "local",
		InstanceTag:  d.cfg.InstanceTag,
		MessageID:    newMessageID(),
		Timestamp:    time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.bus.Publish(ctx, AwarenessChannel(d.name), msg); err != nil {
		d.log.Warn().Err(err).Str("doc", d.name).Msg("bus awareness publish failed")
	}
}

// TruncateHistory caps the replica's retained operation log, called by the
// memory manager under pressure.
func (d *Document) TruncateHistory(limit int) {
	d.replica.TruncateHistory(limit)
}

// Close tears the document down: unsubscribes from the bus and flushes any
// pending debounce so nothing is silently dropped on eviction.
func (d *Document) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	toPublish := d.flushLocked()
	sub := d.subscription
	d.subscription = nil
	awarenessSub := d.awarenessSub
	d.awarenessSub = nil
	d.mu.Unlock()

	for _, blob := range toPublish {
		d.publishAsync(blob)
	}
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			return fmt.Errorf("document: unsubscribe %q: %w", d.name, err)
		}
	}
	if awarenessSub != nil {
		if err := awarenessSub.Unsubscribe(); err != nil {
			return fmt.Errorf("document: unsubscribe awareness %q: %w", d.name, err)
		}
	}
	return nil
}

var messageIDSeq uint64
var messageIDMu sync.Mutex

// newMessageID mints a process-unique id for a BusMessage: the current
// Unix-nanosecond timestamp plus a process-wide counter. Two instances never
// need globally unique ids, only locally unique ones for dedup/debugging,
// since the bus itself doesn't dedupe by id.
func newMessageID() string {
	messageIDMu.Lock()
	messageIDSeq++
	id := messageIDSeq
	messageIDMu.Unlock()
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), id)
}
