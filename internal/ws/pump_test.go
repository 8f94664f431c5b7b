package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Polqt/collabdoc-server/internal/auth"
	"github.com/Polqt/collabdoc-server/internal/document"
)

type fakeDocAttacher struct {
	attachErr        error
	detached         bool
	applied          [][]byte
	stateVector      []byte
	diff             []byte
	fullUpdate       []byte
	awarenessState   []byte
	awarenessApplied [][]byte
	localAwareness   []json.RawMessage
}

func (f *fakeDocAttacher) Attach(conn document.Conn) (uint32, error) { return 1, f.attachErr }
func (f *fakeDocAttacher) Detach(conn document.Conn)                 { f.detached = true }
func (f *fakeDocAttacher) ApplyLocalUpdate(update []byte, conn document.Conn) error {
	f.applied = append(f.applied, update)
	return nil
}
func (f *fakeDocAttacher) StateVector() []byte                       { return f.stateVector }
func (f *fakeDocAttacher) DiffSince(remoteStateVector []byte) []byte { return f.diff }
func (f *fakeDocAttacher) FullUpdate() []byte                        { return f.fullUpdate }
func (f *fakeDocAttacher) AwarenessFullState() []byte                { return f.awarenessState }
func (f *fakeDocAttacher) AwarenessSetLocal(clientID uint32, state json.RawMessage) {
	f.localAwareness = append(f.localAwareness, state)
}
func (f *fakeDocAttacher) AwarenessApplyRemote(raw []byte, excludeClientID uint32) error {
	f.awarenessApplied = append(f.awarenessApplied, raw)
	return nil
}

func testClaims(perms ...string) *auth.Claims {
	return &auth.Claims{Permissions: perms}
}

func newTestConnection(claims *auth.Claims, doc documentAttacher) *Connection {
	return &Connection{
		id:       1,
		claims:   claims,
		doc:      doc,
		state:    int32(StateHandshaking),
		outbound: newOutboundQueue(16),
		cfg:      Config{IdleTimeout: time.Minute},
	}
}

func TestDispatchSyncStep1RepliesWithStep2AndOpensState(t *testing.T) {
	doc := &fakeDocAttacher{diff: []byte("diff-bytes")}
	c := newTestConnection(testClaims("read"), doc)

	require.NoError(t, c.dispatch(EncodeSyncStep1([]byte("sv"))))

	assert.Equal(t, StateOpen, State(c.state))
	require.Len(t, c.outbound.drain(), 1)
}

func TestDispatchSyncStep2AppliesAndOpensState(t *testing.T) {
	doc := &fakeDocAttacher{}
	c := newTestConnection(testClaims("read"), doc)

	require.NoError(t, c.dispatch(EncodeSyncStep2([]byte("catchup"))))

	require.Len(t, doc.applied, 1)
	assert.Equal(t, "catchup", string(doc.applied[0]))
	assert.Equal(t, StateOpen, State(c.state))
}

func TestDispatchUpdateRequiresWritePermission(t *testing.T) {
	doc := &fakeDocAttacher{}
	c := newTestConnection(testClaims("read"), doc)
	c.setState(StateOpen)

	require.NoError(t, c.dispatch(EncodeUpdate([]byte("op"))))
	assert.Empty(t, doc.applied, "read-only connection's update must be silently discarded")
}

func TestDispatchUpdateAppliesWithWritePermission(t *testing.T) {
	doc := &fakeDocAttacher{}
	c := newTestConnection(testClaims("write"), doc)
	c.setState(StateOpen)

	require.NoError(t, c.dispatch(EncodeUpdate([]byte("op"))))
	require.Len(t, doc.applied, 1)
	assert.Equal(t, "op", string(doc.applied[0]))
}

func TestDispatchUpdateDiscardedBeforeHandshakeCompletes(t *testing.T) {
	doc := &fakeDocAttacher{}
	c := newTestConnection(testClaims("write"), doc)

	require.NoError(t, c.dispatch(EncodeUpdate([]byte("op"))))
	assert.Empty(t, doc.applied, "no edits are forwarded until the connection reaches Open, spec.md §4.5")
}

func TestDispatchAwarenessRequiresWritePermission(t *testing.T) {
	doc := &fakeDocAttacher{}
	c := newTestConnection(testClaims("read"), doc)

	require.NoError(t, c.dispatch(EncodeAwareness([]byte(`{"x":1}`))))
	assert.Empty(t, doc.awarenessApplied)
}

func TestDispatchAwarenessAppliesWithAdminPermission(t *testing.T) {
	doc := &fakeDocAttacher{}
	c := newTestConnection(testClaims("admin"), doc)

	require.NoError(t, c.dispatch(EncodeAwareness([]byte(`{"x":1}`))))
	require.Len(t, doc.awarenessApplied, 1)
}

func TestDispatchQueryAwarenessRepliesWithFullState(t *testing.T) {
	doc := &fakeDocAttacher{awarenessState: []byte(`{"a":1}`)}
	c := newTestConnection(testClaims("read"), doc)

	require.NoError(t, c.dispatch(EncodeQueryAwareness()))
	require.Len(t, c.outbound.drain(), 1)
}

func TestDispatchPingRepliesWithPong(t *testing.T) {
	doc := &fakeDocAttacher{}
	c := newTestConnection(testClaims(), doc)

	require.NoError(t, c.dispatch(EncodePing()))
	require.Len(t, c.outbound.drain(), 1)
}

func TestDispatchMalformedFrameReturnsProtocolError(t *testing.T) {
	doc := &fakeDocAttacher{}
	c := newTestConnection(testClaims(), doc)

	err := c.dispatch([]byte{})
	require.Error(t, err)
	var protoErr *protocolError
	require.ErrorAs(t, err, &protoErr)
}
