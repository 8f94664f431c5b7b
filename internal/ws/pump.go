package ws

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Polqt/collabdoc-server/internal/auth"
)

const (
	pingInterval    = 30 * time.Second
	writeWait       = 10 * time.Second
	closeDrainWait  = 250 * time.Millisecond // Closing -> Closed drain deadline, spec.md §4.5
	maxMessageBytes = 4 << 20
)

// Connection is a single WebSocket client's protocol state machine
// (component E). It implements document.Conn so a *Document can enqueue to
// it without importing this package. Grounded on the teacher stack's
// websocket.Client (readPump/writePump split, ping ticker, read/write
// deadlines), with the sync handshake, wire-frame dispatch, and permission
// gating spec.md §4.5/§6 add on top.
type Connection struct {
	id       uint64
	clientID uint32

	claims *auth.Claims
	doc    documentAttacher

	wsConn *websocket.Conn
	state  int32 // atomic State

	outbound *outboundQueue
	cfg      Config
	log      zerolog.Logger

	handshakeDone int32 // atomic bool

	// release is called exactly once, after doc.Detach, so the registry's
	// idle-eviction timer (registry.Release) is armed whenever this was the
	// last connection attached to the document. May be nil in tests.
	release func()

	done chan struct{}
}

func newConnection(wsConn *websocket.Conn, claims *auth.Claims, cfg Config, log zerolog.Logger, release func()) *Connection {
	return &Connection{
		id:       nextConnectionID(),
		claims:   claims,
		wsConn:   wsConn,
		state:    int32(StateHandshaking),
		outbound: newOutboundQueue(cfg.OutboundQueueSize),
		cfg:      cfg,
		log:      log,
		release:  release,
		done:     make(chan struct{}),
	}
}

// ClientID satisfies document.Conn.
func (c *Connection) ClientID() uint32 { return c.clientID }

// EnqueueUpdate satisfies document.Conn: frame and queue a CRDT update
// broadcast.
func (c *Connection) EnqueueUpdate(update []byte) {
	c.outbound.push(EncodeUpdate(update))
}

// EnqueueAwareness satisfies document.Conn: frame and queue an awareness
// diff.
func (c *Connection) EnqueueAwareness(diff []byte) {
	c.outbound.push(EncodeAwareness(diff))
}

func (c *Connection) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
}

func (c *Connection) getState() State {
	return State(atomic.LoadInt32(&c.state))
}

// run drives the connection for its entire life: attach, handshake, steady
// state, teardown. Called from its own goroutine by Handler.ServeHTTP; the
// HTTP handler itself has already returned by the time this executes,
// matching the teacher stack's "register then spawn pumps, handler returns
// immediately" shape.
func (c *Connection) run(doc documentAttacher) {
	c.doc = doc

	clientID, err := doc.Attach(c)
	if err != nil {
		c.log.Error().Err(err).Msg("ws: attach failed")
		c.closeWithCode(websocket.CloseInternalServerErr, "attach failed")
		return
	}
	c.clientID = clientID
	if c.release != nil {
		defer c.release()
	}
	defer doc.Detach(c)

	c.wsConn.SetReadLimit(maxMessageBytes)
	c.wsConn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
	c.wsConn.SetPongHandler(func(string) error {
		c.wsConn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		return nil
	})

	go c.writePump()

	// Handshake: server sends SyncStep1 immediately on open (spec.md §4.5).
	c.outbound.push(EncodeSyncStep1(doc.StateVector()))

	c.readPump()
}

// writePump is the connection's sole writer goroutine. It exits (and closes
// the socket) on any write error, which in turn unblocks readPump's blocking
// ReadMessage call — gorilla/websocket has no half-close primitive, so a
// shared socket close is how the two pumps tear each other down. Before
// exiting it best-effort flushes whatever is still queued, bounded by
// spec.md §4.5's 250ms Closing->Closed drain deadline.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.drainBeforeClose()
		close(c.done)
		c.wsConn.Close()
	}()

	for {
		select {
		case <-c.outbound.notify:
			for _, frame := range c.outbound.drain() {
				c.wsConn.SetWriteDeadline(time.Now().Add(c.cfg.IdleTimeout))
				if err := c.wsConn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
					return
				}
			}
		case <-ticker.C:
			c.wsConn.SetWriteDeadline(time.Now().Add(c.cfg.IdleTimeout))
			if err := c.wsConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drainBeforeClose best-effort flushes whatever is still queued, bounded by
// spec.md §4.5's 250ms Closing->Closed deadline.
func (c *Connection) drainBeforeClose() {
	c.outbound.close()
	deadline := time.Now().Add(closeDrainWait)
	for _, frame := range c.outbound.drain() {
		if time.Now().After(deadline) {
			return
		}
		c.wsConn.SetWriteDeadline(deadline)
		if err := c.wsConn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.setState(StateClosed)
		c.wsConn.Close()
	}()

	for {
		msgType, raw, err := c.wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Debug().Err(err).Msg("ws: read error")
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		if c.claims.ExpiresAt != nil && c.claims.ExpiresAt.Time.Before(time.Now()) {
			c.closeWithCode(websocket.ClosePolicyViolation, "token expired")
			return
		}

		c.wsConn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))

		if err := c.dispatch(raw); err != nil {
			var protoErr *protocolError
			if errors.As(err, &protoErr) {
				c.log.Warn().Err(err).Msg("ws: protocol error")
				c.closeWithCode(websocket.CloseInternalServerErr, "protocol error")
				return
			}
			c.log.Error().Err(err).Msg("ws: apply error")
			// ApplyError (spec.md §7): log, drop the update, keep serving.
		}
	}
}

// protocolError marks a malformed-frame condition that must close the
// connection with 1011, per spec.md §7's ProtocolError taxonomy entry.
type protocolError struct{ err error }

func (p *protocolError) Error() string { return p.err.Error() }
func (p *protocolError) Unwrap() error { return p.err }

func (c *Connection) dispatch(raw []byte) error {
	frame, err := DecodeFrame(raw)
	if err != nil {
		return &protocolError{err}
	}

	switch frame.Channel {
	case ChannelSync:
		return c.dispatchSync(frame)
	case ChannelAwareness:
		if !c.canWrite() {
			return nil // permission gating: silently discarded, spec.md §4.5
		}
		return c.doc.AwarenessApplyRemote(frame.Body, c.clientID)
	case ChannelQueryAwareness:
		c.outbound.push(EncodeAwareness(c.doc.AwarenessFullState()))
		return nil
	case ChannelPing:
		c.outbound.push(EncodePong())
		return nil
	default:
		return &protocolError{errors.New("ws: unhandled channel")}
	}
}

func (c *Connection) dispatchSync(frame Frame) error {
	switch frame.SyncKind {
	case SyncStep1:
		// Peer's state vector: answer with whatever it's missing.
		c.outbound.push(EncodeSyncStep2(c.doc.DiffSince(frame.Body)))
		c.markHandshakeDone()
		return nil
	case SyncStep2:
		if err := c.applyAsClient(frame.Body); err != nil {
			return err
		}
		c.markHandshakeDone()
		return nil
	case SyncUpdate:
		if c.getState() != StateOpen {
			return nil // no edits forwarded before handshake completes, spec.md §4.5
		}
		if !c.canWrite() {
			return nil // permission gating: silently discarded, spec.md §4.5
		}
		return c.applyAsClient(frame.Body)
	default:
		return &protocolError{errors.New("ws: unknown sync kind")}
	}
}

func (c *Connection) applyAsClient(update []byte) error {
	if len(update) == 0 {
		return nil
	}
	return c.doc.ApplyLocalUpdate(update, c)
}

func (c *Connection) markHandshakeDone() {
	if atomic.CompareAndSwapInt32(&c.handshakeDone, 0, 1) {
		c.setState(StateOpen)
	}
}

// canWrite implements spec.md §4.5's permission enforcement: "write" or
// "admin" is required for Update/Awareness frames to take effect; everything
// else about the connection (including receiving broadcasts) is unaffected.
func (c *Connection) canWrite() bool {
	return c.claims.HasPermission("write") || c.claims.HasPermission("admin")
}

func (c *Connection) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	c.wsConn.SetWriteDeadline(time.Now().Add(writeWait))
	c.wsConn.WriteMessage(websocket.CloseMessage, msg)
	c.setState(StateClosing)
	c.wsConn.Close()
}
