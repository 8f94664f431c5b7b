package ws

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Polqt/collabdoc-server/internal/auth"
	"github.com/Polqt/collabdoc-server/internal/document"
	"github.com/Polqt/collabdoc-server/internal/registry"
	"github.com/Polqt/collabdoc-server/internal/sessionstore"
)

// permWrite is the permission spec.md §4.5 gates Update and Awareness frames
// on. "admin" implies it (spec.md §3: permissions is a set that includes
// "read"|"write"|"admin"; admin is treated as a superset of write).
const permWrite = "write"

// State is the connection's position in the spec.md §4.5 state machine.
type State int32

const (
	StateHandshaking State = iota
	StateOpen
	StateClosing
	StateClosed
)

// Config bundles the per-connection tunables spec.md §4.5/§5 names.
type Config struct {
	IdleTimeout       time.Duration // default 60s; read/write deadline, reset on pong/any frame
	HandshakeTimeout  time.Duration // default 10s
	OutboundQueueSize int           // default 256
}

// Handler wires a gin route to the connection lifecycle: HTTP upgrade,
// authentication, registry lookup, and handing off to a Connection. It is
// grounded on the teacher stack's websocket.Hub.ServeClientWithOrg (upgrade,
// construct client, register, spawn pumps) generalized with the
// authentication and handshake steps spec.md §4.5 adds in front of it.
type Handler struct {
	auth     *auth.JWTManager
	sessions *sessionstore.Store
	registry *registry.Registry
	cfg      Config
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// New builds a Handler. reg is expected to already be wired with a Document
// factory (debounce/bus config, replica/awareness constructors) by
// cmd/collabdoc-server; Handler itself only needs registry.Get and the
// narrower documentAttacher surface of whatever it returns.
func New(authMgr *auth.JWTManager, sessions *sessionstore.Store, reg *registry.Registry, cfg Config, log zerolog.Logger) *Handler {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 256
	}
	return &Handler{
		auth:     authMgr,
		sessions: sessions,
		registry: reg,
		cfg:      cfg,
		log:      log,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			// The document name lives in the path, not the origin; this core
			// does not police cross-origin embedding (spec.md leaves
			// authorization entirely to the bearer token).
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP is the gin fallback handler (router.NoRoute) for "GET
// /<documentName>": the document path sits at the web root per spec.md §6,
// so it is wired as the catch-all behind the fixed /health and /stats
// routes rather than as a radix-tree wildcard, which would conflict with
// them. It performs the Accepted -> Authenticating -> Handshaking
// transitions of spec.md §4.5 and then hands off to Connection.run for the
// rest of the connection's life.
func (h *Handler) ServeHTTP(c *gin.Context) {
	documentName := strings.TrimPrefix(c.Request.URL.Path, "/")
	if documentName == "" {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	rawToken, echoSubprotocol, err := extractToken(c.Request)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws: auth extraction failed")
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	claims, err := h.auth.ValidateToken(rawToken)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws: token validation failed")
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	if h.sessions != nil {
		// Requires an external authority to have called sessionstore.Store.Create
		// for this jti; collabdoc-server only mints tokens in Mint's dev path.
		valid, err := h.sessions.IsValid(c.Request.Context(), claims.ID)
		if err != nil {
			h.log.Error().Err(err).Msg("ws: session validity check failed")
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		if !valid {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
	}

	doc, err := h.registry.Get(c.Request.Context(), documentName)
	if err != nil {
		h.log.Error().Err(err).Str("doc", documentName).Msg("ws: document lookup failed")
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	realDoc, ok := doc.(documentAttacher)
	if !ok {
		h.log.Error().Str("doc", documentName).Msg("ws: registry document does not support attach")
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	var responseHeader http.Header
	if echoSubprotocol != "" {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": {echoSubprotocol}}
	}

	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		// The upgrader has already written an HTTP error response.
		return
	}

	release := func() { h.registry.Release(documentName) }
	conn := newConnection(wsConn, claims, h.cfg, h.log.With().Str("doc", documentName).Logger(), release)
	go conn.run(realDoc)
}

// documentAttacher is the subset of *document.Document the connection
// handler needs. Declared here (rather than importing the concrete type
// directly into every call site) so registry.Document's narrower interface
// can be type-asserted up to it in one place.
type documentAttacher interface {
	Attach(conn document.Conn) (uint32, error)
	Detach(conn document.Conn)
	ApplyLocalUpdate(update []byte, conn document.Conn) error
	StateVector() []byte
	DiffSince(remoteStateVector []byte) []byte
	FullUpdate() []byte
	AwarenessFullState() []byte
	AwarenessSetLocal(clientID uint32, state json.RawMessage)
	AwarenessApplyRemote(raw []byte, excludeClientID uint32) error
}

// extractToken implements spec.md §6's authentication extraction: the
// Sec-WebSocket-Protocol "auth.<base64url-token>" entry takes priority over
// the "?token=" query parameter. echoSubprotocol is the exact subprotocol
// string the server must echo back (empty when the token came from the query
// string, since then no subprotocol was negotiated).
func extractToken(r *http.Request) (token string, echoSubprotocol string, err error) {
	for _, proto := range websocket.Subprotocols(r) {
		if strings.HasPrefix(proto, "auth.") {
			encoded := strings.TrimPrefix(proto, "auth.")
			raw, decodeErr := base64.RawURLEncoding.DecodeString(encoded)
			if decodeErr != nil {
				return "", "", fmt.Errorf("ws: malformed auth subprotocol: %w", decodeErr)
			}
			return string(raw), proto, nil
		}
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, "", nil
	}
	return "", "", fmt.Errorf("ws: no bearer token presented")
}

var connectionIDSeq uint64

func nextConnectionID() uint64 {
	return atomic.AddUint64(&connectionIDSeq, 1)
}
