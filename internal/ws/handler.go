// Package ws carries the per-connection session protocol: a connection
// arrives unauthenticated, authenticates once with an access credential (or
// a dev-mode fallback identity), is admitted into the registry and then
// exchanges chat frames until the transport closes. One goroutine reads a
// connection's frames sequentially; a second drains its outbound queue.
package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"anonchat.org/internal/chat"
	"anonchat.org/internal/hub"
	"anonchat.org/internal/identity"
	"anonchat.org/internal/obs"
	"anonchat.org/internal/token"
)

const (
	defaultAuthTimeout  = 10 * time.Second
	defaultStoreTimeout = 5 * time.Second
	defaultWriteWait    = 10 * time.Second

	// maxFrameBytes bounds inbound frames; content tops out at 1000
	// characters so anything larger is a protocol violation.
	maxFrameBytes = 8 << 10

	// sendBuffer is the per-connection outbound queue depth. A client
	// that stays this far behind a broadcast burst is dropped.
	sendBuffer = 32

	// maxViolations closes a connection after repeated malformed frames.
	maxViolations = 5

	// devExternalID names the well-known fallback identity admitted when
	// dev mode accepts a credential-less auth frame.
	devExternalID int64 = 999999
)

// Config controls handler behavior. DevMode must never be enabled in a
// production posture: it admits credential-less connections under a
// well-known fallback identity.
type Config struct {
	DevMode      bool
	AuthTimeout  time.Duration
	StoreTimeout time.Duration
	HistoryLimit int
	CheckOrigin  func(r *http.Request) bool
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = defaultAuthTimeout
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = defaultStoreTimeout
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = chat.DefaultHistoryLimit
	}
	return c
}

// Handler upgrades HTTP requests on the chat path into chat sessions.
type Handler struct {
	cfg      Config
	upgrader websocket.Upgrader
	registry *hub.Registry
	tokens   *token.Service
	users    identity.Store
	store    chat.Store
}

// NewHandler wires the session protocol to its collaborators.
func NewHandler(cfg Config, registry *hub.Registry, tokens *token.Service, users identity.Store, store chat.Store) *Handler {
	cfg = cfg.withDefaults()
	up := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if cfg.CheckOrigin != nil {
		up.CheckOrigin = cfg.CheckOrigin
	}
	return &Handler{
		cfg:      cfg,
		upgrader: up,
		registry: registry,
		tokens:   tokens,
		users:    users,
		store:    store,
	}
}

// ServeHTTP upgrades the request and runs the session until the transport
// closes. The read loop runs on the handler goroutine; writes are owned by
// the session's writer goroutine.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.LogRequest(map[string]any{
			"ts":    time.Now().UTC().Format(time.RFC3339Nano),
			"level": "warn",
			"msg":   "ws_upgrade_failed",
			"error": err.Error(),
		})
		return
	}
	s := newSession(h, conn)
	go s.writePump()
	s.readLoop()
}
