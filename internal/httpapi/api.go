// Package httpapi exposes the REST surface of the chat service: token
// issuance and refresh, message history, health probes and metrics. The
// realtime path lives in the ws package; this layer covers everything a
// client does before and around the socket.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"

	"anonchat.org/internal/chat"
	"anonchat.org/internal/identity"
	"anonchat.org/internal/obs"
	"anonchat.org/internal/token"
)

// ReadyProbe reports whether the service's dependencies are reachable.
// With a nil DB the probe always passes (in-memory mode).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Config carries the collaborators and policy knobs for the HTTP layer.
type Config struct {
	Ready   ReadyProbe
	Version string

	Tokens *token.Service
	Users  identity.Store
	Store  chat.Store

	// DevMode enables /v1/auth/dev, the proof-less token endpoint.
	DevMode  bool
	BotToken string

	AllowedOrigins []string
	RateBurst      int
	RatePerSec     int
	MaxBodyBytes   int64
}

// API is the HTTP layer.
type API struct {
	mux *http.ServeMux
	cfg Config
}

func New(cfg Config) *API {
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 30
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	a := &API{
		mux: http.NewServeMux(),
		cfg: cfg,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// auth
	a.mux.HandleFunc("/v1/auth", a.handleAuth)
	a.mux.HandleFunc("/v1/auth/dev", a.handleAuthDev)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleAuthRefresh)

	// chat
	a.mux.HandleFunc("/v1/messages", a.handleMessages)
	a.mux.HandleFunc("/v1/users/check-name", a.handleCheckName)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	h := obs.Instrument(a.mux)
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.cfg.MaxBodyBytes)
	h = LoggingJSON(h)
	h = RateLimit(h, a.cfg.RateBurst, a.cfg.RatePerSec)
	h = CORS(h, a.cfg.AllowedOrigins)
	h = SecurityHeaders(h)
	return RequestID(h)
}
