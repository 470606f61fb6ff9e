package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/websocket"

	"metaprofile.org/internal/auth"
	"metaprofile.org/internal/metadata"
	"metaprofile.org/internal/obs"
	"metaprofile.org/internal/registry"
	"metaprofile.org/internal/stream"
)

const serviceName = "metaprofile-api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the database when the Postgres backend is in use.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over a registry backend.
type API struct {
	mux        *http.ServeMux
	readyProbe readinessChecker
	version    string

	registry   registry.Service
	uris       *metadata.URIs
	stream     *stream.Stream
	challenges *auth.Challenges
	upgrader   websocket.Upgrader

	tokenTTL   time.Duration
	rateBurst  int
	ratePerSec int
	maxBody    int64
	proxies    []netip.Prefix
}

// Option configures API.
type Option func(*API)

// WithTokenTTL sets the lifetime of issued bearer tokens.
func WithTokenTTL(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.tokenTTL = d
		}
	}
}

// WithChallengeTTL sets how long a login challenge stays valid.
func WithChallengeTTL(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.challenges = auth.NewChallenges(d)
		}
	}
}

// WithRateLimit sets the per client token bucket.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst, a.ratePerSec = burst, perSecond
		}
	}
}

// WithMaxBodyBytes caps request bodies (default 1 MiB).
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// WithTrustedProxies lists the peers whose X-Forwarded-For header is believed
// when identifying clients for rate limiting.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(a *API) {
		a.proxies = append(a.proxies[:0:0], prefixes...)
	}
}

func New(rp readinessChecker, version string, reg registry.Service, uris *metadata.URIs, events *stream.Stream, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		registry:   reg,
		uris:       uris,
		stream:     events,
		challenges: auth.NewChallenges(5 * time.Minute),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || isLocalOrigin(origin)
			},
		},
		tokenTTL:   time.Hour,
		rateBurst:  40,
		ratePerSec: 20,
		maxBody:    1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/challenge", a.handleChallenge)
	a.mux.HandleFunc("POST /v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("POST /v1/assets", a.mint)
	a.mux.HandleFunc("GET /v1/assets/{id}", a.getAsset)
	a.mux.HandleFunc("DELETE /v1/assets/{id}", a.burn)
	a.mux.HandleFunc("POST /v1/assets/{id}/remint", a.remint)
	a.mux.HandleFunc("POST /v1/assets/{id}/lease", a.lease)
	a.mux.HandleFunc("GET /v1/assets/{id}/lease", a.leaseExpiry)
	a.mux.HandleFunc("POST /v1/assets/{id}/sublease", a.sublease)
	a.mux.HandleFunc("GET /v1/assets/{id}/sublease-allowed", a.subleaseAllowed)
	a.mux.HandleFunc("GET /v1/assets/{id}/roles", a.roles)
	a.mux.HandleFunc("GET /v1/assets/{id}/uri", a.tokenURI)

	a.mux.HandleFunc("PUT /v1/approvals/{operator}", a.setApproval)
	a.mux.HandleFunc("GET /v1/approvals/{owner}/{operator}", a.getApproval)
	a.mux.HandleFunc("GET /v1/owners/{address}/assets", a.ownerAssets)
	a.mux.HandleFunc("GET /v1/supply", a.supply)

	a.mux.Handle("PUT /v1/admin/base-uri", RequireRole(auth.RoleAdmin)(http.HandlerFunc(a.setBaseURI)))

	a.mux.HandleFunc("GET /v1/events/stream", a.Stream)
	a.mux.HandleFunc("GET /v1/events/ws", a.WebSocket)

	return a
}

// Handler returns the mux wrapped in the middleware chain and metrics.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec, a.proxies...)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	}
	if a.uris != nil {
		info["admin"] = a.uris.Admin().Hex()
		info["base_uri"] = a.uris.BaseURI()
	}
	writeJSON(w, http.StatusOK, info)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
