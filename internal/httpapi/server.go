// Package httpapi assembles the single HTTP router exposed on the primary
// port: health/readiness, shutdown, aggregated stats, knowledge routes
// gated behind bearer auth, and the loopback-only terminal WebSocket
// (spec §4.K). Grounded on the chi router wiring and request-logging
// middleware used elsewhere in this codebase.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/cco-dev/claude-code-orchestra/internal/adapter/ristretto"
	"github.com/cco-dev/claude-code-orchestra/internal/knowledge"
	"github.com/cco-dev/claude-code-orchestra/internal/metrics"
	"github.com/cco-dev/claude-code-orchestra/internal/metrics/store"
	"github.com/cco-dev/claude-code-orchestra/internal/terminal"
	"github.com/cco-dev/claude-code-orchestra/internal/version"
)

// SnapshotProvider returns the current aggregated metrics snapshot.
type SnapshotProvider func() *metrics.Snapshot

// SubsystemStatus reports one optional subsystem's up/down state for the
// health endpoint's "hooks sub-status" (spec §4.K "GET /health").
type SubsystemStatus struct {
	Name string
	Up   bool
}

// Options configures the router. KnowledgeStore and TerminalGateway may be
// nil if that optional subsystem failed to start (spec §4.L step 3
// "instantiate sub-components lazily"); their routes are then not mounted.
// MetricsStore may be nil, in which case GET /api/stats carries no activity
// tail.
type Options struct {
	Version         version.Version
	StartedAt       time.Time
	ActualPort      int
	CORSOrigin      string
	BearerToken     string // empty leaves the knowledge routes unmounted
	Snapshot        SnapshotProvider
	MetricsStore    *store.Store
	KnowledgeStore  *knowledge.Store
	TerminalGateway *terminal.Gateway
	Shutdown        func()
	SubsystemStatus func() []SubsystemStatus
	// ActiveTerminalConnections reports the current number of live
	// terminal-gateway connections across all IPs, surfaced on /health as
	// the "active_terminal_connections" gauge (spec §4.H). Nil when the
	// gateway subsystem is not running.
	ActiveTerminalConnections func() int
	// StatsCache, when set, fronts GET /api/stats with a short-TTL
	// in-process cache keyed by time_range.
	StatsCache *ristretto.Cache
	// OTELMiddleware, when set, wraps every request in an OpenTelemetry
	// span (spec SPEC_FULL "optional request tracing middleware", gated by
	// config.OTEL.Enabled upstream; nil here means tracing is off).
	OTELMiddleware func(http.Handler) http.Handler
	Logger         *slog.Logger
}

// NewRouter builds the chi router described in spec §4.K.
func NewRouter(opts Options) http.Handler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(RequestLogger(log))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(CORS(opts.CORSOrigin))
	r.Use(chimw.Timeout(30 * time.Second))
	if opts.OTELMiddleware != nil {
		r.Use(opts.OTELMiddleware)
	}

	h := &handlers{opts: opts, logger: log}

	r.Get("/health", h.health)
	r.Get("/ready", h.ready)
	r.Post("/api/shutdown", h.shutdown)
	r.Get("/api/stats", h.stats)

	if opts.KnowledgeStore != nil && opts.BearerToken != "" {
		r.Route("/api/knowledge", func(kr chi.Router) {
			kr.Use(BearerAuth(opts.BearerToken))
			mountKnowledgeRoutes(kr, opts.KnowledgeStore, log)
		})
	}

	if opts.TerminalGateway != nil {
		r.Handle("/terminal", terminal.LoopbackOnly(http.HandlerFunc(opts.TerminalGateway.ServeHTTP)))
	}

	return r
}
