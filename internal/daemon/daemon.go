// Package daemon implements the supervisor that sequences CCO's start-up
// and shutdown: config/logging bootstrap, a non-fatal pre-launch update
// check, lazy optional-subsystem instantiation, listener binding,
// rendezvous publication, background watcher/metrics tasks, and an
// ordered graceful shutdown (spec §4.L). Grounded on the ordered
// multi-phase shutdown and bootstrap-then-configured-logger pattern used
// in this codebase's other entrypoint.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cco-dev/claude-code-orchestra/internal/adapter/otel"
	"github.com/cco-dev/claude-code-orchestra/internal/adapter/ristretto"
	"github.com/cco-dev/claude-code-orchestra/internal/config"
	"github.com/cco-dev/claude-code-orchestra/internal/connlimit"
	"github.com/cco-dev/claude-code-orchestra/internal/httpapi"
	"github.com/cco-dev/claude-code-orchestra/internal/knowledge"
	"github.com/cco-dev/claude-code-orchestra/internal/logger"
	"github.com/cco-dev/claude-code-orchestra/internal/metrics"
	metricsstore "github.com/cco-dev/claude-code-orchestra/internal/metrics/store"
	"github.com/cco-dev/claude-code-orchestra/internal/pty"
	"github.com/cco-dev/claude-code-orchestra/internal/rendezvous"
	"github.com/cco-dev/claude-code-orchestra/internal/terminal"
	"github.com/cco-dev/claude-code-orchestra/internal/transcript"
	"github.com/cco-dev/claude-code-orchestra/internal/update"
	"github.com/cco-dev/claude-code-orchestra/internal/version"
	"github.com/cco-dev/claude-code-orchestra/internal/watcher"
)

// shutdownBudget bounds how long background tasks get to stop cleanly
// before the supervisor gives up and exits anyway (spec §5 "500 ms
// budget").
const shutdownBudget = 500 * time.Millisecond

// ExitCode mirrors spec §6's exit code table.
type ExitCode int

const (
	ExitOK             ExitCode = 0
	ExitStartupFailure ExitCode = 1
	ExitBadArgs        ExitCode = 2
)

// exitError carries an ExitCode out of Run so main can set os.Exit without
// the supervisor importing os.Exit itself.
type exitError struct {
	code ExitCode
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// Code extracts the intended process exit code from an error returned by
// Run, defaulting to ExitStartupFailure for any other non-nil error.
func Code(err error) ExitCode {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitStartupFailure
}

// supervisor holds every subsystem handle the running daemon owns. Fields
// are nil until their instantiation step succeeds; KnowledgeStore and
// TerminalGateway may remain nil for the lifetime of the process if their
// optional setup fails (spec §4.L step 3).
type supervisor struct {
	cfg      *config.Config
	dataRoot string
	started  time.Time
	log      *slog.Logger
	logClose logger.Closer

	metricsStore *metricsstore.Store
	knowledge    *knowledge.Store
	connLimiter  *connlimit.Limiter
	gateway      *terminal.Gateway
	statsCache   *ristretto.Cache
	otelShutdown otel.ShutdownFunc
	otelMW       func(http.Handler) http.Handler

	snapMu sync.RWMutex
	snap   *metrics.Snapshot

	publisher *rendezvous.Publisher

	watcherCancel context.CancelFunc
	watcherDone   chan struct{}

	httpServer *http.Server
	listener   net.Listener
}

// Run parses args, boots every subsystem in the order spec §4.L
// describes, serves until SIGINT/SIGTERM, and shuts down in order. The
// returned error's Code() gives the process exit status.
func Run(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		return &exitError{code: ExitBadArgs, err: fmt.Errorf("daemon: %w", err)}
	}

	cfg, _, err := config.LoadWithCLI(flags)
	if err != nil {
		return &exitError{code: ExitBadArgs, err: fmt.Errorf("daemon: %w", err)}
	}

	// Bootstrap logger until the actual port (and therefore the rotating
	// log file's name) is known.
	bootstrap := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(bootstrap)

	sup := &supervisor{
		cfg:      cfg,
		dataRoot: expandHome(cfg.DataRoot),
		started:  time.Now().UTC(),
		log:      bootstrap,
		snap:     metrics.NewSnapshot(),
	}

	return sup.run()
}

func (s *supervisor) run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Step 2: blocking pre-launch update check. Failures are logged and
	// never abort start-up.
	s.preLaunchUpdateCheck(ctx)

	// Step 3: lazy sub-component instantiation. The metrics store is core
	// and aborts start-up on failure; knowledge and the terminal gateway
	// degrade to "not mounted" instead.
	if err := s.openMetricsStore(ctx); err != nil {
		return &exitError{code: ExitStartupFailure, err: err}
	}
	s.openKnowledgeStore(ctx)
	s.openTerminalGateway()
	s.openStatsCache()
	s.openTracing()

	// Step 4: bind the primary listener.
	addr := "127.0.0.1:" + s.cfg.Server.Port
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &exitError{code: ExitStartupFailure, err: fmt.Errorf("daemon: bind listener: %w", err)}
	}
	s.listener = ln
	actualPort := ln.Addr().(*net.TCPAddr).Port

	// Now that the port is known, switch to the rotating file logger
	// named after it (spec §6 "logs/cco-<port>.log").
	logPath := filepath.Join(s.dataRoot, "logs", fmt.Sprintf("cco-%d.log", actualPort))
	fileLog, closer := logger.NewFile(s.cfg.Logging, logPath)
	s.log = fileLog
	s.logClose = closer
	slog.SetDefault(fileLog)
	defer s.logClose.Close()

	s.log.Info("daemon starting", "port", actualPort, "data_root", s.dataRoot, "version", version.Build)

	// Step 5: publish the rendezvous record immediately, before serving.
	s.publisher = rendezvous.NewPublisher(s.dataRoot, rendezvous.Record{
		PID:       os.Getpid(),
		Port:      actualPort,
		Version:   version.Build,
		StartedAt: s.started,
	})
	if err := s.publisher.Publish(); err != nil {
		return &exitError{code: ExitStartupFailure, err: fmt.Errorf("daemon: publish rendezvous: %w", err)}
	}

	// Step 6: optional proxy/gateway listeners. CCO's gateway subsystem
	// (internal/terminal) is served on the primary router at "/terminal"
	// rather than a separate listener, so only the proxy listener (if
	// enabled) binds a second port here.
	if s.cfg.Server.ProxyEnabled {
		if err := s.bindProxyListener(); err != nil {
			s.log.Warn("daemon: proxy listener failed to bind, continuing without it", "error", err)
		}
	}
	if s.gateway != nil {
		if err := s.publisher.SetGatewayPort(actualPort); err != nil {
			s.log.Warn("daemon: failed to record gateway port", "error", err)
		}
	}

	// Step 7: background watcher + metrics persistence tasks.
	s.startWatcher(ctx)

	// Step 8: serve until signalled.
	router := s.buildRouter(actualPort)
	s.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		s.log.Info("daemon serving", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		s.log.Info("daemon received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			s.log.Error("daemon: http server failed", "error", err)
		}
	}

	s.shutdown()
	return nil
}

// preLaunchUpdateCheck runs Check once, non-fatally, before the rest of
// start-up proceeds, but only when the persisted schedule says a check is
// actually due (spec §4.L step 2, §4.B "scheduling": enabled, interval is
// daily/weekly, and elapsed time since the last recorded check exceeds that
// interval; a missing last_check is always due, "never" always skips).
func (s *supervisor) preLaunchUpdateCheck(ctx context.Context) {
	if !s.cfg.Update.Enabled {
		return
	}

	eventLogPath := filepath.Join(s.dataRoot, "logs", "updates.log")
	evLog := update.NewEventLogger(eventLogPath)
	defer evLog.Close()

	statePath := filepath.Join(s.dataRoot, "update-state.json")
	engine, err := update.New(update.Options{
		FeedURL:     s.cfg.Update.FeedURL,
		Channel:     s.cfg.Update.Channel,
		Current:     version.MustParse(version.Build),
		HTTPTimeout: s.cfg.Update.HTTPTimeout,
		StatePath:   statePath,
		Logger:      evLog,
	})
	if err != nil {
		s.log.Warn("daemon: update engine unavailable, skipping pre-launch check", "error", err)
		return
	}

	schedule := update.Schedule{
		Enabled:   s.cfg.Update.Enabled,
		Interval:  update.Interval(s.cfg.Update.Interval),
		LastCheck: engine.LastCheck(),
	}
	if !schedule.Due(time.Now()) {
		s.log.Info("daemon: update check not due, skipping", "last_check", schedule.LastCheck)
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, s.cfg.Update.HTTPTimeout+5*time.Second)
	defer cancel()

	artifact, err := engine.Check(checkCtx)
	switch {
	case errors.Is(err, update.ErrUpToDate):
		s.log.Info("daemon: up to date", "version", version.Build)
	case err != nil:
		s.log.Warn("daemon: pre-launch update check failed, continuing", "error", err)
	default:
		s.log.Info("daemon: update available", "current", version.Build, "available", artifact.Version)
		if s.cfg.Update.AutoConfirm {
			if err := engine.Install(checkCtx, artifact, true, nil); err != nil {
				s.log.Warn("daemon: auto-update install failed, continuing on current version", "error", err)
			}
		}
	}
}

// openMetricsStore opens the shared metrics.db. Its failure is fatal: the
// metrics aggregator is a core subsystem, not an optional one.
func (s *supervisor) openMetricsStore(ctx context.Context) error {
	dbPath := filepath.Join(s.dataRoot, "metrics.db")
	st, err := metricsstore.Open(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("daemon: open metrics store: %w", err)
	}
	s.metricsStore = st

	snap, err := st.LatestSnapshot(ctx)
	if err != nil {
		s.log.Warn("daemon: failed to load persisted snapshot, starting empty", "error", err)
		return nil
	}
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
	return nil
}

// openKnowledgeStore opens the per-repository knowledge database. Failure
// is logged and the daemon continues with knowledge routes unmounted
// (spec §4.L step 3).
func (s *supervisor) openKnowledgeStore(ctx context.Context) {
	repo := repositoryName()
	ks, err := knowledge.Open(ctx, filepath.Join(s.dataRoot, "knowledge"), repo, s.log)
	if err != nil {
		s.log.Warn("daemon: knowledge store unavailable, /api/knowledge will not be mounted", "error", err)
		return
	}
	s.knowledge = ks
}

// openTerminalGateway wires the PTY spawner, per-IP limiter and WebSocket
// bridge. It never fails outright: a PTY shell resolution failure only
// surfaces when a client actually connects.
func (s *supervisor) openTerminalGateway() {
	if !s.cfg.Server.GatewayEnabled {
		return
	}

	s.connLimiter = connlimit.New(s.cfg.Terminal.MaxConnectionsPerIP)

	spawn := func() (*pty.Session, error) {
		return pty.Spawn(pty.Options{
			Shell:        s.cfg.PTY.Shell,
			InitialCols:  s.cfg.PTY.InitialCols,
			InitialRows:  s.cfg.PTY.InitialRows,
			CloseTimeout: s.cfg.PTY.CloseTimeout,
		}, s.log)
	}

	s.gateway = terminal.New(terminal.Options{
		IdleTimeout:        s.cfg.Terminal.IdleTimeout,
		ReaderTickInterval: s.cfg.Terminal.ReaderTickInterval,
		LivenessInterval:   s.cfg.Terminal.LivenessInterval,
		MaxFrameBytes:      s.cfg.Terminal.MaxFrameBytes,
	}, s.connLimiter, spawn, s.log)
}

// openStatsCache creates the in-process response cache fronting GET
// /api/stats. Failure is logged and the daemon continues uncached.
func (s *supervisor) openStatsCache() {
	cache, err := ristretto.New(s.cfg.Cache.MaxSizeMB * 1024 * 1024)
	if err != nil {
		s.log.Warn("daemon: stats cache unavailable, /api/stats will compute every request", "error", err)
		return
	}
	s.statsCache = cache
}

// openTracing initialises OpenTelemetry tracing when config.OTEL.Enabled is
// set. It is entirely optional: failure is logged and the daemon continues
// untraced (SPEC_FULL "optional request tracing middleware").
func (s *supervisor) openTracing() {
	if !s.cfg.OTEL.Enabled {
		return
	}

	shutdown, err := otel.InitTracer(otel.OTELConfig{
		Enabled:     s.cfg.OTEL.Enabled,
		Endpoint:    s.cfg.OTEL.Endpoint,
		ServiceName: s.cfg.OTEL.ServiceName,
		Insecure:    s.cfg.OTEL.Insecure,
		SampleRate:  s.cfg.OTEL.SampleRate,
	})
	if err != nil {
		s.log.Warn("daemon: tracing unavailable, continuing untraced", "error", err)
		return
	}
	s.otelShutdown = shutdown
	s.otelMW = otel.HTTPMiddleware(s.cfg.OTEL.ServiceName)
}

// bindProxyListener binds an OS-assigned port for the optional reverse
// proxy surface and records it in the rendezvous file. The proxy itself
// forwards to the primary router; it has no distinct routes of its own.
func (s *supervisor) bindProxyListener() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("bind proxy listener: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := s.publisher.SetProxyPort(port); err != nil {
		ln.Close()
		return fmt.Errorf("record proxy port: %w", err)
	}

	go func() {
		proxy := &http.Server{Handler: s.httpServer.Handler}
		if err := proxy.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("daemon: proxy listener stopped", "error", err)
		}
	}()
	return nil
}

// startWatcher launches the transcript watcher's initial scan and steady
// state as a background task, folding every parsed event into the shared
// snapshot and persisting daily rollups (spec §4.L step 7).
func (s *supervisor) startWatcher(ctx context.Context) {
	watchCtx, cancel := context.WithCancel(ctx)
	s.watcherCancel = cancel
	s.watcherDone = make(chan struct{})

	w := watcher.New(
		expandHome(s.cfg.Watcher.TranscriptRoot),
		s.cfg.Watcher.DebounceInterval,
		s.cfg.Watcher.FallbackInterval,
		s.log,
		s.handleWatcherBatch,
	)

	go func() {
		defer close(s.watcherDone)
		if err := w.Run(watchCtx); err != nil {
			s.log.Error("daemon: watcher stopped", "error", err)
		}
	}()
}

// handleWatcherBatch folds one parsed batch into the in-memory snapshot,
// registers a new conversation on first sight, and persists both the
// latest snapshot and today's per-model rollup.
func (s *supervisor) handleWatcherBatch(project, _ string, result transcript.Result, isNewFile bool) error {
	s.snapMu.Lock()
	if isNewFile {
		s.snap.RegisterConversation(project)
	}
	s.snap.FoldAll(project, result.Events)
	snapCopy := s.snap.Clone()
	s.snapMu.Unlock()

	ctx := context.Background()
	if s.metricsStore == nil {
		return nil
	}
	if err := s.metricsStore.SaveSnapshot(ctx, snapCopy); err != nil {
		s.log.Warn("daemon: failed to persist snapshot", "error", err)
	}

	today := time.Now().UTC().Format("2006-01-02")
	perModel := make(map[string]metrics.Totals)
	for _, ev := range result.Events {
		norm := metrics.Normalise(ev.Model)
		t := perModel[norm]
		price := metrics.PricingFor(ev.Model)
		t.InputTokens += ev.Usage.InputTokens
		t.OutputTokens += ev.Usage.OutputTokens
		t.CacheWriteTokens += ev.Usage.CacheCreationInputTokens
		t.CacheReadTokens += ev.Usage.CacheReadInputTokens
		t.Cost += metrics.Cost(ev.Usage.InputTokens, price.Input) +
			metrics.Cost(ev.Usage.OutputTokens, price.Output) +
			metrics.Cost(ev.Usage.CacheCreationInputTokens, price.CacheWrite) +
			metrics.Cost(ev.Usage.CacheReadInputTokens, price.CacheRead)
		t.MessageCount++
		perModel[norm] = t
	}
	for model, t := range perModel {
		if err := s.metricsStore.UpsertDailyRollup(ctx, today, model, t); err != nil {
			s.log.Warn("daemon: failed to upsert daily rollup", "model", model, "error", err)
		}
	}
	return nil
}

func (s *supervisor) buildRouter(actualPort int) http.Handler {
	return httpapi.NewRouter(httpapi.Options{
		Version:         version.MustParse(version.Build),
		StartedAt:       s.started,
		ActualPort:      actualPort,
		CORSOrigin:      s.cfg.Server.CORSOrigin,
		BearerToken:     s.cfg.Auth.BearerToken,
		Snapshot:        s.currentSnapshot,
		MetricsStore:    s.metricsStore,
		KnowledgeStore:  s.knowledge,
		TerminalGateway: s.gateway,
		Shutdown:        s.requestShutdown,
		SubsystemStatus: s.subsystemStatus,
		ActiveTerminalConnections: func() int {
			if s.connLimiter == nil {
				return 0
			}
			return s.connLimiter.TotalCount()
		},
		StatsCache:     s.statsCache,
		OTELMiddleware: s.otelMW,
		Logger:         s.log,
	})
}

func (s *supervisor) currentSnapshot() *metrics.Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap.Clone()
}

func (s *supervisor) subsystemStatus() []httpapi.SubsystemStatus {
	return []httpapi.SubsystemStatus{
		{Name: "metrics_store", Up: s.metricsStore != nil},
		{Name: "knowledge", Up: s.knowledge != nil},
		{Name: "terminal_gateway", Up: s.gateway != nil},
	}
}

// requestShutdown lets the HTTP /api/shutdown handler trigger the same
// ordered shutdown path as an OS signal would, by closing the listener
// (unblocking Serve) rather than calling os.Exit directly.
func (s *supervisor) requestShutdown() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
	}
}

// shutdown runs the ordered teardown: stop serving, signal the watcher to
// stop and wait up to the shutdown budget, remove the rendezvous file,
// then close storage handles (spec §4.L step 8, §5 "500 ms budget").
func (s *supervisor) shutdown() {
	s.log.Info("daemon shutdown: stopping http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("daemon shutdown: http server shutdown error", "error", err)
		}
	}

	if s.watcherCancel != nil {
		s.log.Info("daemon shutdown: signalling watcher to stop")
		s.watcherCancel()
		select {
		case <-s.watcherDone:
		case <-time.After(shutdownBudget):
			s.log.Warn("daemon shutdown: watcher did not stop within budget, abandoning it")
		}
	}

	if s.publisher != nil {
		if err := s.publisher.Remove(); err != nil {
			s.log.Warn("daemon shutdown: failed to remove rendezvous file", "error", err)
		}
	}

	if s.knowledge != nil {
		if err := s.knowledge.Close(); err != nil {
			s.log.Warn("daemon shutdown: knowledge store close error", "error", err)
		}
	}
	if s.metricsStore != nil {
		if err := s.metricsStore.Close(); err != nil {
			s.log.Warn("daemon shutdown: metrics store close error", "error", err)
		}
	}
	if s.statsCache != nil {
		s.statsCache.Close()
	}
	if s.otelShutdown != nil {
		if err := s.otelShutdown(shutdownCtx); err != nil {
			s.log.Warn("daemon shutdown: tracer shutdown error", "error", err)
		}
	}

	s.log.Info("daemon shutdown complete")
}

// expandHome replaces a leading "~" in path with the current user's home
// directory. Paths without that prefix are returned unchanged.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/"))
}

// repositoryName derives the knowledge store's repository scope from the
// current working directory's base name (spec §4.J "the repository is
// baked into the storage path").
func repositoryName() string {
	wd, err := os.Getwd()
	if err != nil {
		return "default"
	}
	name := filepath.Base(wd)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "default"
	}
	return name
}
