// Package api assembles and serves the ConciergePipe service: the admin/ops
// HTTP surface plus the wiring that connects storage, the GenAI client, the
// messaging transport, and the conversation engine.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/ConciergePipe/internal/flow"
	"github.com/BTreeMap/ConciergePipe/internal/genai"
	"github.com/BTreeMap/ConciergePipe/internal/lockfile"
	"github.com/BTreeMap/ConciergePipe/internal/messaging"
	"github.com/BTreeMap/ConciergePipe/internal/recovery"
	"github.com/BTreeMap/ConciergePipe/internal/scheduler"
	"github.com/BTreeMap/ConciergePipe/internal/selftest"
	"github.com/BTreeMap/ConciergePipe/internal/store"
	"github.com/BTreeMap/ConciergePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ConciergePipe/internal/whatsapp"
)

// Default configuration values for the API server.
const (
	// DefaultAddr is the default API server listen address.
	DefaultAddr = ":8080"
	// DefaultSweepSchedule runs the stale session sweep at 04:00 daily.
	DefaultSweepSchedule = "0 4 * * *"
	// DefaultSessionTTL is how long an idle session survives before the sweep removes it.
	DefaultSessionTTL = 720 * time.Hour
	// DefaultShutdownTimeout bounds graceful HTTP shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultReadHeaderTimeout bounds how long a client may take to send request headers.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultSelfTestTimeout bounds the run-diagnostics-and-exit mode.
	DefaultSelfTestTimeout = 30 * time.Second
)

// Messaging transport names accepted by WithTransport.
const (
	TransportWhatsApp = "whatsapp"
	TransportTwilio   = "twilio"
	TransportNone     = "none"
)

// Opts holds configuration for the API server and the Run assembly.
type Opts struct {
	Addr          string
	DataDir       string
	CatalogFile   string
	Transport     string
	SweepSchedule string
	SessionTTL    time.Duration
	SelfTestOnly  bool
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the API server listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithDataDir sets the data directory guarded by the instance lock.
func WithDataDir(dir string) Option {
	return func(o *Opts) { o.DataDir = dir }
}

// WithCatalogFile sets a YAML file that replaces parts of the built-in
// question catalog.
func WithCatalogFile(path string) Option {
	return func(o *Opts) { o.CatalogFile = path }
}

// WithTransport selects the messaging transport: whatsapp, twilio, or none.
func WithTransport(transport string) Option {
	return func(o *Opts) { o.Transport = transport }
}

// WithSweepSchedule sets the cron expression for the stale session sweep.
func WithSweepSchedule(expr string) Option {
	return func(o *Opts) { o.SweepSchedule = expr }
}

// WithSessionTTL sets how long idle sessions are kept before being swept.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.SessionTTL = ttl }
}

// WithSelfTestOnly makes Run execute the built-in diagnostics and exit
// instead of serving.
func WithSelfTestOnly() Option {
	return func(o *Opts) { o.SelfTestOnly = true }
}

// Server hosts the admin/ops HTTP endpoints over the assembled service
// dependencies. The messaging service may be nil when no transport is
// configured; everything except sender canonicalization and the Twilio
// webhook works without one.
type Server struct {
	msgService messaging.Service
	engine     *flow.Engine
	st         store.Store
	memStore   store.MemoryRepo
	selfTest   *selftest.Runner
	addr       string
	mux        *http.ServeMux
	httpServer *http.Server
}

// NewServer creates a Server with its routes registered.
func NewServer(msgService messaging.Service, engine *flow.Engine, st store.Store, memStore store.MemoryRepo, selfTest *selftest.Runner, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		msgService: msgService,
		engine:     engine,
		st:         st,
		memStore:   memStore,
		selfTest:   selfTest,
		addr:       cfg.Addr,
		mux:        http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// registerRoutes mounts every endpoint on the server's mux.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/metrics", s.metricsHandler)
	s.mux.HandleFunc("/metrics/reset", s.resetMetricsHandler)
	s.mux.HandleFunc("/memory/", s.memoryHandler)
	s.mux.HandleFunc("/sessions", s.sessionsHandler)
	s.mux.HandleFunc("/sessions/", s.sessionsHandler)
	s.mux.HandleFunc("/selftest", s.selfTestHandler)
	s.mux.HandleFunc("/turn", s.turnHandler)

	// The Twilio transport receives inbound messages over HTTP, so its
	// webhook is mounted on the same server.
	if ts, ok := s.msgService.(*messaging.TwilioService); ok {
		s.mux.HandleFunc("/twilio/webhook", ts.TwilioWebhookHandler)
		slog.Info("Server.registerRoutes: Twilio webhook mounted", "path", "/twilio/webhook")
	}
}

// Handler exposes the route table, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start runs the HTTP server until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	slog.Info("Server.Start: API server listening", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// sweepSessions deletes sessions idle longer than ttl. The engine's cached
// copies are invalidated as well so a swept participant genuinely starts over.
func (s *Server) sweepSessions(ctx context.Context, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	sessions, err := s.st.ListSessions(ctx)
	if err != nil {
		slog.Error("Server.sweepSessions: failed to list sessions", "error", err)
		return
	}
	cutoff := time.Now().Add(-ttl)
	swept := 0
	for i := range sessions {
		if sessions[i].UpdatedAt.After(cutoff) {
			continue
		}
		participantID := sessions[i].ParticipantID
		if err := s.st.DeleteSession(ctx, participantID); err != nil {
			slog.Error("Server.sweepSessions: failed to delete session", "error", err, "participant", participantID)
			continue
		}
		s.engine.InvalidateSession(participantID)
		swept++
	}
	if swept > 0 {
		slog.Info("Server.sweepSessions: stale sessions removed", "count", swept, "scanned", len(sessions), "ttl", ttl)
	} else {
		slog.Debug("Server.sweepSessions: no stale sessions", "scanned", len(sessions), "ttl", ttl)
	}
}

// Run assembles the service from the per-module option slices and serves it
// until SIGINT or SIGTERM: state store, memory store, question catalog, GenAI
// client, conversation engine, startup session audit, messaging transport,
// maintenance scheduler, and the HTTP server.
func Run(waOpts []whatsapp.Option, stateOpts []store.Option, memoryOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	cfg := Opts{
		Addr:          DefaultAddr,
		Transport:     TransportWhatsApp,
		SweepSchedule: DefaultSweepSchedule,
		SessionTTL:    DefaultSessionTTL,
	}
	for _, opt := range apiOpts {
		opt(&cfg)
	}

	// Refuse to share a data directory with another running instance.
	if cfg.DataDir != "" {
		lock, err := lockfile.AcquireLock(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to acquire instance lock: %w", err)
		}
		defer lock.Release()
	}

	stateStore, err := buildStore(stateOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize state store: %w", err)
	}
	defer stateStore.Close()
	slog.Info("Run: state store initialized")

	// The memory store defaults to the state store when no separate DSN is
	// configured.
	memStore := stateStore
	if len(memoryOpts) > 0 {
		ms, err := buildStore(memoryOpts)
		if err != nil {
			return fmt.Errorf("failed to initialize memory store: %w", err)
		}
		defer ms.Close()
		memStore = ms
		slog.Info("Run: separate memory store initialized")
	}

	catalog := flow.NewCatalog()
	if cfg.CatalogFile != "" {
		if err := catalog.LoadFile(cfg.CatalogFile); err != nil {
			return fmt.Errorf("failed to load flow catalog: %w", err)
		}
		slog.Info("Run: flow catalog loaded", "path", cfg.CatalogFile)
	}

	selfTest := selftest.NewRunner(memStore, stateStore)
	if cfg.SelfTestOnly {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultSelfTestTimeout)
		defer cancel()
		fmt.Println(selfTest.Report(ctx))
		return nil
	}

	gaClient, err := genai.NewClient(append(genaiOpts, genai.WithMetricsSink(stateStore))...)
	if err != nil {
		return fmt.Errorf("failed to initialize GenAI client: %w", err)
	}

	turns := flow.NewTurnProcessor(catalog)
	dispatcher := flow.NewDispatcher(gaClient, memStore, stateStore)
	engine := flow.NewEngine(turns, dispatcher, stateStore, stateStore, stateStore)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Audit persisted sessions before accepting traffic, so a catalog change
	// or corrupt row surfaces in the logs now rather than mid-conversation.
	auditor := recovery.NewAuditor(stateStore, catalog, stateStore)
	if report, auditErr := auditor.Run(ctx); auditErr != nil {
		slog.Warn("Run: session audit failed", "error", auditErr)
	} else {
		slog.Info("Run: session audit complete", "scanned", report.Scanned, "resumed", report.Resumed, "repaired", report.Repaired)
	}

	var msgService messaging.Service
	switch cfg.Transport {
	case TransportWhatsApp, "":
		waClient, waErr := whatsapp.NewClient(waOpts...)
		if waErr != nil {
			return fmt.Errorf("failed to initialize WhatsApp client: %w", waErr)
		}
		msgService = messaging.NewWhatsAppService(waClient)
	case TransportTwilio:
		twClient, twErr := twiliowhatsapp.NewClient()
		if twErr != nil {
			return fmt.Errorf("failed to initialize Twilio client: %w", twErr)
		}
		msgService = messaging.NewTwilioService(twClient)
	case TransportNone:
		slog.Warn("Run: no messaging transport configured, serving API only")
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	if msgService != nil {
		if err := msgService.Start(ctx); err != nil {
			return fmt.Errorf("failed to start messaging service: %w", err)
		}
		defer msgService.Stop()

		respHandler := messaging.NewResponseHandler(engine, msgService)
		respHandler.Start(ctx)
	}

	server := NewServer(msgService, engine, stateStore, memStore, selfTest, WithAddr(cfg.Addr))

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	ttl := cfg.SessionTTL
	if err := sched.AddJob(cfg.SweepSchedule, func() {
		server.sweepSessions(context.Background(), ttl)
	}); err != nil {
		return fmt.Errorf("failed to schedule session sweep: %w", err)
	}
	slog.Info("Run: session sweep scheduled", "schedule", cfg.SweepSchedule, "ttl", ttl, "next_run", sched.NextRun())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Run: shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	slog.Info("Run: shutdown complete")
	return nil
}

// buildStore opens the storage backend selected by the DSN carried in opts.
// With no DSN everything is kept in memory, which suits tests and throwaway
// runs but loses state on restart.
func buildStore(opts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Warn("buildStore: no DSN configured, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	switch dsnType := store.DetectDSNType(cfg.DSN); dsnType {
	case "postgres":
		slog.Debug("buildStore: opening PostgreSQL store")
		return store.NewPostgresStore(opts...)
	case "redis":
		slog.Debug("buildStore: opening Redis store")
		return store.NewRedisStore(opts...)
	case "file":
		slog.Debug("buildStore: opening file store")
		return store.NewFileStore(opts...)
	default:
		slog.Debug("buildStore: opening SQLite store", "dsn_type", dsnType)
		return store.NewSQLiteStore(opts...)
	}
}
