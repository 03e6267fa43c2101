// ABOUTME: Server wires config into store, notifiers, managers and the HTTP API
// ABOUTME: Owns the run and graceful shutdown lifecycle of every component it opens

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/2389/parley/internal/api"
	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/config"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/dedupe"
	"github.com/2389/parley/internal/metrics"
	"github.com/2389/parley/internal/notify"
	"github.com/2389/parley/internal/store"
)

// Server is a fully wired parley instance.
type Server struct {
	config        *config.Config
	store         store.Store
	notifier      notify.Notifier
	broadcaster   *notify.Broadcaster
	dedupe        *dedupe.Cache
	conversations *conversation.Manager
	messages      *conversation.MessageManager
	httpServer    *http.Server
	stopForward   context.CancelFunc
	logger        *slog.Logger
}

// OpenStore opens the store selected by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite, "":
		s, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("initializing sqlite store: %w", err)
		}
		return s, nil
	case config.DriverMongo:
		s, err := store.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("initializing mongo store: %w", err)
		}
		return s, nil
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}

// New opens the store and notifiers and builds the HTTP server. Nothing listens
// until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		config:      cfg,
		store:       s,
		broadcaster: notify.NewBroadcaster(logger),
		logger:      logger.With("component", "server"),
	}

	if err := srv.initNotifier(ctx, logger); err != nil {
		srv.closeComponents()
		return nil, err
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		srv.closeComponents()
		return nil, fmt.Errorf("creating token verifier: %w", err)
	}
	var directory auth.UserDirectory
	if cfg.Auth.RequireKnownUser {
		directory = s
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	if cfg.Dedupe.TTL > 0 && cfg.Dedupe.MaxEntries > 0 {
		srv.dedupe = dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxEntries)
	}

	srv.conversations = conversation.NewManager(s, srv.notifier, m, logger)
	srv.messages = conversation.NewMessageManager(s, srv.conversations, srv.notifier, srv.dedupe, m, logger)

	opts := api.Options{
		Conversations: srv.conversations,
		Messages:      srv.messages,
		Events:        srv.broadcaster,
		Auth:          auth.HTTPAuthMiddleware(verifier, directory, logger),
		Ready:         s.Ping,
		Logger:        logger,
	}
	if cfg.Metrics.Enabled {
		opts.Metrics = metrics.Handler(reg)
		opts.MetricsPath = cfg.Metrics.Path
	}

	srv.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.New(opts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv.logger.Info("server configured",
		"database", cfg.Database.Driver,
		"notify", cfg.Notify.Drivers,
		"dedupe", srv.dedupe != nil,
		"metrics", cfg.Metrics.Enabled)

	return srv, nil
}

// initNotifier assembles the configured notification drivers. With Redis
// enabled the local broadcaster is fed from Redis so every instance's SSE
// clients see every event exactly once.
func (s *Server) initNotifier(ctx context.Context, logger *slog.Logger) error {
	ncfg := s.config.Notify
	var notifiers []notify.Notifier

	if ncfg.Enabled(config.NotifyRedis) {
		rn, err := notify.NewRedisNotifier(ctx, ncfg.RedisURL, ncfg.ChannelPrefix, logger)
		if err != nil {
			return fmt.Errorf("initializing redis notifier: %w", err)
		}
		notifiers = append(notifiers, rn)

		if ncfg.Enabled(config.NotifyBroadcast) {
			fwdCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			if err := rn.Forward(fwdCtx, s.broadcaster.Deliver); err != nil {
				cancel()
				_ = rn.Close()
				return fmt.Errorf("forwarding redis events: %w", err)
			}
			s.stopForward = cancel
		}
	} else if ncfg.Enabled(config.NotifyBroadcast) {
		notifiers = append(notifiers, s.broadcaster)
	}

	if ncfg.Enabled(config.NotifyAsynq) {
		an, err := notify.NewAsynqNotifier(ncfg.RedisURL, logger)
		if err != nil {
			for _, n := range notifiers {
				_ = n.Close()
			}
			if s.stopForward != nil {
				s.stopForward()
			}
			return fmt.Errorf("initializing asynq notifier: %w", err)
		}
		notifiers = append(notifiers, an)
	}

	if len(notifiers) == 0 {
		s.notifier = notify.Nop{}
		return nil
	}
	s.notifier = notify.NewMulti(ncfg.PublishTimeout, notifiers...)
	return nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Store returns the server's store.
func (s *Server) Store() store.Store {
	return s.store
}

// Run listens on the configured address and blocks until ctx is canceled or
// the HTTP server fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		s.closeComponents()
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()
	shutdownErr := s.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.config.Server.ShutdownTimeout > 0 {
		return s.config.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, waits for in-flight ones, then closes
// notifiers and the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")

	// Open SSE streams end when the broadcaster closes their channels
	_ = s.broadcaster.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	errs = append(errs, s.closeComponents()...)

	return errors.Join(errs...)
}

// closeComponents releases everything New opened.
func (s *Server) closeComponents() []error {
	var errs []error
	if s.stopForward != nil {
		s.stopForward()
	}
	if s.notifier != nil {
		errs = appendCloseError(errs, "notifier close", s.notifier.Close())
	}
	_ = s.broadcaster.Close()
	if s.dedupe != nil {
		s.dedupe.Close()
	}
	errs = appendCloseError(errs, "store close", s.store.Close())
	return errs
}
