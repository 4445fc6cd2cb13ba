// ABOUTME: Gateway orchestrator that wires the store, conversation service, hub and HTTP server
// ABOUTME: Manages the server lifecycle, health endpoints and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/2389/storechat/internal/auth"
	"github.com/2389/storechat/internal/config"
	"github.com/2389/storechat/internal/conversation"
	"github.com/2389/storechat/internal/dedupe"
	"github.com/2389/storechat/internal/events"
	"github.com/2389/storechat/internal/hub"
	"github.com/2389/storechat/internal/store"
)

// Gateway runs the storechat HTTP API and websocket hub on one listener.
type Gateway struct {
	config       *config.Config
	store        store.Store
	conversation *conversation.Service
	hub          *hub.Hub
	httpServer   *http.Server
	resolver     *auth.Resolver
	publisher    events.Publisher
	logger       *slog.Logger

	// dedupe short-circuits repeated client message ids
	dedupe *dedupe.Cache

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore creates the configured store. STORECHAT_DB_PATH overrides the
// sqlite path.
func initStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("initializing postgres store: %w", err)
		}
		return s, nil
	default:
		dbPath := cfg.Database.Path
		if envPath := os.Getenv("STORECHAT_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	}
}

// initPublisher connects to the broker when events are enabled. A broker that
// cannot be reached at startup degrades to the logging publisher rather than
// keeping the chat down.
func initPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger) events.Publisher {
	if !cfg.Events.Enabled {
		return events.NewFallback(logger)
	}
	p, err := events.NewRabbitPublisher(ctx, events.RabbitOptions{
		URL:      cfg.Events.AMQPURL,
		Exchange: cfg.Events.Exchange,
	}, logger.With("component", "events"))
	if err != nil {
		logger.Warn("event broker unavailable, integration events will only be logged", "error", err)
		return events.NewFallback(logger)
	}
	logger.Info("publishing integration events", "exchange", cfg.Events.Exchange)
	return p
}

// New creates a gateway from cfg. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx := context.Background()

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	s, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	dedupeCache := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize)
	publisher := initPublisher(ctx, cfg, logger)
	broadcaster := conversation.NewEventBroadcaster(cfg.Hub.SendBuffer, logger)

	convService := conversation.New(s, conversation.Options{
		Broadcaster: broadcaster,
		Publisher:   publisher,
		Dedupe:      dedupeCache,
		Bot: conversation.BotOptions{
			Enabled:  cfg.Bot.Enabled,
			Name:     cfg.Bot.Name,
			Greeting: cfg.Bot.Greeting,
		},
		PublishTimeout: cfg.Events.PublishTimeout,
		Logger:         logger,
	})

	resolver := auth.NewResolver(verifier, cfg.Tenant.Header, logger.With("component", "auth"))

	wsHub := hub.New(convService, resolver, hub.Options{
		SendBuffer:     cfg.Hub.SendBuffer,
		TypingRate:     rate.Limit(cfg.Hub.TypingRate),
		TypingBurst:    cfg.Hub.TypingBurst,
		WriteTimeout:   cfg.Hub.WriteTimeout,
		PingInterval:   cfg.Hub.PingInterval,
		OriginPatterns: cfg.Hub.OriginPatterns,
		Logger:         logger,
	})

	gw := &Gateway{
		config:       cfg,
		store:        s,
		conversation: convService,
		hub:          wsHub,
		resolver:     resolver,
		publisher:    publisher,
		logger:       logger,
		dedupe:       dedupeCache,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)
	mux.Handle("GET /ws", wsHub)
	gw.registerAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Conversation returns the conversation service.
func (g *Gateway) Conversation() *conversation.Service {
	return g.conversation
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	g.logger.Info("HTTP server listening", "addr", ln.Addr().String())

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return grp.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the server and releases resources. Websocket
// connections are closed first since http.Server.Shutdown does not wait for
// hijacked connections.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	g.hub.Close()
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Flushes queued integration events before the publisher goes away.
	g.conversation.Close()
	g.conversation.Broadcaster().Close()
	errs = appendCloseError(errs, "publisher close", g.publisher.Close())

	g.dedupe.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d connections)", g.hub.Connections())
}
