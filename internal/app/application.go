// Package app wires the chat core, its transport and the HTTP API into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"campuschat/internal/api"
	"campuschat/internal/auth"
	"campuschat/internal/config"
	"campuschat/internal/database"
	"campuschat/internal/dispatch"
	"campuschat/internal/hub"
	"campuschat/internal/metrics"
	"campuschat/internal/room"
	"campuschat/internal/session"
	"campuschat/internal/websocket"
	pkgdatabase "campuschat/pkg/database"
)

// Application owns every component and their start/stop order.
type Application struct {
	config     *config.Config
	logger     *slog.Logger
	dbManager  *database.Manager
	registry   *session.Registry
	rooms      *room.Router
	metrics    *metrics.Collector
	hub        *hub.Hub
	dispatcher *dispatch.Dispatcher
	auth       *auth.Authenticator
	wsHandler  *websocket.Handler
	apiServer  *api.Server
	httpServer *http.Server

	listener      net.Listener
	cancelCleanup context.CancelFunc
}

// NewApplication builds components in dependency order:
// database, registry and rooms, metrics, hub, dispatcher, auth, transport, API.
func NewApplication(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.MaxConnections = cfg.Database.MaxConnections
	dbConfig.WriteRetryDelay = cfg.Database.WriteRetryDelay
	dbConfig.MigrationsPath = cfg.Database.MigrationsPath

	dbManager, err := database.NewManager(dbConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	if err := migrate(dbManager, dbConfig.MigrationsPath); err != nil {
		_ = dbManager.Close()
		return nil, err
	}
	logger.Info("database ready", "path", cfg.Database.Path)

	registry := session.NewRegistry()
	rooms := room.NewRouter()
	collector := metrics.New()

	presence := hub.NewHub(registry, rooms, hub.Options{
		Directory: dbManager,
		Metrics:   collector,
		Logger:    logger,
	})

	dispatcher := dispatch.NewDispatcher(registry, rooms, dbManager, dbManager, dispatch.Options{
		MaxMessageLength:   cfg.Chat.MaxMessageLength,
		RateLimitPerSecond: cfg.Chat.RateLimitPerSecond,
		RateLimitBurst:     cfg.Chat.RateLimitBurst,
		Metrics:            collector,
		Logger:             logger,
	})

	authenticator, err := auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.CookieName, dbManager)
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to initialize authenticator: %w", err)
	}

	wsHandler := websocket.NewHandler(authenticator, presence, dispatcher, websocket.Settings{
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		BufferSize:     cfg.WebSocket.BufferSize,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
	}, collector, logger)

	apiServer := api.NewServer(api.Options{
		Database:  dbManager,
		Presence:  registry,
		Rooms:     rooms,
		Auth:      authenticator,
		Metrics:   collector.Handler(),
		WebSocket: wsHandler,
		Logger:    logger,
	})

	httpServer := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     apiServer,
		ReadTimeout: cfg.HTTP.ReadTimeout,
		// hijacked websocket connections manage their own deadlines
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		logger:     logger.With("component", "app"),
		dbManager:  dbManager,
		registry:   registry,
		rooms:      rooms,
		metrics:    collector,
		hub:        presence,
		dispatcher: dispatcher,
		auth:       authenticator,
		wsHandler:  wsHandler,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

func migrate(dbManager *database.Manager, migrationsPath string) error {
	migrations := pkgdatabase.NewMigrationManager(dbManager.GetDB(), migrationsPath)
	if err := migrations.ApplyMigrations(); err != nil {
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		return fmt.Errorf("schema check failed: %w", err)
	}
	if err := pkgdatabase.NewSchemaValidator(dbManager.GetDB()).ValidateTableStructure(); err != nil {
		return fmt.Errorf("schema check failed: %w", err)
	}
	return nil
}

// Start runs the hub, the rate limiter sweep and the HTTP listener. It returns
// once the listener is bound; serve errors are logged.
func (app *Application) Start(ctx context.Context) error {
	// the hub outlives ctx so Stop can still deliver offline broadcasts
	if err := app.hub.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to start presence hub: %w", err)
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	cleanupCtx, cancel := context.WithCancel(ctx)
	app.cancelCleanup = cancel
	go app.dispatcher.RunCleanup(cleanupCtx, app.config.Chat.RateLimiterTTL/2, app.config.Chat.RateLimiterTTL)

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("http server stopped", "error", err)
		}
	}()

	app.logger.Info("campuschat started", "addr", listener.Addr().String())
	return nil
}

// Stop shuts down in reverse order: HTTP, open sockets, hub, database.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down")
	var errs []error

	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := app.wsHandler.CloseAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing websockets: %w", err))
	}
	if app.cancelCleanup != nil {
		app.cancelCleanup()
	}
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub stop: %w", err))
	}
	if err := app.dbManager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database close: %w", err))
	}

	app.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// GetAddr returns the bound address once started, the configured one before.
func (app *Application) GetAddr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the root HTTP handler for in-process tests.
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Database exposes the store, used by tooling to seed identities.
func (app *Application) Database() *database.Manager {
	return app.dbManager
}

// Authenticator exposes token issuing for tooling and tests.
func (app *Application) Authenticator() *auth.Authenticator {
	return app.auth
}
