// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/sowilo/internal/api"
	"github.com/starford/sowilo/internal/assistant"
	"github.com/starford/sowilo/internal/history"
	"github.com/starford/sowilo/internal/mcpserver"
	"github.com/starford/sowilo/internal/models"
	"github.com/starford/sowilo/internal/sse"
	"github.com/starford/sowilo/internal/storage"
	"github.com/starford/sowilo/internal/stream"
	"github.com/starford/sowilo/internal/transport"
	"github.com/starford/sowilo/internal/vault"
)

// components are the long-lived collaborators shared by every entry point.
type components struct {
	cfg     *Config
	logger  *slog.Logger
	store   *storage.FS
	blob    storage.BlobStore
	state   *assistant.State
	history *history.Store
	cache   *vault.Cache
	broker  *sse.Broker
	svc     *assistant.Service
}

func newApplication(opts []Option) (*application, error) {
	app := &application{logOutput: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

// build opens storage and state and wires the assistant. withBroker adds the
// SSE broker used by the HTTP server.
func build(ctx context.Context, app *application, withBroker bool) (*components, error) {
	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(app.logOutput, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("vault_path", cfg.Vault.Path),
		slog.String("state_driver", cfg.State.Driver),
		slog.String("state_path", cfg.State.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Ensure vault directory exists.
	if err := os.MkdirAll(cfg.Vault.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}

	store, err := storage.NewFS(cfg.Vault.Path)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	blob, err := storage.OpenBlobStore(cfg.State.Driver, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("init state store: %w", err)
	}

	state, err := assistant.LoadState(ctx, blob, logger)
	if err != nil {
		_ = blob.Close()
		return nil, fmt.Errorf("load state: %w", err)
	}

	c := &components{cfg: cfg, logger: logger, store: store, blob: blob, state: state}

	c.history = history.NewStore(state.History(), history.Options{
		Limits:    func() history.Limits { return c.state.Settings().Limits() },
		Provider:  func() models.ProviderSnapshot { return c.state.Settings().Active().Snapshot() },
		Persister: state,
		Logger:    logger,
	})

	if withBroker {
		c.broker = sse.NewBroker(cfg.Cache.StaleThrottle)
	}

	c.cache = vault.New(store, vault.Options{
		Cap:      cfg.Cache.Cap,
		Debounce: cfg.Cache.Debounce,
		Logger:   logger,
		OnInvalidate: func() {
			if c.broker != nil {
				c.broker.Publish(sse.Event{Type: sse.TypeVaultInvalidated})
			}
		},
	})

	tr := transport.New(transport.Options{
		RequestTimeout: cfg.Transport.RequestTimeout,
		IdleTimeout:    cfg.Transport.IdleTimeout,
	})

	c.svc = assistant.NewService(assistant.Options{
		Store:          store,
		Cache:          c.cache,
		History:        c.history,
		State:          state,
		Transport:      tr,
		ResearchFolder: cfg.Vault.ResearchFolder,
		Logger:         logger,
	})
	return c, nil
}

// notifier fans vault changes out to the cache and, when serving, to SSE clients.
func (c *components) notifier() vault.Notifier {
	return vault.NotifierFunc(func(ev vault.Event) {
		c.cache.Notify(ev)
		if c.broker != nil {
			c.broker.PublishVaultEvent(string(ev.Kind), ev.Path)
		}
	})
}

// close stops the cache timer, persists history and releases the state store.
func (c *components) close() {
	c.cache.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.history.Flush(ctx); err != nil {
		c.logger.Error("history flush failed", slog.String("error", err.Error()))
	}
	if err := c.blob.Close(); err != nil {
		c.logger.Error("state store close failed", slog.String("error", err.Error()))
	}
	if c.broker != nil {
		c.broker.Close()
	}
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	c, err := build(ctx, app, true)
	if err != nil {
		return err
	}
	defer c.close()

	cfg := c.cfg
	logger := c.logger

	apiRouter := api.NewRouter(api.Deps{
		Assistant: c.svc,
		Cache:     c.cache,
		History:   c.history,
		Events:    c.broker,
	}, cfg.Auth.AuthEnabled(), cfg.Auth.Token, c.broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":        "ok",
			"vault_cached":  c.cache.Populated(),
			"sse_clients":   c.broker.ClientCount(),
			"provider_kind": c.svc.Settings().Active().Kind,
		})
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Start file watcher feeding the vault cache and SSE clients.
	g.Go(func() error {
		if err := vault.Watch(gCtx, cfg.Vault.Path, c.notifier(), logger); err != nil {
			logger.Warn("watcher stopped", slog.String("error", err.Error()))
		}
		return nil
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group so the watcher exits with the server.
var errShutdown = errors.New("shutdown")

// RunMCP serves the assistant tools over stdio until stdin closes.
// Logs go to the configured log output, which must not be stdout.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	if app.logOutput == os.Stdout {
		app.logOutput = os.Stderr
	}
	c, err := build(ctx, app, false)
	if err != nil {
		return err
	}
	defer c.close()

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := vault.Watch(watchCtx, c.cfg.Vault.Path, c.notifier(), c.logger); err != nil {
			c.logger.Warn("watcher stopped", slog.String("error", err.Error()))
		}
	}()

	c.logger.Info("MCP server starting on stdio")
	return mcpserver.New(c.svc, c.cache, c.history).ServeStdio()
}

// Ask runs a single command and writes model tokens to out as they arrive.
func Ask(ctx context.Context, inv assistant.Invocation, out io.Writer, opts ...Option) (assistant.Result, error) {
	app, err := newApplication(opts)
	if err != nil {
		return assistant.Result{}, err
	}
	c, err := build(ctx, app, false)
	if err != nil {
		return assistant.Result{}, err
	}
	defer c.close()

	inv.Stream = true
	return c.svc.Run(ctx, inv, func(ev stream.Event) {
		if ev.Kind == stream.KindToken {
			_, _ = io.WriteString(out, ev.Text)
		}
	})
}
