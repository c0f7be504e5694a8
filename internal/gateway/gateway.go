// Package gateway is the orchestrator that ties the gateway components together.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/verdure-mcp/gateway/internal/api"
	"github.com/verdure-mcp/gateway/internal/auth"
	"github.com/verdure-mcp/gateway/internal/config"
	"github.com/verdure-mcp/gateway/internal/devicehub"
	"github.com/verdure-mcp/gateway/internal/imagegen"
	"github.com/verdure-mcp/gateway/internal/imagestore"
	"github.com/verdure-mcp/gateway/internal/notify"
	"github.com/verdure-mcp/gateway/internal/store"
	"github.com/verdure-mcp/gateway/internal/tasks"
	"github.com/verdure-mcp/gateway/internal/tools"
)

const shutdownTimeout = 30 * time.Second

// errImageNotConfigured is reported on tasks when no provider endpoint is set.
var errImageNotConfigured = errors.New("image generation is not configured")

// Gateway is the main gateway process.
type Gateway struct {
	cfg    *config.Config
	store  store.Store
	hub    *devicehub.Hub
	exec   *tasks.Executor
	tasks  *tasks.Dispatcher
	images *imagestore.Local
	api    *api.Server
	logger *slog.Logger
}

// New creates a gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	g, err := build(cfg, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return g, nil
}

func build(cfg *config.Config, db store.Store, logger *slog.Logger) (*Gateway, error) {
	tokens := auth.NewTokenService(db, cfg.Auth.Tokens, logger)
	jv, err := auth.NewJWTValidator(cfg.Auth.JWT, logger)
	if err != nil {
		return nil, fmt.Errorf("init jwt validator: %w", err)
	}
	authn := auth.NewAuthenticator(tokens, jv)

	var provider imagegen.Provider
	if cfg.Image.Endpoint != "" {
		p, err := imagegen.NewOpenAIProvider(cfg.Image)
		if err != nil {
			return nil, fmt.Errorf("init image provider: %w", err)
		}
		provider = p
	} else {
		logger.Warn("image.endpoint is not set, image generation requests will fail")
		provider = imagegen.ProviderFunc(func(context.Context, imagegen.Request) (*imagegen.Result, error) {
			return nil, errImageNotConfigured
		})
	}

	opts := tasks.Options{}
	var mailer notify.Sender
	if cfg.Email.Enabled() {
		m := notify.NewMailer(cfg.Email, logger)
		mailer = m
		opts.Mailer = m
	} else {
		logger.Info("email delivery disabled, smtp_host is not set")
	}

	var images *imagestore.Local
	if cfg.ImageStorage.Enabled {
		images, err = imagestore.NewLocal(cfg.ImageStorage, logger)
		if err != nil {
			return nil, fmt.Errorf("init image storage: %w", err)
		}
		opts.Images = images
	}

	exec := tasks.NewExecutor(cfg.Image.Workers, cfg.Image.QueueSize, logger)
	dispatcher := tasks.NewDispatcher(db, provider, exec, logger, opts)

	reg, err := tools.NewRegistry(tools.Builtin(tools.Deps{Tasks: dispatcher, Mailer: mailer})...)
	if err != nil {
		return nil, fmt.Errorf("init tools: %w", err)
	}
	pipeline := tools.NewPipeline(reg, tools.DefaultCategories(logger), tools.PipelineOptions{
		Auth:         authn,
		RequireToken: cfg.Server.TokenRequired(),
	}, logger)

	hub := devicehub.New(db, authn, logger, devicehub.Options{
		AllowedOrigins:  cfg.DeviceHub.AllowedOrigins,
		MaxMessageBytes: cfg.DeviceHub.MaxMessageBytes,
	})

	deps := api.Deps{Store: db, Auth: authn, Tools: pipeline, Tasks: dispatcher, Hub: hub}
	if images != nil {
		deps.Images = images
	}

	g := &Gateway{
		cfg:    cfg,
		store:  db,
		hub:    hub,
		exec:   exec,
		tasks:  dispatcher,
		images: images,
		api:    api.NewServer(deps, cfg, logger),
		logger: logger.With("component", "gateway"),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if !cfg.Server.TokenRequired() {
		logger.Warn("server.require_token is false, tool calls are accepted without credentials")
	}
	return g, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.api.Handler()
}

// Run recovers state left by a previous process, starts the HTTP server and
// the scheduler, and blocks until ctx is canceled or the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if _, err := g.hub.Sweep(ctx); err != nil {
		g.logger.Warn("device connection sweep failed", "error", err)
	}
	if _, err := g.tasks.Resume(ctx); err != nil {
		g.logger.Warn("task recovery failed", "error", err)
	}

	srv := &http.Server{
		Addr:              g.cfg.Server.Addr,
		Handler:           g.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched, err := g.newScheduler(ctx)
	if err != nil {
		_ = g.store.Close()
		return err
	}

	g.api.StartBackgroundTasks(ctx)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.logger.Info("gateway listening", "addr", g.cfg.Server.Addr)
		var err error
		if g.cfg.Server.TLSCert != "" && g.cfg.Server.TLSKey != "" {
			err = srv.ListenAndServeTLS(g.cfg.Server.TLSCert, g.cfg.Server.TLSKey)
		} else {
			g.logger.Warn("TLS not configured, running without encryption (development only)")
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		sched.Start()
		<-egCtx.Done()
		return sched.Shutdown()
	})
	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("shutting down gateway gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}
		return nil
	})

	err = eg.Wait()
	g.close()
	if err == nil {
		return ctx.Err()
	}
	return err
}

// close releases device sessions, drains the executor and closes the store.
func (g *Gateway) close() {
	g.hub.Close()

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := g.exec.Close(drainCtx); err != nil {
		g.logger.Warn("executor did not drain in time, unfinished tasks will resume on restart", "error", err)
	}

	g.logger.Info("closing store")
	_ = g.store.Close()
	g.logger.Info("shutdown complete")
}
