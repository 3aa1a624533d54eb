package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/retail-bank-web/realtime/api/handlers"
	"github.com/retail-bank-web/realtime/internal/audit"
	"github.com/retail-bank-web/realtime/internal/backend"
	"github.com/retail-bank-web/realtime/internal/capability"
	"github.com/retail-bank-web/realtime/internal/config"
	"github.com/retail-bank-web/realtime/internal/db"
	"github.com/retail-bank-web/realtime/internal/identity"
	"github.com/retail-bank-web/realtime/internal/logging"
	"github.com/retail-bank-web/realtime/internal/relay"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	database, err := db.Open(cfg.Audit.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open audit database: %w", err)
	}
	defer database.Close()

	relayService := relay.NewService(relay.Config{
		APIKey:         cfg.Transport.APIKey,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger.Named("relay"))
	defer relayService.Close()

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           newRouter(cfg, database, relayService, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		relayService.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newRouter(cfg *config.Config, database *sql.DB, relayService *relay.Service, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Logging.Development {
		gin.SetMode(gin.DebugMode)
	}

	backendClient := backend.NewClient(backend.Config{
		BaseURL:       cfg.Backend.BaseURL,
		ProfilePath:   cfg.Backend.ProfilePath,
		UnlockPath:    cfg.Backend.UnlockPath,
		SessionCookie: cfg.Backend.SessionCookie,
		Timeout:       cfg.Backend.Timeout,
	})
	verifier := identity.NewVerifier(backendClient, cfg.Backend.SessionCookie, logger.Named("identity"))
	issuer := capability.NewIssuer(capability.NewKeySigner(nil), cfg.Transport.APIKey, cfg.Transport.TokenTTL, logger.Named("issuer"))

	tokenHandler := handlers.NewTokenHandler(verifier, issuer, audit.NewRepository(database), logger.Named("token"))
	relayHandler := handlers.NewRelayHandler(relayService, cfg.Transport.APIKey, logger.Named("relay"))

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(handlers.RequestLogger(logger.Named("http")))
	r.Use(handlers.CORS(cfg.Server.AllowedOrigins))

	// Health check endpoint
	r.GET("/health", handlers.Health(database))

	// API routes
	api := r.Group("/api")
	{
		tokenHandler.RegisterRoutes(api)
	}

	// Relay transport routes
	relayHandler.RegisterRoutes(&r.RouterGroup)

	return r
}
