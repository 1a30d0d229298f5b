package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/console-relay/backend/api/handlers"
	"github.com/console-relay/backend/internal/auth"
	"github.com/console-relay/backend/internal/config"
	"github.com/console-relay/backend/internal/db"
	"github.com/console-relay/backend/internal/deploy"
	"github.com/console-relay/backend/internal/metrics"
	"github.com/console-relay/backend/internal/repository"
	"github.com/console-relay/backend/internal/session"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("console-relay: %v", err)
	}
}

func run() error {
	var (
		configPath    string
		port          int
		issueUser     string
		upstreamToken string
		upstreamURL   string
		ttl           time.Duration
	)

	flagSet := pflag.NewFlagSet("console-relay", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", getEnv("RELAY_CONFIG", "config.yaml"), "path to the YAML config file")
	flagSet.IntVarP(&port, "port", "p", 0, "listen port (overrides config and PORT)")
	flagSet.StringVar(&issueUser, "issue-token", "", "print a browser token for this user and exit")
	flagSet.StringVar(&upstreamToken, "upstream-token", "", "upstream credential embedded in an issued token")
	flagSet.StringVar(&upstreamURL, "upstream", "", "upstream URL override embedded in an issued token")
	flagSet.DurationVar(&ttl, "ttl", 24*time.Hour, "lifetime of an issued token")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port != 0 {
		cfg.Server.Port = port
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	authenticator := auth.NewJWTAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer)
	if issueUser != "" {
		token, err := authenticator.Issue(issueUser, upstreamToken, upstreamURL, ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	return serve(cfg, authenticator)
}

func serve(cfg *config.Config, authenticator *auth.JWTAuthenticator) error {
	// Ensure data directories exist
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	if cfg.Storage.TranscriptDir != "" {
		if err := os.MkdirAll(cfg.Storage.TranscriptDir, 0755); err != nil {
			return fmt.Errorf("failed to create transcript directory: %w", err)
		}
	}

	database, err := db.InitDB(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.CloseDB()

	sessionRepo := repository.NewSessionRepository(database)
	if n, err := sessionRepo.MarkAbandoned(context.Background()); err != nil {
		return fmt.Errorf("failed to close abandoned sessions: %w", err)
	} else if n > 0 {
		log.Printf("Marked %d sessions from a previous run as closed", n)
	}

	sessionManager := session.NewManager(cfg, authenticator, sessionRepo, deploy.NewRPCDeployer())

	sessionHandler := handlers.NewSessionHandler(sessionManager, cfg.Watcher.PollTimeout)
	wsHandler := handlers.NewWebSocketHandler(sessionManager, cfg.Server.AllowedOrigins)

	r := gin.Default()
	r.Use(corsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"sessions": sessionManager.Count(),
		})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	wsHandler.RegisterRoutes(r)
	api := r.Group("/api", handlers.AuthMiddleware(authenticator))
	sessionHandler.RegisterRoutes(api)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Starting server on %s, upstream %s", srv.Addr, cfg.Upstream.URL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Hijacked WebSocket connections are not tracked by the server, so
		// sessions are closed separately.
		sessionErr := sessionManager.Shutdown(shutdownCtx)
		return errors.Join(srv.Shutdown(shutdownCtx), sessionErr)
	})

	return g.Wait()
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-Auth-Token, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
