package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"comfydeploy/internal/api"
	"comfydeploy/internal/execution"
	"comfydeploy/internal/host"
	"comfydeploy/internal/nodes"
	"comfydeploy/internal/status"
)

var (
	executionRetention time.Duration
	shutdownTimeout    time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the node pack over HTTP",
	Long: `Serve exposes node definitions, node execution, change detection and
execution cancellation over HTTP. With REDIS_ENABLED=true status events are
published on Redis and executions are recorded in a shared hash.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().DurationVar(&executionRetention, "retention", time.Hour, "How long finished executions are kept (0 keeps them)")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful shutdown timeout")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := status.NewBestEffort(logger, status.NewLogSink(logger))
	var store execution.Store
	var rdb redis.UniversalClient
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		hub.AddSink(status.NewRedisSink(rdb))
		store = execution.NewRedisStore(rdb)
		logger.WithField("addr", cfg.Redis.Addr()).Info("Using Redis for status events and executions")
	}

	deps, err := nodes.NewDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	registry := host.NewRegistry()
	if err := nodes.Register(registry, deps); err != nil {
		return fmt.Errorf("failed to register nodes: %w", err)
	}

	manager := execution.NewManager(store, logger)

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	api.NewHandler(registry, manager, hub, rdb, logger).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return manager.Run(gctx, time.Minute, executionRetention)
	})
	g.Go(func() error {
		logger.Infof("Server starting on port %d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server exited")
	return nil
}

// requestLogger logs each request through logrus
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("Request handled")
	}
}
