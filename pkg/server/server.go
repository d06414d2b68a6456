package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jddunn/safeos/pkg/config"
	"github.com/jddunn/safeos/pkg/logging"
	"github.com/jddunn/safeos/pkg/middleware"
	"github.com/jddunn/safeos/pkg/monitoring"
)

// Config represents server configuration
type Config struct {
	Port         string
	ServiceName  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig(serviceName, defaultPort string) Config {
	return Config{
		Port:         config.GetEnv("PORT", defaultPort),
		ServiceName:  serviceName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// setupBase creates a Gin router with the common middleware chain
func setupBase(logger logging.Logger) *gin.Engine {
	// Set Gin mode based on environment
	if config.GetEnv("GIN_MODE", "debug") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.CORSMiddleware())

	return router
}

// SetupRouterWithService creates a Gin router with common middleware and a
// static health endpoint. Use SetupServiceRouter when a HealthChecker and
// MetricsCollector are available.
func SetupRouterWithService(logger logging.Logger, serviceName string) *gin.Engine {
	router := setupBase(logger)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": serviceName,
		})
	})

	return router
}

// SetupServiceRouter creates a Gin router wired to the service's health
// checker and metrics collector
func SetupServiceRouter(logger logging.Logger, serviceName string, healthChecker *monitoring.HealthChecker, metricsCollector *monitoring.MetricsCollector) *gin.Engine {
	router := setupBase(logger)

	if metricsCollector != nil {
		router.Use(metricsCollector.MetricsMiddleware())
		router.GET("/metrics", metricsCollector.Handler())
	}

	if healthChecker != nil {
		router.GET("/health", healthChecker.Handler())
	} else {
		router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "healthy",
				"service": serviceName,
			})
		})
	}

	return router
}

// Start starts the HTTP server with graceful shutdown
func Start(cfg Config, router *gin.Engine, logger logging.Logger) error {
	return StartAll(logger, Listener{Config: cfg, Handler: router})
}

// Listener pairs a server configuration with its handler
type Listener struct {
	Config  Config
	Handler http.Handler
}

// StartAll starts one HTTP server per listener and blocks until an interrupt
// signal arrives, then drains all of them
func StartAll(logger logging.Logger, listeners ...Listener) error {
	servers := make([]*http.Server, 0, len(listeners))

	for _, l := range listeners {
		srv := &http.Server{
			Addr:         ":" + l.Config.Port,
			Handler:      l.Handler,
			ReadTimeout:  l.Config.ReadTimeout,
			WriteTimeout: l.Config.WriteTimeout,
			IdleTimeout:  l.Config.IdleTimeout,
		}
		servers = append(servers, srv)

		cfg := l.Config
		go func(srv *http.Server) {
			logger.WithFields(logging.Fields{
				"port":    cfg.Port,
				"service": cfg.ServiceName,
			}).Info("Starting HTTP server")

			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Fatal("Failed to start server")
			}
		}(srv)
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down servers...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
	}

	logger.Info("Servers stopped")
	return nil
}
