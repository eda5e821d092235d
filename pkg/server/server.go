package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poelstra/mhub-sub000/pkg/config"
	"github.com/poelstra/mhub-sub000/pkg/logging"
	"github.com/poelstra/mhub-sub000/pkg/middleware"
	"github.com/poelstra/mhub-sub000/pkg/monitoring"
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

// SetupRouter creates a Gin router with common middleware
func SetupRouter(logger logging.Logger) *gin.Engine {
	// Set Gin mode based on environment
	if config.GetEnv("GIN_MODE", "debug") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add common middleware
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.CORSMiddleware())

	return router
}

// MonitoringTimeout bounds health and metrics requests. The WebSocket route
// stays unbounded: broker connections live as long as the client does.
const MonitoringTimeout = 10 * time.Second

// SetupServiceRouter creates a Gin router with common middleware plus
// health and metrics endpoints wired to the service's monitoring.
func SetupServiceRouter(logger logging.Logger, serviceName string, healthChecker *monitoring.HealthChecker, metricsCollector *monitoring.MetricsCollector) *gin.Engine {
	router := SetupRouter(logger)
	timeout := middleware.TimeoutMiddleware(MonitoringTimeout)

	if metricsCollector != nil {
		router.Use(metricsCollector.MetricsMiddleware())
		router.GET("/metrics", timeout, metricsCollector.Handler())
	}
	if healthChecker != nil {
		router.GET("/health", timeout, healthChecker.Handler())
	} else {
		router.GET("/health", timeout, func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "healthy",
				"service": serviceName,
			})
		})
	}

	return router
}

// HTTPComponent wraps an HTTP server as a runnable component
func HTTPComponent(cfg Config, handler http.Handler, logger logging.Logger) Component {
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return Component{
		Name: "http",
		Start: func() error {
			logger.WithFields(logging.Fields{
				"port":    cfg.Port,
				"service": cfg.ServiceName,
			}).Info("Starting HTTP server")

			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
		Stop: srv.Shutdown,
	}
}
