package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/poelstra/mhub-sub000/internal/config"
	"github.com/poelstra/mhub-sub000/internal/metrics"
	"github.com/poelstra/mhub-sub000/internal/storage"
	"github.com/poelstra/mhub-sub000/internal/transport"
	pkgconfig "github.com/poelstra/mhub-sub000/pkg/config"
	"github.com/poelstra/mhub-sub000/pkg/logging"
	"github.com/poelstra/mhub-sub000/pkg/monitoring"
	"github.com/poelstra/mhub-sub000/pkg/server"
	"github.com/poelstra/mhub-sub000/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("mhubd")

	// Load environment variables
	pkgconfig.LoadEnv(logger)

	configPath := flag.String("config", pkgconfig.GetEnv("MHUB_CONFIG", "mhub.config.json"), "broker config file")
	flag.Parse()

	logger.WithField("config", *configPath).Info("Starting MHub broker")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := logging.ApplyLevel(logger, cfg.Logging); err != nil {
		logger.WithError(err).Fatal("Invalid logging configuration")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("mhubd", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("mhub", version.Version, version.GitCommit)
	brokerMetrics := metrics.New(metricsCollector)

	// Storage: file backend behind the coalescing throttle
	storageRoot := pkgconfig.GetEnv("MHUB_STORAGE", cfg.Storage)
	fileStorage, err := storage.NewFileStorage(storageRoot, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize storage")
	}
	throttleInterval := pkgconfig.GetEnvDuration("MHUB_STORAGE_INTERVAL", storage.DefaultThrottleInterval)
	throttled := storage.NewThrottled(fileStorage, throttleInterval, logger)
	throttled.OnError = func(key string, err error) {
		brokerMetrics.StorageWrite("error")
		// Losing a persistent node's state silently is worse than dying.
		logger.WithError(err).WithField("key", key).Fatal("Node state write failed")
	}

	// Build the hub from the configuration
	h, err := buildHub(cfg, throttled, logger)
	if err != nil {
		logger.WithError(err).Fatal("Invalid broker configuration")
	}
	if err := h.Init(); err != nil {
		logger.WithError(err).Fatal("Failed to initialize nodes")
	}

	// Health checks
	healthChecker.AddCheck("storage", monitoring.PersistenceHealthCheck(throttled))
	healthChecker.AddCheck("storage_dir", monitoring.DirWritableHealthCheck(fileStorage.Root()))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"config":  *configPath,
		"storage": storageRoot,
	}))

	// Router hosting the WebSocket endpoint plus /health and /metrics
	router := server.SetupServiceRouter(logger, "mhubd", healthChecker, metricsCollector)
	ws := transport.NewWebSocketServer(h, logger, brokerMetrics)
	router.GET("/", ws.Handler())

	runner := server.NewRunner(logger)
	for i, listen := range cfg.Listen {
		tlsConfig, err := listen.TLSConfig()
		if err != nil {
			logger.WithError(err).WithField("listener", listen.Addr()).Fatal("Failed to load TLS credentials")
		}
		switch listen.Type {
		case config.TransportWebSocket:
			runner.Add(httpComponent(fmt.Sprintf("websocket-%d", i), listen, router, tlsConfig, logger))
		case config.TransportTCP:
			tcp := transport.NewTCPServer(h, listen.Addr(), tlsConfig, logger, brokerMetrics)
			healthChecker.AddCheck(fmt.Sprintf("tcp-%d", i), monitoring.TCPListenerHealthCheck("tcp", listen.Addr()))
			runner.Add(tcp.Component())
		}
	}

	if err := runner.Run(); err != nil {
		logger.WithError(err).Error("Broker terminated with error")
	}

	// Graceful teardown: stop self-driving nodes, drop sessions, flush
	// pending node state.
	h.Stop()
	if err := throttled.Flush(); err != nil {
		logger.WithError(err).Error("Final storage flush failed")
	}
	logger.Info("Broker stopped")
}

// httpComponent wraps one WebSocket (or Secure WebSocket) listener as a
// runner component.
func httpComponent(name string, listen config.ListenSpec, handler http.Handler, tlsConfig *tls.Config, logger logging.Logger) server.Component {
	srv := &http.Server{
		Addr:         listen.Addr(),
		Handler:      handler,
		TLSConfig:    tlsConfig,
		ReadTimeout:  0, // long-lived WebSocket connections
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	return server.Component{
		Name: name,
		Start: func() error {
			logger.WithFields(logging.Fields{
				"addr": listen.Addr(),
				"tls":  tlsConfig != nil,
			}).Info("WebSocket listener started")

			var err error
			if tlsConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
		Stop: srv.Shutdown,
	}
}
