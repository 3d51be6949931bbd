package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-lwm2m-transport/internal/api"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/backend"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/keygen"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/lwm2m"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/metrics"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/modes"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/server"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/service"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/transport"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/websocket"
	"github.com/sirosfoundation/go-lwm2m-transport/pkg/config"
	"github.com/sirosfoundation/go-lwm2m-transport/pkg/logging"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")
	version    = "dev"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if !cfg.Active() {
		logger.Info("LwM2M transport is not enabled for this service, exiting",
			zap.String("service_type", cfg.Service.Type),
			zap.Bool("lwm2m_enabled", cfg.Transport.LwM2M.Enabled))
		return
	}

	logger.Info("Starting LwM2M transport",
		zap.String("version", version),
		zap.String("build_time", buildTime),
	)

	// Initialize storage backend
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := backend.New(ctx, cfg)
	cancel()
	if err != nil {
		logger.Fatal("Failed to initialize storage backend", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	logger.Info("Storage backend initialized", zap.String("type", string(store.Type())))

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// Event tap and device service
	tap := websocket.NewManager(logger,
		websocket.WithTokenSecret(cfg.Status.EventTokenSecret),
		websocket.WithAllowedOrigins(cfg.Status.CORS.AllowedOrigins),
		websocket.WithMetrics(m),
	)
	devices := service.NewDeviceService(store.Devices(), logger,
		service.WithPublisher(tap),
		service.WithMetrics(m),
	)

	// Server instances and supervisor
	lwm2mCfg := &cfg.Transport.LwM2M
	supervisor := transport.New(
		transport.Config{
			EnableKeyGeneration: lwm2mCfg.KeyGeneration.Enabled,
			StartAll:            lwm2mCfg.StartAll,
			DTLSMode:            lwm2mCfg.SecurityMode(),
		},
		buildInstances(lwm2mCfg, m, logger),
		devices,
		transport.WithLogger(logger),
		transport.WithKeyGenerator(keygen.NewGenerator(lwm2mCfg.KeyGeneration.Config, logger)),
		transport.WithMetrics(m),
	)

	if err := supervisor.Start(context.Background()); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), lwm2mCfg.ShutdownTimeout)
		if stopErr := supervisor.Stop(stopCtx); stopErr != nil {
			logger.Error("Failed to stop partially started transport", zap.Error(stopErr))
		}
		stopCancel()
		logger.Fatal("Failed to start LwM2M transport", zap.Error(err))
	}

	// Status server
	handlers := api.NewHandlers(supervisor, devices, store, cfg.Status.EventTokenSecret, logger)
	status, err := server.NewStatusProvider(handlers, cfg.Status.AdminToken, logger)
	if err != nil {
		logger.Fatal("Failed to set up status routes", zap.Error(err))
	}

	srv := server.NewManager(&server.ServerConfig{
		Address:      cfg.Status.Address(),
		CORS:         cfg.Status.CORS,
		LoggingLevel: cfg.Logging.Level,
	}, logger)
	srv.AddProvider(status)
	srv.AddProvider(server.NewEventTapProvider(tap))
	if cfg.Status.Metrics {
		srv.AddProvider(server.NewMetricsProvider(registry))
	}
	if err := srv.Start(context.Background()); err != nil {
		logger.Fatal("Failed to start status server", zap.Error(err))
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	// Graceful shutdown
	ctx, cancel = context.WithTimeout(context.Background(), lwm2mCfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Status server forced to shutdown", zap.Error(err))
	}
	if err := supervisor.Stop(ctx); err != nil {
		logger.Error("LwM2M transport stopped with errors", zap.Error(err))
	}
	tap.Close()

	logger.Info("Transport exited")
}

// buildInstances constructs both endpoints; the supervisor decides which start
func buildInstances(cfg *config.LwM2MConfig, m *metrics.Metrics, logger *zap.Logger) transport.Instances {
	handler := packetLogger(logger)
	endpointOpts := func(instance modes.Instance) []lwm2m.EndpointOption {
		return []lwm2m.EndpointOption{
			lwm2m.WithEndpointLogger(logger),
			lwm2m.WithPacketHandler(handler),
			lwm2m.WithRateLimiter(lwm2m.NewPeerLimiter(cfg.RateLimit.PacketsPerSecond, cfg.RateLimit.Burst)),
			lwm2m.WithDropCounter(m.PacketsDroppedTotal.WithLabelValues(instance.String())),
		}
	}

	cert := lwm2m.NewEndpoint(lwm2m.EndpointConfig{
		Name:    modes.InstanceCert.String(),
		Address: cfg.Cert.Address(),
		Security: lwm2m.SecurityConfig{
			Modes:    modes.InstanceCert.Modes(),
			CertFile: cfg.Cert.CertFile,
			KeyFile:  cfg.Cert.KeyFile,
			CAFile:   cfg.Cert.CAFile,
		},
	}, endpointOpts(modes.InstanceCert)...)

	nosec := lwm2m.NewEndpoint(lwm2m.EndpointConfig{
		Name:    modes.InstanceNoSecPskRpk.String(),
		Address: cfg.NoSec.Address(),
		Security: lwm2m.SecurityConfig{
			Modes:    modes.InstanceNoSecPskRpk.Modes(),
			KeyStore: cfg.KeyStorePath(),
		},
	}, endpointOpts(modes.InstanceNoSecPskRpk)...)

	return transport.Instances{Cert: cert, NoSecPskRpk: nosec}
}

// packetLogger traces datagrams until a protocol engine is attached to the
// endpoint events
func packetLogger(logger *zap.Logger) lwm2m.PacketHandler {
	logger = logger.Named("datagram")
	return func(_ context.Context, pkt lwm2m.Packet) {
		logger.Debug("Datagram received",
			zap.String("endpoint", pkt.Endpoint),
			zap.Stringer("remote", pkt.Remote),
			zap.Int("size", len(pkt.Data)))
	}
}
