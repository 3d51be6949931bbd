// Package server provides HTTP server management for the transport status API.
// It separates the concept of "routes" from "servers": providers contribute
// routes, the Manager combines them into one HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-lwm2m-transport/pkg/config"
	"github.com/sirosfoundation/go-lwm2m-transport/pkg/middleware"
)

// RouteProvider contributes routes to the shared router
type RouteProvider interface {
	// RegisterRoutes adds this provider's routes to the router.
	RegisterRoutes(router *gin.Engine)

	// Name returns the provider name for logging
	Name() string
}

// ServerConfig holds status server configuration
type ServerConfig struct {
	Address      string
	CORS         config.CORSConfig
	LoggingLevel string
}

// Manager runs the status HTTP server
type Manager struct {
	cfg    *ServerConfig
	logger *zap.Logger

	providers []RouteProvider

	router     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	done       chan struct{}
}

// NewManager creates a new server manager
func NewManager(cfg *ServerConfig, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    logger.Named("server"),
		providers: make([]RouteProvider, 0),
	}
}

// AddProvider adds a RouteProvider to the manager.
// Call this before Start().
func (m *Manager) AddProvider(p RouteProvider) {
	m.providers = append(m.providers, p)
	m.logger.Debug("Added route provider", zap.String("name", p.Name()))
}

// Handler builds the router on first use and returns it
func (m *Manager) Handler() http.Handler {
	if m.router == nil {
		m.router = m.buildRouter()
		for _, p := range m.providers {
			m.logger.Info("Registering HTTP routes", zap.String("provider", p.Name()))
			p.RegisterRoutes(m.router)
		}
	}
	return m.router
}

// Start binds the listen address and serves in the background
func (m *Manager) Start(ctx context.Context) error {
	if m.httpServer != nil {
		return errors.New("server already started")
	}

	if m.cfg.LoggingLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", m.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.cfg.Address, err)
	}

	m.listener = ln
	m.done = make(chan struct{})
	m.httpServer = &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		defer close(m.done)
		m.logger.Info("Status server listening", zap.String("address", ln.Addr().String()))
		if err := m.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("Status server error", zap.Error(err))
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start
func (m *Manager) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Shutdown gracefully shuts down the server
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.httpServer == nil {
		return nil
	}
	if err := m.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	<-m.done
	return nil
}

// buildRouter creates a new router with common middleware
func (m *Manager) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(m.logger))
	if len(m.cfg.CORS.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:  m.cfg.CORS.AllowedOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:  []string{"Authorization", "Content-Type"},
			MaxAge:        time.Duration(m.cfg.CORS.MaxAge) * time.Second,
			AllowWildcard: true,
		}))
	}
	return router
}
