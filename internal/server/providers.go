package server

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-lwm2m-transport/internal/api"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/websocket"
	"github.com/sirosfoundation/go-lwm2m-transport/pkg/middleware"
)

// StatusProvider serves health, status and the admin device API
type StatusProvider struct {
	handlers   *api.Handlers
	adminToken string
	logger     *zap.Logger
}

// NewStatusProvider creates the status routes. An empty admin token is
// replaced by a generated one, which is logged once.
func NewStatusProvider(handlers *api.Handlers, adminToken string, logger *zap.Logger) (*StatusProvider, error) {
	if adminToken == "" {
		var err error
		adminToken, err = middleware.GenerateAdminToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate admin token: %w", err)
		}
		logger.Info("Generated admin API token (set LWM2M_STATUS_ADMIN_TOKEN to use a fixed token)",
			zap.String("token", adminToken))
	}
	return &StatusProvider{handlers: handlers, adminToken: adminToken, logger: logger}, nil
}

func (p *StatusProvider) Name() string { return "status" }

// AdminToken returns the bearer token protecting /api
func (p *StatusProvider) AdminToken() string { return p.adminToken }

func (p *StatusProvider) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", p.handlers.Health)
	router.GET("/status", p.handlers.Status)

	admin := router.Group("/api")
	admin.Use(middleware.AdminAuthMiddleware(p.adminToken, p.logger))
	{
		admin.GET("/devices", p.handlers.ListDevices)
		admin.GET("/devices/:endpoint", p.handlers.GetDevice)
		admin.POST("/events/token", p.handlers.IssueEventToken)
	}
}

// EventTapProvider serves the device event WebSocket
type EventTapProvider struct {
	manager *websocket.Manager
}

func NewEventTapProvider(manager *websocket.Manager) *EventTapProvider {
	return &EventTapProvider{manager: manager}
}

func (p *EventTapProvider) Name() string { return "event-tap" }

func (p *EventTapProvider) RegisterRoutes(router *gin.Engine) {
	router.GET("/ws/events", gin.WrapF(p.manager.HandleConnection))
}

// MetricsProvider exposes Prometheus metrics
type MetricsProvider struct {
	gatherer prometheus.Gatherer
}

func NewMetricsProvider(gatherer prometheus.Gatherer) *MetricsProvider {
	return &MetricsProvider{gatherer: gatherer}
}

func (p *MetricsProvider) Name() string { return "metrics" }

func (p *MetricsProvider) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})))
}
