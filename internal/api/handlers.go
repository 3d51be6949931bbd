package api

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-lwm2m-transport/internal/domain"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/modes"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/storage"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/transport"
	"github.com/sirosfoundation/go-lwm2m-transport/pkg/middleware"
)

const (
	// DefaultEventTokenTTL is the lifetime of an issued event tap token
	DefaultEventTokenTTL = time.Hour
	// MaxEventTokenTTL caps the requested token lifetime
	MaxEventTokenTTL = 24 * time.Hour

	healthCheckTimeout = 2 * time.Second
)

// Transport is the supervisor as seen by the status API
type Transport interface {
	State() transport.State
	Config() transport.Config
	Running() []modes.Instance
}

// DeviceReader lists device sessions
type DeviceReader interface {
	List(ctx context.Context) ([]*domain.DeviceSession, error)
	Get(ctx context.Context, endpoint string) (*domain.DeviceSession, error)
}

// Pinger checks the storage backend
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers aggregates all HTTP handlers
type Handlers struct {
	transport   Transport
	devices     DeviceReader
	storage     Pinger
	eventSecret []byte
	logger      *zap.Logger
}

// NewHandlers creates a new Handlers instance. storage may be nil.
func NewHandlers(t Transport, devices DeviceReader, storage Pinger, eventSecret string, logger *zap.Logger) *Handlers {
	return &Handlers{
		transport:   t,
		devices:     devices,
		storage:     storage,
		eventSecret: []byte(eventSecret),
		logger:      logger.Named("handlers"),
	}
}

// Health reports 200 only while the transport is running and storage answers
func (h *Handlers) Health(c *gin.Context) {
	state := h.transport.State()
	resp := HealthResponse{
		Status:  "ok",
		Service: ServiceName,
		State:   state.String(),
		Storage: "ok",
	}
	code := http.StatusOK

	if h.storage != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()
		if err := h.storage.Ping(ctx); err != nil {
			h.logger.Warn("Storage health check failed", zap.Error(err))
			resp.Storage = "unavailable"
			code = http.StatusServiceUnavailable
		}
	}

	if state != transport.StateRunning {
		code = http.StatusServiceUnavailable
	}
	if code != http.StatusOK {
		resp.Status = "unavailable"
	}

	c.JSON(code, resp)
}

// Status describes the supervisor and its instances
func (h *Handlers) Status(c *gin.Context) {
	cfg := h.transport.Config()
	selected := modes.Select(cfg.StartAll, cfg.DTLSMode)
	running := h.transport.Running()

	instances := make([]InstanceStatus, 0, len(modes.AllInstances))
	for _, instance := range modes.AllInstances {
		names := make([]string, 0, len(instance.Modes()))
		for _, m := range instance.Modes() {
			names = append(names, m.String())
		}
		instances = append(instances, InstanceStatus{
			Name:     instance.String(),
			Selected: slices.Contains(selected, instance),
			Running:  slices.Contains(running, instance),
			Modes:    names,
		})
	}

	c.JSON(http.StatusOK, StatusResponse{
		Status:       "ok",
		Service:      ServiceName,
		State:        h.transport.State().String(),
		SecurityMode: cfg.DTLSMode.String(),
		StartAll:     cfg.StartAll,
		KeyGenerator: cfg.EnableKeyGeneration,
		Instances:    instances,
		APIVersion:   CurrentAPIVersion,
		Capabilities: APICapabilities[CurrentAPIVersion],
	})
}

// ListDevices returns all registered device sessions
func (h *Handlers) ListDevices(c *gin.Context) {
	sessions, err := h.devices.List(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list devices", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list devices"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": sessions,
		"count":   len(sessions),
	})
}

// GetDevice returns the session of one endpoint
func (h *Handlers) GetDevice(c *gin.Context) {
	endpoint := c.Param("endpoint")
	if err := domain.ValidateEndpointName(endpoint); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.devices.Get(c.Request.Context(), endpoint)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
			return
		}
		h.logger.Error("Failed to get device", zap.String("endpoint", endpoint), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get device"})
		return
	}

	c.JSON(http.StatusOK, session)
}

// EventTokenRequest asks for an event tap token
type EventTokenRequest struct {
	Subject    string `json:"subject" binding:"required"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// EventTokenResponse carries an issued event tap token
type EventTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueEventToken mints a token for the /ws/events handshake
func (h *Handlers) IssueEventToken(c *gin.Context) {
	if len(h.eventSecret) == 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "Event tap is not protected by tokens"})
		return
	}

	var req EventTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	ttl := DefaultEventTokenTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	if ttl > MaxEventTokenTTL {
		ttl = MaxEventTokenTTL
	}

	token, err := middleware.IssueEventToken(h.eventSecret, req.Subject, ttl)
	if err != nil {
		h.logger.Error("Failed to issue event token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
		return
	}

	h.logger.Info("Issued event tap token", zap.String("subject", req.Subject), zap.Duration("ttl", ttl))
	c.JSON(http.StatusCreated, EventTokenResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(ttl).UTC(),
	})
}
