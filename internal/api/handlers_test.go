package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-lwm2m-transport/internal/domain"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/modes"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/storage"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/transport"
	"github.com/sirosfoundation/go-lwm2m-transport/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeTransport struct {
	state   transport.State
	cfg     transport.Config
	running []modes.Instance
}

func (f *fakeTransport) State() transport.State    { return f.state }
func (f *fakeTransport) Config() transport.Config  { return f.cfg }
func (f *fakeTransport) Running() []modes.Instance { return f.running }

type fakeDevices struct {
	sessions map[string]*domain.DeviceSession
	err      error
}

func (f *fakeDevices) List(context.Context) ([]*domain.DeviceSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]*domain.DeviceSession, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeDevices) Get(_ context.Context, endpoint string) (*domain.DeviceSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.sessions[endpoint]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s, nil
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newRouter(h *Handlers) *gin.Engine {
	router := gin.New()
	router.GET("/health", h.Health)
	router.GET("/status", h.Status)
	router.GET("/api/devices", h.ListDevices)
	router.GET("/api/devices/:endpoint", h.GetDevice)
	router.POST("/api/events/token", h.IssueEventToken)
	return router
}

func do(router *gin.Engine, method, path string, body []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	router.ServeHTTP(w, req)
	return w
}

func runningTransport() *fakeTransport {
	return &fakeTransport{
		state:   transport.StateRunning,
		cfg:     transport.Config{DTLSMode: modes.SecurityModePSK},
		running: []modes.Instance{modes.InstanceNoSecPskRpk},
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name    string
		state   transport.State
		ping    error
		code    int
		storage string
	}{
		{"running", transport.StateRunning, nil, http.StatusOK, "ok"},
		{"initializing", transport.StateInitializing, nil, http.StatusServiceUnavailable, "ok"},
		{"failed", transport.StateFailed, nil, http.StatusServiceUnavailable, "ok"},
		{"storage down", transport.StateRunning, errors.New("no primary"), http.StatusServiceUnavailable, "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ping := tt.ping
			h := NewHandlers(&fakeTransport{state: tt.state}, &fakeDevices{},
				pingFunc(func(context.Context) error { return ping }), "", zap.NewNop())

			w := do(newRouter(h), http.MethodGet, "/health", nil)
			assert.Equal(t, tt.code, w.Code)

			var resp HealthResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, ServiceName, resp.Service)
			assert.Equal(t, tt.state.String(), resp.State)
			assert.Equal(t, tt.storage, resp.Storage)
		})
	}
}

func TestHealth_NoStorage(t *testing.T) {
	h := NewHandlers(runningTransport(), &fakeDevices{}, nil, "", zap.NewNop())
	w := do(newRouter(h), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatus(t *testing.T) {
	h := NewHandlers(runningTransport(), &fakeDevices{}, nil, "", zap.NewNop())

	w := do(newRouter(h), http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "running", resp.State)
	assert.Equal(t, "psk", resp.SecurityMode)
	assert.Equal(t, CurrentAPIVersion, resp.APIVersion)
	assert.Contains(t, resp.Capabilities, "event-tap")

	require.Len(t, resp.Instances, 2)
	assert.Equal(t, InstanceStatus{Name: "cert", Selected: false, Running: false, Modes: []string{"x509"}}, resp.Instances[0])
	assert.Equal(t, InstanceStatus{Name: "nosec-psk-rpk", Selected: true, Running: true, Modes: []string{"psk", "rpk", "nosec"}}, resp.Instances[1])
}

func TestStatus_StartAll(t *testing.T) {
	ft := &fakeTransport{
		state:   transport.StateRunning,
		cfg:     transport.Config{StartAll: true, DTLSMode: modes.SecurityModeX509, EnableKeyGeneration: true},
		running: []modes.Instance{modes.InstanceCert, modes.InstanceNoSecPskRpk},
	}
	h := NewHandlers(ft, &fakeDevices{}, nil, "", zap.NewNop())

	w := do(newRouter(h), http.MethodGet, "/status", nil)
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.True(t, resp.StartAll)
	assert.True(t, resp.KeyGenerator)
	for _, inst := range resp.Instances {
		assert.True(t, inst.Selected, inst.Name)
		assert.True(t, inst.Running, inst.Name)
	}
}

func TestListDevices(t *testing.T) {
	devices := &fakeDevices{sessions: map[string]*domain.DeviceSession{
		"dev-1": {Endpoint: "dev-1", RegistrationID: "r1", Instance: "cert"},
	}}
	h := NewHandlers(runningTransport(), devices, nil, "", zap.NewNop())

	w := do(newRouter(h), http.MethodGet, "/api/devices", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Devices []domain.DeviceSession `json:"devices"`
		Count   int                    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "r1", resp.Devices[0].RegistrationID)

	devices.err = errors.New("boom")
	w = do(newRouter(h), http.MethodGet, "/api/devices", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetDevice(t *testing.T) {
	devices := &fakeDevices{sessions: map[string]*domain.DeviceSession{
		"dev-1": {Endpoint: "dev-1", RegistrationID: "r1"},
	}}
	h := NewHandlers(runningTransport(), devices, nil, "", zap.NewNop())
	router := newRouter(h)

	w := do(router, http.MethodGet, "/api/devices/dev-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var session domain.DeviceSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	assert.Equal(t, "dev-1", session.Endpoint)

	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/api/devices/unknown", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodGet, "/api/devices/%20bad", nil).Code)

	devices.err = errors.New("boom")
	assert.Equal(t, http.StatusInternalServerError, do(router, http.MethodGet, "/api/devices/dev-1", nil).Code)
}

func TestIssueEventToken(t *testing.T) {
	h := NewHandlers(runningTransport(), &fakeDevices{}, nil, "tap-secret", zap.NewNop())
	router := newRouter(h)

	w := do(router, http.MethodPost, "/api/events/token", []byte(`{"subject":"grafana","ttl_seconds":600}`))
	require.Equal(t, http.StatusCreated, w.Code)

	var resp EventTokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	claims, err := middleware.ParseEventToken([]byte("tap-secret"), resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "grafana", claims.Subject)
	assert.False(t, resp.ExpiresAt.IsZero())

	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/api/events/token", []byte(`{}`)).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/api/events/token", []byte(`nope`)).Code)
}

func TestIssueEventToken_Unprotected(t *testing.T) {
	h := NewHandlers(runningTransport(), &fakeDevices{}, nil, "", zap.NewNop())
	w := do(newRouter(h), http.MethodPost, "/api/events/token", []byte(`{"subject":"grafana"}`))
	assert.Equal(t, http.StatusConflict, w.Code)
}
