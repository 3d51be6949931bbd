// Package api provides the HTTP handlers of the transport status server.
package api

// APIVersion represents the status API version supported by this server.
//
// REST endpoints are at /api/... with no version prefix; the api_version
// field in /status tells clients which capabilities are present.
const (
	// APIVersion1 is the first status API version.
	APIVersion1 = 1

	// CurrentAPIVersion is the highest API version supported by this server.
	CurrentAPIVersion = APIVersion1
)

// ServiceName is reported by /health and /status
const ServiceName = "lwm2m-transport"

// APICapabilities describes the features available at each API version.
var APICapabilities = map[int][]string{
	APIVersion1: {
		"devices",
		"event-tap",
		"metrics",
	},
}

// StatusResponse is the response from the /status endpoint.
type StatusResponse struct {
	Status       string           `json:"status"`
	Service      string           `json:"service"`
	State        string           `json:"state"`
	SecurityMode string           `json:"dtls_mode"`
	StartAll     bool             `json:"start_all"`
	KeyGenerator bool             `json:"key_generation"`
	Instances    []InstanceStatus `json:"instances"`
	APIVersion   int              `json:"api_version"`
	Capabilities []string         `json:"capabilities,omitempty"`
}

// InstanceStatus describes one server instance
type InstanceStatus struct {
	Name     string   `json:"name"`
	Selected bool     `json:"selected"`
	Running  bool     `json:"running"`
	Modes    []string `json:"modes"`
}

// HealthResponse is the response from the /health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	State   string `json:"state"`
	Storage string `json:"storage"`
}
