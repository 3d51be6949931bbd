// Package lwm2m defines the boundary between the transport and an LwM2M
// protocol engine.
//
// An engine exposes each bound endpoint as a Server. The transport starts and
// destroys servers and subscribes to their registration, presence and
// observation services; everything below that line (CoAP framing, DTLS
// sessions, retransmission) is the engine's business.
package lwm2m

import (
	"time"

	"github.com/sirosfoundation/go-lwm2m-transport/internal/modes"
)

// Link is one entry of a client's CoRE link-format object list, e.g. </3/0>
type Link struct {
	URL        string            `json:"url"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// PeerIdentity describes how a client authenticated its session
type PeerIdentity struct {
	Mode        modes.SecurityMode `json:"mode"`
	PSKIdentity string             `json:"psk_identity,omitempty"`
	// Subject is the X.509 subject common name for certificate sessions
	Subject string `json:"subject,omitempty"`
	// PublicKey is the DER-encoded raw public key for RPK sessions
	PublicKey []byte `json:"public_key,omitempty"`
}

// Registration is a client's active registration with a server
type Registration struct {
	ID           string        `json:"id"`
	Endpoint     string        `json:"endpoint"`
	Address      string        `json:"address"`
	Lifetime     time.Duration `json:"lifetime"`
	Version      string        `json:"version,omitempty"`
	Binding      string        `json:"binding,omitempty"`
	QueueMode    bool          `json:"queue_mode"`
	ObjectLinks  []Link        `json:"object_links,omitempty"`
	Identity     PeerIdentity  `json:"identity"`
	RegisteredAt time.Time     `json:"registered_at"`
	LastUpdate   time.Time     `json:"last_update"`
}

// ExpiresAt returns when the registration lapses without an update
func (r Registration) ExpiresAt() time.Time {
	return r.LastUpdate.Add(r.Lifetime)
}

// RegistrationUpdate carries the fields a client sent in a registration update.
// Zero values mean "unchanged".
type RegistrationUpdate struct {
	RegistrationID string        `json:"registration_id"`
	Address        string        `json:"address,omitempty"`
	Lifetime       time.Duration `json:"lifetime,omitempty"`
	Binding        string        `json:"binding,omitempty"`
	ObjectLinks    []Link        `json:"object_links,omitempty"`
}

// Observation is an observe relation established on a client resource path
type Observation struct {
	ID             string            `json:"id"`
	RegistrationID string            `json:"registration_id"`
	Path           string            `json:"path"`
	Context        map[string]string `json:"context,omitempty"`
}

// ObserveResponse is a notification received for an observation
type ObserveResponse struct {
	Code          string    `json:"code"`
	ContentFormat uint16    `json:"content_format"`
	Payload       []byte    `json:"payload,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
}
