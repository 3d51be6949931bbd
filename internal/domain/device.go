package domain

import (
	"fmt"
	"regexp"
	"slices"
	"time"
)

// endpointNameRegex matches LwM2M client endpoint names: printable ASCII without
// whitespace or path separators
var endpointNameRegex = regexp.MustCompile(`^[\x21-\x2e\x30-\x7e]+$`)

// ValidateEndpointName checks if a client endpoint name is usable as a key
func ValidateEndpointName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("endpoint name cannot be empty")
	}
	if len(name) > 255 {
		return fmt.Errorf("endpoint name cannot exceed 255 characters")
	}
	if !endpointNameRegex.MatchString(name) {
		return fmt.Errorf("endpoint name must contain only printable characters without whitespace or '/'")
	}
	return nil
}

// Presence is the reachability of a queue-mode client
type Presence string

const (
	PresenceAwake    Presence = "awake"
	PresenceSleeping Presence = "sleeping"
)

// ObservationRecord is the most recent notification received from a device
type ObservationRecord struct {
	Path          string    `json:"path" bson:"path"`
	Code          string    `json:"code" bson:"code"`
	ContentFormat uint16    `json:"content_format" bson:"content_format"`
	Payload       []byte    `json:"payload,omitempty" bson:"payload,omitempty"`
	Error         string    `json:"error,omitempty" bson:"error,omitempty"`
	ReceivedAt    time.Time `json:"received_at" bson:"received_at"`
}

// DeviceSession is the transport's view of a registered client.
// Sessions are keyed by endpoint name; a re-registration replaces the session.
type DeviceSession struct {
	Endpoint       string   `json:"endpoint" bson:"_id"`
	RegistrationID string   `json:"registration_id" bson:"registration_id"`
	Instance       string   `json:"instance" bson:"instance"`
	SecurityMode   string   `json:"security_mode" bson:"security_mode"`
	PSKIdentity    string   `json:"psk_identity,omitempty" bson:"psk_identity,omitempty"`
	Address        string   `json:"address" bson:"address"`
	Binding        string   `json:"binding,omitempty" bson:"binding,omitempty"`
	QueueMode      bool     `json:"queue_mode" bson:"queue_mode"`
	LwM2MVersion   string   `json:"lwm2m_version,omitempty" bson:"lwm2m_version,omitempty"`
	LifetimeSecs   int64    `json:"lifetime_seconds" bson:"lifetime_seconds"`
	ObjectLinks    []string `json:"object_links,omitempty" bson:"object_links,omitempty"`
	Presence       Presence `json:"presence" bson:"presence"`
	Observations   []string `json:"observations" bson:"observations"`

	LastObservation *ObservationRecord `json:"last_observation,omitempty" bson:"last_observation,omitempty"`

	RegisteredAt time.Time `json:"registered_at" bson:"registered_at"`
	LastSeen     time.Time `json:"last_seen" bson:"last_seen"`
}

// ExpiresAt returns when the registration lapses without an update
func (s *DeviceSession) ExpiresAt() time.Time {
	return s.LastSeen.Add(time.Duration(s.LifetimeSecs) * time.Second)
}

// Clone returns a deep copy
func (s *DeviceSession) Clone() *DeviceSession {
	c := *s
	c.ObjectLinks = slices.Clone(s.ObjectLinks)
	c.Observations = slices.Clone(s.Observations)
	if s.LastObservation != nil {
		rec := *s.LastObservation
		rec.Payload = slices.Clone(s.LastObservation.Payload)
		c.LastObservation = &rec
	}
	return &c
}

// SessionUpdate holds the fields changed by a registration update.
// Zero values leave the stored field unchanged.
type SessionUpdate struct {
	Address      string
	Binding      string
	LifetimeSecs int64
	ObjectLinks  []string
}

// Apply merges u into s
func (u SessionUpdate) Apply(s *DeviceSession, now time.Time) {
	if u.Address != "" {
		s.Address = u.Address
	}
	if u.Binding != "" {
		s.Binding = u.Binding
	}
	if u.LifetimeSecs > 0 {
		s.LifetimeSecs = u.LifetimeSecs
	}
	if len(u.ObjectLinks) > 0 {
		s.ObjectLinks = slices.Clone(u.ObjectLinks)
	}
	s.LastSeen = now
}

// EventType names a device event published on the event tap
type EventType string

const (
	EventRegistered           EventType = "registered"
	EventUpdated              EventType = "updated"
	EventUnregistered         EventType = "unregistered"
	EventExpired              EventType = "expired"
	EventAwake                EventType = "awake"
	EventSleeping             EventType = "sleeping"
	EventObservationStarted   EventType = "observation_started"
	EventObservationCancelled EventType = "observation_cancelled"
	EventObservation          EventType = "observation"
	EventObservationError     EventType = "observation_error"
)

// DeviceEvent is one device event as seen by event tap subscribers
type DeviceEvent struct {
	ID             string             `json:"id"`
	Type           EventType          `json:"type"`
	Instance       string             `json:"instance"`
	Endpoint       string             `json:"endpoint,omitempty"`
	RegistrationID string             `json:"registration_id,omitempty"`
	Path           string             `json:"path,omitempty"`
	Observation    *ObservationRecord `json:"observation,omitempty"`
	Error          string             `json:"error,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}
