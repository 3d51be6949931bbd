package storage

import (
	"context"
	"errors"

	"github.com/sirosfoundation/go-lwm2m-transport/internal/domain"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrDatabase     = errors.New("database error")
)

// DeviceStore defines the interface for device session storage.
//
// Mutations after registration address a session by registration ID, so an
// event for a superseded registration never touches the session that replaced it.
type DeviceStore interface {
	// Upsert stores a session, replacing any session with the same endpoint
	Upsert(ctx context.Context, session *domain.DeviceSession) error

	// GetByEndpoint retrieves a session by client endpoint name
	GetByEndpoint(ctx context.Context, endpoint string) (*domain.DeviceSession, error)

	// GetByRegistrationID retrieves a session by registration ID
	GetByRegistrationID(ctx context.Context, registrationID string) (*domain.DeviceSession, error)

	// GetAll retrieves all sessions ordered by endpoint
	GetAll(ctx context.Context) ([]*domain.DeviceSession, error)

	// Count returns the number of sessions
	Count(ctx context.Context) (int64, error)

	// Update applies a registration update
	Update(ctx context.Context, registrationID string, update domain.SessionUpdate) error

	// SetPresence records a presence change
	SetPresence(ctx context.Context, registrationID string, presence domain.Presence) error

	// AddObservation adds an observed path; adding a present path is a no-op
	AddObservation(ctx context.Context, registrationID, path string) error

	// RemoveObservation removes an observed path
	RemoveObservation(ctx context.Context, registrationID, path string) error

	// RecordObservation stores the latest notification
	RecordObservation(ctx context.Context, registrationID string, record domain.ObservationRecord) error

	// Delete removes the session holding registrationID
	Delete(ctx context.Context, registrationID string) error
}

// Store is the storage aggregate
type Store interface {
	Devices() DeviceStore

	// Close closes the storage connection
	Close() error

	// Ping checks if the storage is alive
	Ping(ctx context.Context) error
}
