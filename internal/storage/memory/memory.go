package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirosfoundation/go-lwm2m-transport/internal/domain"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/storage"
)

// Store implements an in-memory storage
type Store struct {
	devices *DeviceStore
}

// NewStore creates a new in-memory store
func NewStore() *Store {
	return &Store{
		devices: &DeviceStore{
			data:  make(map[string]*domain.DeviceSession),
			byReg: make(map[string]string),
			now:   time.Now,
		},
	}
}

func (s *Store) Devices() storage.DeviceStore   { return s.devices }
func (s *Store) Close() error                   { return nil }
func (s *Store) Ping(ctx context.Context) error { return nil }

// DeviceStore implements in-memory device session storage
type DeviceStore struct {
	mu    sync.RWMutex
	data  map[string]*domain.DeviceSession // by endpoint
	byReg map[string]string                // registration ID -> endpoint
	now   func() time.Time
}

func (s *DeviceStore) Upsert(ctx context.Context, session *domain.DeviceSession) error {
	if err := domain.ValidateEndpointName(session.Endpoint); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if session.RegistrationID == "" {
		return fmt.Errorf("%w: registration id is required", storage.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.data[session.Endpoint]; ok {
		delete(s.byReg, prev.RegistrationID)
	}

	stored := session.Clone()
	if stored.Observations == nil {
		stored.Observations = []string{}
	}
	s.data[stored.Endpoint] = stored
	s.byReg[stored.RegistrationID] = stored.Endpoint
	return nil
}

func (s *DeviceStore) GetByEndpoint(ctx context.Context, endpoint string) (*domain.DeviceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.data[endpoint]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return session.Clone(), nil
}

func (s *DeviceStore) GetByRegistrationID(ctx context.Context, registrationID string) (*domain.DeviceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.lookup(registrationID)
	if !ok {
		return nil, storage.ErrNotFound
	}
	return session.Clone(), nil
}

func (s *DeviceStore) GetAll(ctx context.Context) ([]*domain.DeviceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*domain.DeviceSession, 0, len(s.data))
	for _, session := range s.data {
		sessions = append(sessions, session.Clone())
	}
	slices.SortFunc(sessions, func(a, b *domain.DeviceSession) int {
		return strings.Compare(a.Endpoint, b.Endpoint)
	})
	return sessions, nil
}

func (s *DeviceStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.data)), nil
}

func (s *DeviceStore) Update(ctx context.Context, registrationID string, update domain.SessionUpdate) error {
	return s.mutate(registrationID, func(session *domain.DeviceSession) {
		update.Apply(session, s.now())
	})
}

func (s *DeviceStore) SetPresence(ctx context.Context, registrationID string, presence domain.Presence) error {
	return s.mutate(registrationID, func(session *domain.DeviceSession) {
		session.Presence = presence
		session.LastSeen = s.now()
	})
}

func (s *DeviceStore) AddObservation(ctx context.Context, registrationID, path string) error {
	return s.mutate(registrationID, func(session *domain.DeviceSession) {
		if !slices.Contains(session.Observations, path) {
			session.Observations = append(session.Observations, path)
		}
	})
}

func (s *DeviceStore) RemoveObservation(ctx context.Context, registrationID, path string) error {
	return s.mutate(registrationID, func(session *domain.DeviceSession) {
		session.Observations = slices.DeleteFunc(session.Observations, func(p string) bool { return p == path })
	})
}

func (s *DeviceStore) RecordObservation(ctx context.Context, registrationID string, record domain.ObservationRecord) error {
	return s.mutate(registrationID, func(session *domain.DeviceSession) {
		rec := record
		rec.Payload = slices.Clone(record.Payload)
		session.LastObservation = &rec
		session.LastSeen = s.now()
	})
}

func (s *DeviceStore) Delete(ctx context.Context, registrationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	endpoint, ok := s.byReg[registrationID]
	if !ok {
		return storage.ErrNotFound
	}
	delete(s.byReg, registrationID)
	delete(s.data, endpoint)
	return nil
}

func (s *DeviceStore) lookup(registrationID string) (*domain.DeviceSession, bool) {
	endpoint, ok := s.byReg[registrationID]
	if !ok {
		return nil, false
	}
	session, ok := s.data[endpoint]
	return session, ok
}

func (s *DeviceStore) mutate(registrationID string, fn func(*domain.DeviceSession)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.lookup(registrationID)
	if !ok {
		return storage.ErrNotFound
	}
	fn(session)
	return nil
}
