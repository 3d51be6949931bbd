package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-lwm2m-transport/internal/domain"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/lwm2m"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/metrics"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/modes"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/storage"
)

// DefaultStoreTimeout bounds each store call made from an engine callback
const DefaultStoreTimeout = 5 * time.Second

// EventPublisher receives every device event
type EventPublisher interface {
	Publish(event domain.DeviceEvent)
}

// DeviceService keeps device sessions in sync with engine events and
// publishes each event. It implements transport.Handler.
type DeviceService struct {
	devices   storage.DeviceStore
	publisher EventPublisher
	logger    *zap.Logger
	metrics   *metrics.Metrics
	timeout   time.Duration
	now       func() time.Time
}

// DeviceOption customises a DeviceService
type DeviceOption func(*DeviceService)

func WithPublisher(p EventPublisher) DeviceOption {
	return func(s *DeviceService) { s.publisher = p }
}

func WithMetrics(m *metrics.Metrics) DeviceOption {
	return func(s *DeviceService) { s.metrics = m }
}

func WithStoreTimeout(d time.Duration) DeviceOption {
	return func(s *DeviceService) { s.timeout = d }
}

// NewDeviceService creates a new device service
func NewDeviceService(devices storage.DeviceStore, logger *zap.Logger, opts ...DeviceOption) *DeviceService {
	s := &DeviceService{
		devices: devices,
		logger:  logger.Named("devices"),
		timeout: DefaultStoreTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns all device sessions
func (s *DeviceService) List(ctx context.Context) ([]*domain.DeviceSession, error) {
	return s.devices.GetAll(ctx)
}

// Get returns the session of a client endpoint
func (s *DeviceService) Get(ctx context.Context, endpoint string) (*domain.DeviceSession, error) {
	return s.devices.GetByEndpoint(ctx, endpoint)
}

func (s *DeviceService) OnRegistered(instance modes.Instance, reg lwm2m.Registration, previousObservations []lwm2m.Observation) {
	ctx, cancel := s.storeContext()
	defer cancel()

	session := s.sessionFromRegistration(instance, reg, previousObservations)
	if err := s.devices.Upsert(ctx, session); err != nil {
		s.logger.Error("Failed to store device session",
			zap.String("endpoint", reg.Endpoint),
			zap.String("registration_id", reg.ID),
			zap.Error(err))
	} else {
		s.logger.Info("Device registered",
			zap.String("endpoint", reg.Endpoint),
			zap.String("registration_id", reg.ID),
			zap.Stringer("instance", instance),
			zap.String("security_mode", session.SecurityMode))
	}
	s.refreshSessionCount(ctx)

	s.publish(domain.DeviceEvent{
		Type:           domain.EventRegistered,
		Instance:       instance.String(),
		Endpoint:       reg.Endpoint,
		RegistrationID: reg.ID,
	})
}

func (s *DeviceService) OnUpdated(instance modes.Instance, update lwm2m.RegistrationUpdate, updated lwm2m.Registration, _ lwm2m.Registration) {
	ctx, cancel := s.storeContext()
	defer cancel()

	regID := update.RegistrationID
	if regID == "" {
		regID = updated.ID
	}

	err := s.devices.Update(ctx, regID, domain.SessionUpdate{
		Address:      update.Address,
		Binding:      update.Binding,
		LifetimeSecs: int64(update.Lifetime / time.Second),
		ObjectLinks:  linkURLs(update.ObjectLinks),
	})
	s.logStoreError("Failed to update device session", updated.Endpoint, regID, err)

	s.publish(domain.DeviceEvent{
		Type:           domain.EventUpdated,
		Instance:       instance.String(),
		Endpoint:       updated.Endpoint,
		RegistrationID: regID,
	})
}

func (s *DeviceService) OnUnregistered(instance modes.Instance, reg lwm2m.Registration, _ []lwm2m.Observation, expired bool) {
	ctx, cancel := s.storeContext()
	defer cancel()

	err := s.devices.Delete(ctx, reg.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// Superseded by a newer registration of the same endpoint
		s.logger.Debug("No session for registration",
			zap.String("endpoint", reg.Endpoint),
			zap.String("registration_id", reg.ID))
	case err != nil:
		s.logStoreError("Failed to delete device session", reg.Endpoint, reg.ID, err)
	default:
		s.logger.Info("Device unregistered",
			zap.String("endpoint", reg.Endpoint),
			zap.String("registration_id", reg.ID),
			zap.Bool("expired", expired))
	}
	s.refreshSessionCount(ctx)

	eventType := domain.EventUnregistered
	if expired {
		eventType = domain.EventExpired
	}
	s.publish(domain.DeviceEvent{
		Type:           eventType,
		Instance:       instance.String(),
		Endpoint:       reg.Endpoint,
		RegistrationID: reg.ID,
	})
}

func (s *DeviceService) OnAwake(instance modes.Instance, reg lwm2m.Registration) {
	s.setPresence(instance, reg, domain.PresenceAwake, domain.EventAwake)
}

func (s *DeviceService) OnSleeping(instance modes.Instance, reg lwm2m.Registration) {
	s.setPresence(instance, reg, domain.PresenceSleeping, domain.EventSleeping)
}

func (s *DeviceService) setPresence(instance modes.Instance, reg lwm2m.Registration, presence domain.Presence, eventType domain.EventType) {
	ctx, cancel := s.storeContext()
	defer cancel()

	err := s.devices.SetPresence(ctx, reg.ID, presence)
	s.logStoreError("Failed to update device presence", reg.Endpoint, reg.ID, err)

	s.publish(domain.DeviceEvent{
		Type:           eventType,
		Instance:       instance.String(),
		Endpoint:       reg.Endpoint,
		RegistrationID: reg.ID,
	})
}

func (s *DeviceService) OnObservationStarted(instance modes.Instance, obs lwm2m.Observation, reg lwm2m.Registration) {
	ctx, cancel := s.storeContext()
	defer cancel()

	regID := observationRegistration(obs, reg)
	err := s.devices.AddObservation(ctx, regID, obs.Path)
	s.logStoreError("Failed to add observation", reg.Endpoint, regID, err)

	s.publish(domain.DeviceEvent{
		Type:           domain.EventObservationStarted,
		Instance:       instance.String(),
		Endpoint:       reg.Endpoint,
		RegistrationID: regID,
		Path:           obs.Path,
	})
}

func (s *DeviceService) OnObservationCancelled(instance modes.Instance, obs lwm2m.Observation) {
	ctx, cancel := s.storeContext()
	defer cancel()

	err := s.devices.RemoveObservation(ctx, obs.RegistrationID, obs.Path)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logStoreError("Failed to remove observation", "", obs.RegistrationID, err)
	}

	s.publish(domain.DeviceEvent{
		Type:           domain.EventObservationCancelled,
		Instance:       instance.String(),
		RegistrationID: obs.RegistrationID,
		Path:           obs.Path,
	})
}

func (s *DeviceService) OnObservationResponse(instance modes.Instance, obs lwm2m.Observation, reg lwm2m.Registration, resp lwm2m.ObserveResponse) {
	receivedAt := resp.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}
	record := domain.ObservationRecord{
		Path:          obs.Path,
		Code:          resp.Code,
		ContentFormat: resp.ContentFormat,
		Payload:       resp.Payload,
		ReceivedAt:    receivedAt,
	}
	s.recordObservation(instance, obs, reg, record, domain.EventObservation)
}

func (s *DeviceService) OnObservationError(instance modes.Instance, obs lwm2m.Observation, reg lwm2m.Registration, err error) {
	record := domain.ObservationRecord{
		Path:       obs.Path,
		ReceivedAt: s.now(),
	}
	if err != nil {
		record.Error = err.Error()
	}

	s.logger.Warn("Observation failed",
		zap.String("endpoint", reg.Endpoint),
		zap.String("path", obs.Path),
		zap.Error(err))

	s.recordObservation(instance, obs, reg, record, domain.EventObservationError)
}

func (s *DeviceService) recordObservation(instance modes.Instance, obs lwm2m.Observation, reg lwm2m.Registration, record domain.ObservationRecord, eventType domain.EventType) {
	ctx, cancel := s.storeContext()
	defer cancel()

	regID := observationRegistration(obs, reg)
	err := s.devices.RecordObservation(ctx, regID, record)
	s.logStoreError("Failed to record observation", reg.Endpoint, regID, err)

	s.publish(domain.DeviceEvent{
		Type:           eventType,
		Instance:       instance.String(),
		Endpoint:       reg.Endpoint,
		RegistrationID: regID,
		Path:           obs.Path,
		Observation:    &record,
		Error:          record.Error,
	})
}

func (s *DeviceService) sessionFromRegistration(instance modes.Instance, reg lwm2m.Registration, previous []lwm2m.Observation) *domain.DeviceSession {
	now := s.now()

	registeredAt := reg.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = now
	}

	observations := make([]string, 0, len(previous))
	for _, obs := range previous {
		observations = append(observations, obs.Path)
	}

	return &domain.DeviceSession{
		Endpoint:       reg.Endpoint,
		RegistrationID: reg.ID,
		Instance:       instance.String(),
		SecurityMode:   reg.Identity.Mode.String(),
		PSKIdentity:    reg.Identity.PSKIdentity,
		Address:        reg.Address,
		Binding:        reg.Binding,
		QueueMode:      reg.QueueMode,
		LwM2MVersion:   reg.Version,
		LifetimeSecs:   int64(reg.Lifetime / time.Second),
		ObjectLinks:    linkURLs(reg.ObjectLinks),
		Presence:       domain.PresenceAwake,
		Observations:   observations,
		RegisteredAt:   registeredAt,
		LastSeen:       now,
	}
}

func (s *DeviceService) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *DeviceService) logStoreError(msg, endpoint, registrationID string, err error) {
	if err == nil {
		return
	}
	s.logger.Error(msg,
		zap.String("endpoint", endpoint),
		zap.String("registration_id", registrationID),
		zap.Error(err))
}

func (s *DeviceService) refreshSessionCount(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	n, err := s.devices.Count(ctx)
	if err != nil {
		s.logger.Warn("Failed to count device sessions", zap.Error(err))
		return
	}
	s.metrics.DeviceSessions.Set(float64(n))
}

func (s *DeviceService) publish(event domain.DeviceEvent) {
	if s.publisher == nil {
		return
	}
	event.ID = uuid.NewString()
	event.Timestamp = s.now().UTC()
	s.publisher.Publish(event)
}

func observationRegistration(obs lwm2m.Observation, reg lwm2m.Registration) string {
	if obs.RegistrationID != "" {
		return obs.RegistrationID
	}
	return reg.ID
}

func linkURLs(links []lwm2m.Link) []string {
	if len(links) == 0 {
		return nil
	}
	urls := make([]string, len(links))
	for i, l := range links {
		urls[i] = l.URL
	}
	return urls
}
