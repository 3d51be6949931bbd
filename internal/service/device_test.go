package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-lwm2m-transport/internal/domain"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/lwm2m"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/metrics"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/modes"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/storage"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/storage/memory"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/transport"
)

var _ transport.Handler = (*DeviceService)(nil)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.DeviceEvent
}

func (p *recordingPublisher) Publish(e domain.DeviceEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) all() []domain.DeviceEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.DeviceEvent(nil), p.events...)
}

func (p *recordingPublisher) last() domain.DeviceEvent {
	events := p.all()
	return events[len(events)-1]
}

type failingStore struct {
	storage.DeviceStore
}

func (failingStore) Upsert(context.Context, *domain.DeviceSession) error {
	return errors.New("disk full")
}

func (failingStore) Count(context.Context) (int64, error) {
	return 0, errors.New("disk full")
}

func newTestService(t *testing.T) (*DeviceService, storage.DeviceStore, *recordingPublisher, *metrics.Metrics) {
	t.Helper()
	devices := memory.NewStore().Devices()
	pub := &recordingPublisher{}
	m := metrics.NewNop()
	svc := NewDeviceService(devices, zap.NewNop(), WithPublisher(pub), WithMetrics(m), WithStoreTimeout(time.Second))
	return svc, devices, pub, m
}

func testRegistration() lwm2m.Registration {
	return lwm2m.Registration{
		ID:        "reg-1",
		Endpoint:  "urn:dev:meter-1",
		Address:   "192.0.2.7:56830",
		Lifetime:  300 * time.Second,
		Version:   "1.1",
		Binding:   "UQ",
		QueueMode: true,
		ObjectLinks: []lwm2m.Link{
			{URL: "</1/0>"},
			{URL: "</3303/0>"},
		},
		Identity: lwm2m.PeerIdentity{Mode: modes.SecurityModePSK, PSKIdentity: "meter-1"},
	}
}

func TestDeviceService_OnRegistered(t *testing.T) {
	svc, devices, pub, m := newTestService(t)
	reg := testRegistration()

	svc.OnRegistered(modes.InstanceNoSecPskRpk, reg, []lwm2m.Observation{{Path: "/3303/0/5700"}})

	session, err := devices.GetByEndpoint(context.Background(), reg.Endpoint)
	require.NoError(t, err)
	assert.Equal(t, "reg-1", session.RegistrationID)
	assert.Equal(t, "nosec-psk-rpk", session.Instance)
	assert.Equal(t, "psk", session.SecurityMode)
	assert.Equal(t, "meter-1", session.PSKIdentity)
	assert.Equal(t, int64(300), session.LifetimeSecs)
	assert.Equal(t, []string{"</1/0>", "</3303/0>"}, session.ObjectLinks)
	assert.Equal(t, []string{"/3303/0/5700"}, session.Observations)
	assert.Equal(t, domain.PresenceAwake, session.Presence)
	assert.False(t, session.RegisteredAt.IsZero())

	event := pub.last()
	assert.Equal(t, domain.EventRegistered, event.Type)
	assert.Equal(t, "nosec-psk-rpk", event.Instance)
	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())

	assert.Equal(t, float64(1), testutil.ToFloat64(m.DeviceSessions))
}

func TestDeviceService_UpdateAndPresence(t *testing.T) {
	svc, devices, pub, _ := newTestService(t)
	reg := testRegistration()
	svc.OnRegistered(modes.InstanceCert, reg, nil)

	svc.OnUpdated(modes.InstanceCert, lwm2m.RegistrationUpdate{RegistrationID: reg.ID, Address: "192.0.2.8:1000"}, reg, reg)
	svc.OnSleeping(modes.InstanceCert, reg)

	session, err := devices.GetByRegistrationID(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.8:1000", session.Address)
	assert.Equal(t, "UQ", session.Binding)
	assert.Equal(t, domain.PresenceSleeping, session.Presence)

	svc.OnAwake(modes.InstanceCert, reg)
	session, err = devices.GetByRegistrationID(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceAwake, session.Presence)

	types := []domain.EventType{}
	for _, e := range pub.all() {
		types = append(types, e.Type)
	}
	assert.Equal(t, []domain.EventType{
		domain.EventRegistered, domain.EventUpdated, domain.EventSleeping, domain.EventAwake,
	}, types)
}

func TestDeviceService_Observations(t *testing.T) {
	svc, devices, pub, _ := newTestService(t)
	reg := testRegistration()
	svc.OnRegistered(modes.InstanceNoSecPskRpk, reg, nil)

	obs := lwm2m.Observation{ID: "o1", RegistrationID: reg.ID, Path: "/3303/0/5700"}
	svc.OnObservationStarted(modes.InstanceNoSecPskRpk, obs, reg)
	svc.OnObservationResponse(modes.InstanceNoSecPskRpk, obs, reg, lwm2m.ObserveResponse{
		Code: "2.05", ContentFormat: 11542, Payload: []byte{0x01},
	})

	session, err := devices.GetByRegistrationID(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"/3303/0/5700"}, session.Observations)
	require.NotNil(t, session.LastObservation)
	assert.Equal(t, uint16(11542), session.LastObservation.ContentFormat)
	assert.False(t, session.LastObservation.ReceivedAt.IsZero())

	event := pub.last()
	assert.Equal(t, domain.EventObservation, event.Type)
	require.NotNil(t, event.Observation)
	assert.Equal(t, []byte{0x01}, event.Observation.Payload)

	svc.OnObservationError(modes.InstanceNoSecPskRpk, obs, reg, errors.New("device timeout"))
	event = pub.last()
	assert.Equal(t, domain.EventObservationError, event.Type)
	assert.Equal(t, "device timeout", event.Error)

	svc.OnObservationCancelled(modes.InstanceNoSecPskRpk, obs)
	session, err = devices.GetByRegistrationID(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Empty(t, session.Observations)
	assert.Equal(t, domain.EventObservationCancelled, pub.last().Type)
}

func TestDeviceService_OnUnregistered(t *testing.T) {
	svc, devices, pub, m := newTestService(t)
	reg := testRegistration()
	svc.OnRegistered(modes.InstanceCert, reg, nil)

	svc.OnUnregistered(modes.InstanceCert, reg, nil, true)

	_, err := devices.GetByEndpoint(context.Background(), reg.Endpoint)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, domain.EventExpired, pub.last().Type)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.DeviceSessions))

	svc.OnUnregistered(modes.InstanceCert, reg, nil, false)
	assert.Equal(t, domain.EventUnregistered, pub.last().Type)
}

func TestDeviceService_StaleDeregistrationKeepsNewSession(t *testing.T) {
	svc, devices, _, _ := newTestService(t)
	old := testRegistration()
	svc.OnRegistered(modes.InstanceNoSecPskRpk, old, nil)

	renewed := old
	renewed.ID = "reg-2"
	svc.OnRegistered(modes.InstanceNoSecPskRpk, renewed, nil)

	svc.OnUnregistered(modes.InstanceNoSecPskRpk, old, nil, true)

	session, err := devices.GetByEndpoint(context.Background(), old.Endpoint)
	require.NoError(t, err)
	assert.Equal(t, "reg-2", session.RegistrationID)
}

func TestDeviceService_StoreFailureStillPublishes(t *testing.T) {
	pub := &recordingPublisher{}
	svc := NewDeviceService(failingStore{memory.NewStore().Devices()}, zap.NewNop(),
		WithPublisher(pub), WithMetrics(metrics.NewNop()))

	assert.NotPanics(t, func() {
		svc.OnRegistered(modes.InstanceCert, testRegistration(), nil)
	})
	assert.Len(t, pub.all(), 1)
}

func TestDeviceService_UnknownRegistrationIsLogged(t *testing.T) {
	svc, _, pub, _ := newTestService(t)
	reg := testRegistration()

	assert.NotPanics(t, func() {
		svc.OnSleeping(modes.InstanceCert, reg)
		svc.OnObservationCancelled(modes.InstanceCert, lwm2m.Observation{RegistrationID: "missing", Path: "/1"})
	})
	assert.Len(t, pub.all(), 2)
}

func TestDeviceService_WithoutPublisher(t *testing.T) {
	svc := NewDeviceService(memory.NewStore().Devices(), zap.NewNop())

	svc.OnRegistered(modes.InstanceCert, testRegistration(), nil)

	sessions, err := svc.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	session, err := svc.Get(context.Background(), "urn:dev:meter-1")
	require.NoError(t, err)
	assert.Equal(t, "cert", session.Instance)
}

func TestDeviceService_ConcurrentEvents(t *testing.T) {
	svc, devices, pub, _ := newTestService(t)
	reg := testRegistration()
	svc.OnRegistered(modes.InstanceNoSecPskRpk, reg, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			svc.OnAwake(modes.InstanceNoSecPskRpk, reg)
		}()
		go func() {
			defer wg.Done()
			svc.OnObservationStarted(modes.InstanceNoSecPskRpk, lwm2m.Observation{RegistrationID: reg.ID, Path: "/3/0/9"}, reg)
		}()
	}
	wg.Wait()

	session, err := devices.GetByRegistrationID(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"/3/0/9"}, session.Observations)
	assert.Len(t, pub.all(), 21)
}
