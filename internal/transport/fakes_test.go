package transport

import (
	"errors"
	"sync"

	"github.com/sirosfoundation/go-lwm2m-transport/internal/lwm2m"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/modes"
)

// callLog records calls across fakes so tests can assert ordering
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *callLog) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *callLog) count(call string) int {
	n := 0
	for _, got := range c.all() {
		if got == call {
			n++
		}
	}
	return n
}

func (c *callLog) index(call string) int {
	for i, got := range c.all() {
		if got == call {
			return i
		}
	}
	return -1
}

type registrationService struct {
	lwm2m.RegistrationHub
	name string
	log  *callLog
}

func (s *registrationService) AddListener(l lwm2m.RegistrationListener) {
	s.log.add(s.name + ":add-registration")
	s.RegistrationHub.AddListener(l)
}

func (s *registrationService) RemoveListener(l lwm2m.RegistrationListener) {
	s.log.add(s.name + ":remove-registration")
	s.RegistrationHub.RemoveListener(l)
}

type presenceService struct {
	lwm2m.PresenceHub
	name string
	log  *callLog
}

func (s *presenceService) AddListener(l lwm2m.PresenceListener) {
	s.log.add(s.name + ":add-presence")
	s.PresenceHub.AddListener(l)
}

func (s *presenceService) RemoveListener(l lwm2m.PresenceListener) {
	s.log.add(s.name + ":remove-presence")
	s.PresenceHub.RemoveListener(l)
}

type observationService struct {
	lwm2m.ObservationHub
	name string
	log  *callLog
}

func (s *observationService) AddListener(l lwm2m.ObservationListener) {
	s.log.add(s.name + ":add-observation")
	s.ObservationHub.AddListener(l)
}

func (s *observationService) RemoveListener(l lwm2m.ObservationListener) {
	s.log.add(s.name + ":remove-observation")
	s.ObservationHub.RemoveListener(l)
}

type fakeServer struct {
	name string
	log  *callLog

	startErr     error
	destroyErr   error
	destroyPanic any

	registrations *registrationService
	presence      *presenceService
	observations  *observationService
}

func newFakeServer(name string, log *callLog) *fakeServer {
	return &fakeServer{
		name:          name,
		log:           log,
		registrations: &registrationService{name: name, log: log},
		presence:      &presenceService{name: name, log: log},
		observations:  &observationService{name: name, log: log},
	}
}

func (f *fakeServer) Start() error {
	f.log.add(f.name + ":start")
	return f.startErr
}

func (f *fakeServer) Destroy() error {
	f.log.add(f.name + ":destroy")
	if f.destroyPanic != nil {
		panic(f.destroyPanic)
	}
	return f.destroyErr
}

func (f *fakeServer) RegistrationService() lwm2m.RegistrationService { return f.registrations }
func (f *fakeServer) PresenceService() lwm2m.PresenceService         { return f.presence }
func (f *fakeServer) ObservationService() lwm2m.ObservationService   { return f.observations }

func (f *fakeServer) listenerCount() int {
	return f.registrations.Len() + f.presence.Len() + f.observations.Len()
}

func (f *fakeServer) adds() int {
	return f.log.count(f.name+":add-registration") +
		f.log.count(f.name+":add-presence") +
		f.log.count(f.name+":add-observation")
}

type fakeKeyGenerator struct {
	log *callLog
	err error
}

func (g *fakeKeyGenerator) Generate() error {
	g.log.add("keygen:generate")
	return g.err
}

type handledEvent struct {
	instance modes.Instance
	kind     string
	endpoint string
	path     string
}

type fakeHandler struct {
	mu     sync.Mutex
	events []handledEvent
}

func (h *fakeHandler) record(e handledEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}

func (h *fakeHandler) all() []handledEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]handledEvent(nil), h.events...)
}

func (h *fakeHandler) OnRegistered(i modes.Instance, reg lwm2m.Registration, _ []lwm2m.Observation) {
	h.record(handledEvent{instance: i, kind: KindRegistered, endpoint: reg.Endpoint})
}

func (h *fakeHandler) OnUpdated(i modes.Instance, _ lwm2m.RegistrationUpdate, updated, _ lwm2m.Registration) {
	h.record(handledEvent{instance: i, kind: KindUpdated, endpoint: updated.Endpoint})
}

func (h *fakeHandler) OnUnregistered(i modes.Instance, reg lwm2m.Registration, _ []lwm2m.Observation, _ bool) {
	h.record(handledEvent{instance: i, kind: KindUnregistered, endpoint: reg.Endpoint})
}

func (h *fakeHandler) OnAwake(i modes.Instance, reg lwm2m.Registration) {
	h.record(handledEvent{instance: i, kind: KindAwake, endpoint: reg.Endpoint})
}

func (h *fakeHandler) OnSleeping(i modes.Instance, reg lwm2m.Registration) {
	h.record(handledEvent{instance: i, kind: KindSleeping, endpoint: reg.Endpoint})
}

func (h *fakeHandler) OnObservationStarted(i modes.Instance, obs lwm2m.Observation, reg lwm2m.Registration) {
	h.record(handledEvent{instance: i, kind: KindObservationStarted, endpoint: reg.Endpoint, path: obs.Path})
}

func (h *fakeHandler) OnObservationCancelled(i modes.Instance, obs lwm2m.Observation) {
	h.record(handledEvent{instance: i, kind: KindObservationCancelled, path: obs.Path})
}

func (h *fakeHandler) OnObservationResponse(i modes.Instance, obs lwm2m.Observation, reg lwm2m.Registration, _ lwm2m.ObserveResponse) {
	h.record(handledEvent{instance: i, kind: KindObservationResponse, endpoint: reg.Endpoint, path: obs.Path})
}

func (h *fakeHandler) OnObservationError(i modes.Instance, obs lwm2m.Observation, reg lwm2m.Registration, _ error) {
	h.record(handledEvent{instance: i, kind: KindObservationError, endpoint: reg.Endpoint, path: obs.Path})
}

var errBoom = errors.New("boom")
