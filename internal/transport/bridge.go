package transport

import (
	"sync"

	"github.com/sirosfoundation/go-lwm2m-transport/internal/lwm2m"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/metrics"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/modes"
)

// Event kinds used as the "kind" metric label
const (
	KindRegistered           = "registered"
	KindUpdated              = "updated"
	KindUnregistered         = "unregistered"
	KindAwake                = "awake"
	KindSleeping             = "sleeping"
	KindObservationStarted   = "observation_started"
	KindObservationCancelled = "observation_cancelled"
	KindObservationResponse  = "observation_response"
	KindObservationError     = "observation_error"
)

// Bridge connects one server instance to the Handler. It registers a
// registration, a presence and an observation listener on construction.
type Bridge struct {
	instance modes.Instance
	server   lwm2m.Server

	registration *registrationListener
	presence     *presenceListener
	observation  *observationListener

	detach sync.Once
}

// NewBridge creates the instance's listeners and registers them with server.
// m may be nil.
func NewBridge(instance modes.Instance, server lwm2m.Server, handler Handler, m *metrics.Metrics) *Bridge {
	f := forwarder{instance: instance, handler: handler, metrics: m}

	b := &Bridge{
		instance:     instance,
		server:       server,
		registration: &registrationListener{f},
		presence:     &presenceListener{f},
		observation:  &observationListener{f},
	}

	server.RegistrationService().AddListener(b.registration)
	server.PresenceService().AddListener(b.presence)
	server.ObservationService().AddListener(b.observation)

	return b
}

// Instance returns the instance the bridge serves
func (b *Bridge) Instance() modes.Instance { return b.instance }

// Detach removes the bridge's listeners from the server. Safe to call more
// than once.
func (b *Bridge) Detach() {
	b.detach.Do(func() {
		b.server.RegistrationService().RemoveListener(b.registration)
		b.server.PresenceService().RemoveListener(b.presence)
		b.server.ObservationService().RemoveListener(b.observation)
	})
}

// forwarder is immutable after construction
type forwarder struct {
	instance modes.Instance
	handler  Handler
	metrics  *metrics.Metrics
}

func (f forwarder) count(kind string) {
	if f.metrics != nil {
		f.metrics.EventsForwardedTotal.WithLabelValues(f.instance.String(), kind).Inc()
	}
}

type registrationListener struct{ forwarder }

func (l *registrationListener) Registered(reg lwm2m.Registration, previousObservations []lwm2m.Observation) {
	l.count(KindRegistered)
	l.handler.OnRegistered(l.instance, reg, previousObservations)
}

func (l *registrationListener) Updated(update lwm2m.RegistrationUpdate, updated, previous lwm2m.Registration) {
	l.count(KindUpdated)
	l.handler.OnUpdated(l.instance, update, updated, previous)
}

func (l *registrationListener) Unregistered(reg lwm2m.Registration, observations []lwm2m.Observation, expired bool) {
	l.count(KindUnregistered)
	l.handler.OnUnregistered(l.instance, reg, observations, expired)
}

type presenceListener struct{ forwarder }

func (l *presenceListener) Awake(reg lwm2m.Registration) {
	l.count(KindAwake)
	l.handler.OnAwake(l.instance, reg)
}

func (l *presenceListener) Sleeping(reg lwm2m.Registration) {
	l.count(KindSleeping)
	l.handler.OnSleeping(l.instance, reg)
}

type observationListener struct{ forwarder }

func (l *observationListener) NewObservation(obs lwm2m.Observation, reg lwm2m.Registration) {
	l.count(KindObservationStarted)
	l.handler.OnObservationStarted(l.instance, obs, reg)
}

func (l *observationListener) Cancelled(obs lwm2m.Observation) {
	l.count(KindObservationCancelled)
	l.handler.OnObservationCancelled(l.instance, obs)
}

func (l *observationListener) OnResponse(obs lwm2m.Observation, reg lwm2m.Registration, resp lwm2m.ObserveResponse) {
	l.count(KindObservationResponse)
	l.handler.OnObservationResponse(l.instance, obs, reg, resp)
}

func (l *observationListener) OnError(obs lwm2m.Observation, reg lwm2m.Registration, err error) {
	l.count(KindObservationError)
	l.handler.OnObservationError(l.instance, obs, reg, err)
}
