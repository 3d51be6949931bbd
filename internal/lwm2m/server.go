package lwm2m

// Server is one protocol endpoint bound to a security posture.
//
// Destroy must be safe to call on a server whose Start failed or was never
// called, but is not required to tolerate concurrent calls.
type Server interface {
	Start() error
	Destroy() error

	RegistrationService() RegistrationService
	PresenceService() PresenceService
	ObservationService() ObservationService
}

// RegistrationListener receives client registration lifecycle events
type RegistrationListener interface {
	Registered(reg Registration, previousObservations []Observation)
	Updated(update RegistrationUpdate, updated Registration, previous Registration)
	Unregistered(reg Registration, observations []Observation, expired bool)
}

// PresenceListener receives reachability changes of queue-mode clients
type PresenceListener interface {
	Awake(reg Registration)
	Sleeping(reg Registration)
}

// ObservationListener receives observe relation events and notifications
type ObservationListener interface {
	NewObservation(obs Observation, reg Registration)
	Cancelled(obs Observation)
	OnResponse(obs Observation, reg Registration, resp ObserveResponse)
	OnError(obs Observation, reg Registration, err error)
}

// RegistrationService lets callers subscribe to registration events
type RegistrationService interface {
	AddListener(l RegistrationListener)
	RemoveListener(l RegistrationListener)
}

// PresenceService lets callers subscribe to presence events
type PresenceService interface {
	AddListener(l PresenceListener)
	RemoveListener(l PresenceListener)
}

// ObservationService lets callers subscribe to observation events
type ObservationService interface {
	AddListener(l ObservationListener)
	RemoveListener(l ObservationListener)
}
