// Package transport supervises the LwM2M server instances.
//
// A Supervisor decides from configuration which instances run, starts them,
// bridges their engine events into a Handler and tears everything down at
// shutdown.
package transport

import (
	"github.com/sirosfoundation/go-lwm2m-transport/internal/lwm2m"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/modes"
)

// Handler is the sink for device events from every running instance.
// Calls arrive on engine goroutines, concurrently across instances and event
// kinds, so implementations must be safe for concurrent use.
type Handler interface {
	OnRegistered(instance modes.Instance, reg lwm2m.Registration, previousObservations []lwm2m.Observation)
	OnUpdated(instance modes.Instance, update lwm2m.RegistrationUpdate, updated lwm2m.Registration, previous lwm2m.Registration)
	OnUnregistered(instance modes.Instance, reg lwm2m.Registration, observations []lwm2m.Observation, expired bool)

	OnAwake(instance modes.Instance, reg lwm2m.Registration)
	OnSleeping(instance modes.Instance, reg lwm2m.Registration)

	OnObservationStarted(instance modes.Instance, obs lwm2m.Observation, reg lwm2m.Registration)
	OnObservationCancelled(instance modes.Instance, obs lwm2m.Observation)
	OnObservationResponse(instance modes.Instance, obs lwm2m.Observation, reg lwm2m.Registration, resp lwm2m.ObserveResponse)
	OnObservationError(instance modes.Instance, obs lwm2m.Observation, reg lwm2m.Registration, err error)
}
