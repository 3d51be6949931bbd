package lwm2m

import (
	"sync"

	"go.uber.org/zap"
)

// listenerSet is a copy-on-write listener list. Dispatch works on a snapshot,
// so listeners may add or remove themselves while an event is delivered.
// A panicking listener is logged and skipped; later listeners still run.
type listenerSet[L comparable] struct {
	mu     sync.RWMutex
	items  []L
	logger *zap.Logger
}

func (s *listenerSet[L]) setLogger(logger *zap.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

func (s *listenerSet[L]) add(l L) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]L, len(s.items), len(s.items)+1)
	copy(items, s.items)
	s.items = append(items, l)
}

func (s *listenerSet[L]) remove(l L) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.items {
		if existing == l {
			items := make([]L, 0, len(s.items)-1)
			items = append(items, s.items[:i]...)
			s.items = append(items, s.items[i+1:]...)
			return
		}
	}
}

func (s *listenerSet[L]) snapshot() ([]L, *zap.Logger) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items, s.logger
}

func (s *listenerSet[L]) each(event string, fn func(L)) {
	items, logger := s.snapshot()
	for _, l := range items {
		dispatch(logger, event, l, fn)
	}
}

func dispatch[L any](logger *zap.Logger, event string, l L, fn func(L)) {
	defer func() {
		if r := recover(); r != nil {
			if logger == nil {
				logger = zap.NewNop()
			}
			logger.Error("Listener panicked",
				zap.String("event", event),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	fn(l)
}

func (s *listenerSet[L]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// RegistrationHub implements RegistrationService and dispatches events fired
// by an engine to every registered listener.
//
// Listeners are compared by equality on removal; register pointer types.
type RegistrationHub struct {
	listeners listenerSet[RegistrationListener]
}

func (h *RegistrationHub) AddListener(l RegistrationListener)    { h.listeners.add(l) }
func (h *RegistrationHub) RemoveListener(l RegistrationListener) { h.listeners.remove(l) }

// Len returns the number of registered listeners
func (h *RegistrationHub) Len() int { return h.listeners.len() }

// SetLogger sets the logger receiving listener panics
func (h *RegistrationHub) SetLogger(logger *zap.Logger) { h.listeners.setLogger(logger) }

func (h *RegistrationHub) FireRegistered(reg Registration, previousObservations []Observation) {
	h.listeners.each("registered", func(l RegistrationListener) { l.Registered(reg, previousObservations) })
}

func (h *RegistrationHub) FireUpdated(update RegistrationUpdate, updated, previous Registration) {
	h.listeners.each("updated", func(l RegistrationListener) { l.Updated(update, updated, previous) })
}

func (h *RegistrationHub) FireUnregistered(reg Registration, observations []Observation, expired bool) {
	h.listeners.each("unregistered", func(l RegistrationListener) { l.Unregistered(reg, observations, expired) })
}

// PresenceHub implements PresenceService
type PresenceHub struct {
	listeners listenerSet[PresenceListener]
}

func (h *PresenceHub) AddListener(l PresenceListener)    { h.listeners.add(l) }
func (h *PresenceHub) RemoveListener(l PresenceListener) { h.listeners.remove(l) }

// Len returns the number of registered listeners
func (h *PresenceHub) Len() int { return h.listeners.len() }

// SetLogger sets the logger receiving listener panics
func (h *PresenceHub) SetLogger(logger *zap.Logger) { h.listeners.setLogger(logger) }

func (h *PresenceHub) FireAwake(reg Registration) {
	h.listeners.each("awake", func(l PresenceListener) { l.Awake(reg) })
}

func (h *PresenceHub) FireSleeping(reg Registration) {
	h.listeners.each("sleeping", func(l PresenceListener) { l.Sleeping(reg) })
}

// ObservationHub implements ObservationService
type ObservationHub struct {
	listeners listenerSet[ObservationListener]
}

func (h *ObservationHub) AddListener(l ObservationListener)    { h.listeners.add(l) }
func (h *ObservationHub) RemoveListener(l ObservationListener) { h.listeners.remove(l) }

// Len returns the number of registered listeners
func (h *ObservationHub) Len() int { return h.listeners.len() }

// SetLogger sets the logger receiving listener panics
func (h *ObservationHub) SetLogger(logger *zap.Logger) { h.listeners.setLogger(logger) }

func (h *ObservationHub) FireNewObservation(obs Observation, reg Registration) {
	h.listeners.each("new_observation", func(l ObservationListener) { l.NewObservation(obs, reg) })
}

func (h *ObservationHub) FireCancelled(obs Observation) {
	h.listeners.each("cancelled", func(l ObservationListener) { l.Cancelled(obs) })
}

func (h *ObservationHub) FireResponse(obs Observation, reg Registration, resp ObserveResponse) {
	h.listeners.each("response", func(l ObservationListener) { l.OnResponse(obs, reg, resp) })
}

func (h *ObservationHub) FireError(obs Observation, reg Registration, err error) {
	h.listeners.each("error", func(l ObservationListener) { l.OnError(obs, reg, err) })
}
