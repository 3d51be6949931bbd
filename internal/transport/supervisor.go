package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sirosfoundation/go-lwm2m-transport/internal/lwm2m"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/metrics"
	"github.com/sirosfoundation/go-lwm2m-transport/internal/modes"
)

var (
	// ErrAlreadyStarted is returned by Start on any state but Uninitialized
	ErrAlreadyStarted = errors.New("transport already started")

	// ErrInstanceNotConstructed is returned when a selected instance is nil
	ErrInstanceNotConstructed = errors.New("server instance not constructed")

	// ErrNoKeyGenerator is returned when key generation is enabled without a generator
	ErrNoKeyGenerator = errors.New("key generation enabled but no key generator configured")
)

// State is the supervisor lifecycle state
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateRunning
	StateShuttingDown
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config selects what the supervisor runs
type Config struct {
	EnableKeyGeneration bool
	StartAll            bool
	DTLSMode            modes.SecurityMode
}

// Instances holds the constructed servers. A nil field means the instance was
// not constructed; pass an untyped nil, not a typed nil pointer.
type Instances struct {
	Cert        lwm2m.Server
	NoSecPskRpk lwm2m.Server
}

// Get returns the server for an instance identity
func (i Instances) Get(instance modes.Instance) lwm2m.Server {
	switch instance {
	case modes.InstanceCert:
		return i.Cert
	case modes.InstanceNoSecPskRpk:
		return i.NoSecPskRpk
	default:
		return nil
	}
}

// KeyGenerator produces key material before any instance starts
type KeyGenerator interface {
	Generate() error
}

// Option customises a Supervisor
type Option func(*Supervisor)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

func WithKeyGenerator(g KeyGenerator) Option {
	return func(s *Supervisor) { s.keygen = g }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// Supervisor owns the lifecycle of the LwM2M server instances
type Supervisor struct {
	cfg       Config
	instances Instances
	handler   Handler
	logger    *zap.Logger
	keygen    KeyGenerator
	metrics   *metrics.Metrics

	mu      sync.Mutex
	state   atomic.Int32
	bridges map[modes.Instance]*Bridge
	started []modes.Instance
}

// New creates a supervisor. Nothing is started until Start.
func New(cfg Config, instances Instances, handler Handler, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		instances: instances,
		handler:   handler,
		logger:    zap.NewNop(),
		bridges:   make(map[modes.Instance]*Bridge),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("transport")
	s.setState(StateUninitialized)
	return s
}

// State returns the current lifecycle state without locking
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Config returns the configuration the supervisor was built with
func (s *Supervisor) Config() Config {
	return s.cfg
}

// Running returns the instances started successfully, in start order
func (s *Supervisor) Running() []modes.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.started)
}

// Start generates key material if enabled, then starts and bridges every
// selected instance. Any failure leaves the supervisor Failed; Stop must
// still be called to destroy what was constructed.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateUninitialized {
		return ErrAlreadyStarted
	}
	s.setState(StateInitializing)

	if s.cfg.EnableKeyGeneration {
		if err := s.generateKeys(); err != nil {
			return s.fail(err)
		}
	}

	selected := modes.Select(s.cfg.StartAll, s.cfg.DTLSMode)
	s.logger.Info("Starting LwM2M transport server",
		zap.Bool("start_all", s.cfg.StartAll),
		zap.String("dtls_mode", s.cfg.DTLSMode.String()),
		zap.Stringers("instances", selected))

	for _, instance := range selected {
		if err := ctx.Err(); err != nil {
			return s.fail(fmt.Errorf("start of %s instance aborted: %w", instance, err))
		}
		if err := s.startInstance(instance); err != nil {
			return s.fail(err)
		}
	}

	s.setState(StateRunning)
	s.logger.Info("LwM2M transport server started", zap.Stringers("instances", s.started))
	return nil
}

func (s *Supervisor) generateKeys() error {
	if s.keygen == nil {
		return ErrNoKeyGenerator
	}

	if err := s.keygen.Generate(); err != nil {
		s.countKeyGeneration(metrics.ResultFailure)
		return fmt.Errorf("key generation failed: %w", err)
	}
	s.countKeyGeneration(metrics.ResultSuccess)
	return nil
}

func (s *Supervisor) startInstance(instance modes.Instance) error {
	server := s.instances.Get(instance)
	if server == nil {
		return fmt.Errorf("%w: %s", ErrInstanceNotConstructed, instance)
	}

	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start %s instance: %w", instance, err)
	}

	s.bridges[instance] = NewBridge(instance, server, s.handler, s.metrics)
	s.started = append(s.started, instance)
	s.setInstanceUp(instance, true)

	s.logger.Info("LwM2M server instance started", zap.Stringer("instance", instance))
	return nil
}

func (s *Supervisor) fail(err error) error {
	s.setState(StateFailed)
	s.logger.Error("LwM2M transport server failed to start", zap.Error(err))
	return err
}

// Stop detaches every bridge and destroys every constructed instance, cert
// first. Each destroy is attempted even when an earlier one fails or panics,
// and even if ctx is done. The joined errors are returned for logging; the
// supervisor is Stopped regardless. A second call is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateStopped {
		return nil
	}
	s.setState(StateShuttingDown)
	s.logger.Info("Stopping LwM2M transport server")

	var errs []error
	for _, instance := range modes.AllInstances {
		if b, ok := s.bridges[instance]; ok {
			if err := isolate(instance, "detach", func() error { b.Detach(); return nil }); err != nil {
				s.logger.Error("Failed to detach listeners", zap.Stringer("instance", instance), zap.Error(err))
				errs = append(errs, err)
			}
			delete(s.bridges, instance)
		}

		server := s.instances.Get(instance)
		if server == nil {
			continue
		}
		if err := isolate(instance, "destroy", server.Destroy); err != nil {
			s.logger.Error("Failed to destroy server instance", zap.Stringer("instance", instance), zap.Error(err))
			s.countDestroyError(instance)
			errs = append(errs, err)
		}
		s.setInstanceUp(instance, false)
	}

	s.started = nil
	s.setState(StateStopped)
	s.logger.Info("LwM2M transport server stopped")

	return errors.Join(errs...)
}

// isolate runs fn and converts a panic into an error
func isolate(instance modes.Instance, op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s instance %s panicked: %v", instance, op, r)
		}
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("%s instance %s: %w", instance, op, err)
	}
	return nil
}

func (s *Supervisor) setState(state State) {
	s.state.Store(int32(state))
	if s.metrics != nil {
		s.metrics.SupervisorState.Set(float64(state))
	}
}

func (s *Supervisor) setInstanceUp(instance modes.Instance, up bool) {
	if s.metrics == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	s.metrics.InstanceUp.WithLabelValues(instance.String()).Set(v)
}

func (s *Supervisor) countKeyGeneration(result string) {
	if s.metrics != nil {
		s.metrics.KeyGenerationsTotal.WithLabelValues(result).Inc()
	}
}

func (s *Supervisor) countDestroyError(instance modes.Instance) {
	if s.metrics != nil {
		s.metrics.InstanceDestroyErrors.WithLabelValues(instance.String()).Inc()
	}
}
