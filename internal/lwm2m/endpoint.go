package lwm2m

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	defaultReadBufferSize = 2048

	minReadRetryDelay = 5 * time.Millisecond
	maxReadRetryDelay = time.Second
)

// ErrEndpointStarted is returned when Start is called more than once
var ErrEndpointStarted = errors.New("endpoint already started")

// Packet is one datagram received by an endpoint
type Packet struct {
	Endpoint string
	Remote   net.Addr
	Data     []byte
}

// PacketHandler consumes datagrams. It runs on the endpoint's receive
// goroutine; a slow handler delays the next read.
type PacketHandler func(ctx context.Context, pkt Packet)

// EndpointConfig configures an Endpoint
type EndpointConfig struct {
	Name           string
	Address        string
	Security       SecurityConfig
	ReadBufferSize int
}

// Events groups the hubs an engine fires into
type Events struct {
	Registrations RegistrationHub
	Presence      PresenceHub
	Observations  ObservationHub
}

// SetLogger routes listener panics of all three hubs to logger
func (ev *Events) SetLogger(logger *zap.Logger) {
	ev.Registrations.SetLogger(logger)
	ev.Presence.SetLogger(logger)
	ev.Observations.SetLogger(logger)
}

// Endpoint is a Server that owns a UDP socket.
// Protocol processing is delegated to the PacketHandler; the engine reports
// what it decodes through Events.
type Endpoint struct {
	cfg     EndpointConfig
	handler PacketHandler
	logger  *zap.Logger
	events  Events
	limiter *PeerLimiter
	dropped prometheus.Counter

	mu       sync.Mutex
	started  bool
	conn     net.PacketConn
	security *Security
	cancel   context.CancelFunc
	done     chan struct{}

	running atomic.Bool
}

// EndpointOption customises an Endpoint
type EndpointOption func(*Endpoint)

// WithPacketHandler attaches the protocol engine to the endpoint
func WithPacketHandler(h PacketHandler) EndpointOption {
	return func(e *Endpoint) { e.handler = h }
}

// WithEndpointLogger sets the endpoint logger
func WithEndpointLogger(logger *zap.Logger) EndpointOption {
	return func(e *Endpoint) { e.logger = logger }
}

// WithRateLimiter drops datagrams from hosts exceeding their rate
func WithRateLimiter(l *PeerLimiter) EndpointOption {
	return func(e *Endpoint) { e.limiter = l }
}

// WithDropCounter counts datagrams dropped by the rate limiter
func WithDropCounter(c prometheus.Counter) EndpointOption {
	return func(e *Endpoint) { e.dropped = c }
}

// NewEndpoint creates an endpoint. Nothing is bound until Start.
func NewEndpoint(cfg EndpointConfig, opts ...EndpointOption) *Endpoint {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = defaultReadBufferSize
	}

	e := &Endpoint{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("endpoint").With(zap.String("endpoint", cfg.Name))
	e.events.SetLogger(e.logger)
	return e
}

func (e *Endpoint) Name() string { return e.cfg.Name }

func (e *Endpoint) RegistrationService() RegistrationService { return &e.events.Registrations }
func (e *Endpoint) PresenceService() PresenceService         { return &e.events.Presence }
func (e *Endpoint) ObservationService() ObservationService   { return &e.events.Observations }

// Events returns the hubs the engine fires decoded events into
func (e *Endpoint) Events() *Events { return &e.events }

// Running reports whether the endpoint is receiving
func (e *Endpoint) Running() bool { return e.running.Load() }

// Addr returns the bound address, or nil when not running
func (e *Endpoint) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return nil
	}
	return e.conn.LocalAddr()
}

// Security returns the loaded credentials, or nil before Start
func (e *Endpoint) Security() *Security {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.security
}

// Start loads credentials and binds the socket
func (e *Endpoint) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrEndpointStarted
	}
	e.started = true

	sec, err := LoadSecurity(e.cfg.Security)
	if err != nil {
		return fmt.Errorf("endpoint %s: %w", e.cfg.Name, err)
	}

	conn, err := net.ListenPacket("udp", e.cfg.Address)
	if err != nil {
		return fmt.Errorf("endpoint %s: failed to bind %s: %w", e.cfg.Name, e.cfg.Address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.conn = conn
	e.security = sec
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running.Store(true)

	go e.readLoop(ctx, conn, e.done)

	e.logger.Info("LwM2M endpoint listening",
		zap.String("address", conn.LocalAddr().String()),
		zap.Stringers("modes", sec.Modes),
		zap.Int("psk_identities", len(sec.PSKs)),
		zap.Int("trusted_rpks", len(sec.TrustedKeys)))

	return nil
}

// Destroy closes the socket and waits for the receive goroutine.
// It is a no-op when the endpoint never bound. The lock is released before
// waiting so a packet handler may still call Security or Addr.
func (e *Endpoint) Destroy() error {
	e.mu.Lock()
	conn, cancel, done := e.conn, e.cancel, e.done
	e.conn = nil
	e.cancel = nil
	e.done = nil
	e.mu.Unlock()

	if conn == nil {
		return nil
	}

	e.running.Store(false)
	cancel()
	err := conn.Close()
	<-done

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("endpoint %s: failed to close socket: %w", e.cfg.Name, err)
	}

	e.logger.Info("LwM2M endpoint closed")
	return nil
}

func (e *Endpoint) readLoop(ctx context.Context, conn net.PacketConn, done chan<- struct{}) {
	defer close(done)

	buf := make([]byte, e.cfg.ReadBufferSize)
	var delay time.Duration
	for {
		n, remote, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			if delay == 0 {
				delay = minReadRetryDelay
			} else {
				delay = min(delay*2, maxReadRetryDelay)
			}
			e.logger.Warn("Read failed, retrying", zap.Error(err), zap.Duration("retry_in", delay))

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		if e.handler == nil {
			continue
		}
		if !e.limiter.Allow(remote) {
			if e.dropped != nil {
				e.dropped.Inc()
			}
			e.logger.Debug("Datagram dropped by rate limit", zap.Stringer("remote", remote))
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		e.handler(ctx, Packet{Endpoint: e.cfg.Name, Remote: remote, Data: data})
	}
}
