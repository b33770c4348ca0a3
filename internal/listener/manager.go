package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tenebrinet/internal/admission"
	"tenebrinet/internal/emulator"
	"tenebrinet/internal/event"
	"tenebrinet/internal/logging"
)

// Sink receives the one AttackEvent every admitted connection produces.
type Sink interface {
	Submit(ev *event.AttackEvent)
}

// Config holds the cross-service connection limits.
type Config struct {
	IdleTimeout        time.Duration
	MaxSessionDuration time.Duration
	ShutdownGrace      time.Duration
	MaxTranscriptBytes int
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:        60 * time.Second,
		MaxSessionDuration: 10 * time.Minute,
		ShutdownGrace:      5 * time.Second,
		MaxTranscriptBytes: 256 * 1024,
	}
}

// Service binds one emulator to one listen address.
type Service struct {
	Addr     string
	Emulator emulator.Emulator
}

// serviceState is one running listener.
type serviceState struct {
	service  event.Service
	addr     string
	emulator emulator.Emulator
	listener net.Listener
	healthy  atomic.Bool
}

// Manager owns the listening sockets and the per-connection task
// lifecycle. Admission happens before any emulator logic; a rejected peer
// sees only an immediate close, never a banner.
type Manager struct {
	logger    *zap.Logger
	config    Config
	admission *admission.Controller
	sink      Sink

	services []*serviceState

	accepted atomic.Uint64
	rejected atomic.Uint64
	active   atomic.Int64

	onAdmitted func(event.Service)
	onRejected func(event.Service)

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	connWG  sync.WaitGroup
	running atomic.Bool
}

// NewManager creates a listener manager over the given services.
func NewManager(logger *zap.Logger, config Config, ctrl *admission.Controller, sink Sink, services []Service) *Manager {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if config.MaxSessionDuration <= 0 {
		config.MaxSessionDuration = DefaultConfig().MaxSessionDuration
	}
	if config.MaxTranscriptBytes <= 0 {
		config.MaxTranscriptBytes = DefaultConfig().MaxTranscriptBytes
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:    logger,
		config:    config,
		admission: ctrl,
		sink:      sink,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, svc := range services {
		m.services = append(m.services, &serviceState{
			service:  svc.Emulator.Service(),
			addr:     svc.Addr,
			emulator: svc.Emulator,
		})
	}
	return m
}

// SetObserver installs optional per-decision callbacks, for metrics.
// Must be called before Start.
func (m *Manager) SetObserver(onAdmitted, onRejected func(event.Service)) {
	m.onAdmitted = onAdmitted
	m.onRejected = onRejected
}

// Start binds every service and begins accepting. A bind failure is fatal
// for that service alone; the others keep running. Start fails only when
// no service could bind.
func (m *Manager) Start() error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("listener manager already running")
	}

	bound := 0
	for _, s := range m.services {
		l, err := net.Listen("tcp", s.addr)
		if err != nil {
			m.logger.Error("Failed to bind service",
				zap.String("service", string(s.service)),
				zap.String("addr", s.addr),
				zap.Error(err),
			)
			continue
		}
		s.listener = l
		s.healthy.Store(true)
		bound++

		m.logger.Info("Service listening",
			zap.String("service", string(s.service)),
			zap.String("addr", l.Addr().String()),
		)

		m.wg.Add(1)
		go m.acceptLoop(s)
	}

	if bound == 0 {
		m.running.Store(false)
		return errors.New("no service could bind")
	}
	return nil
}

// Stop closes the listeners, lets in-flight connections drain for the
// grace period, then cancels the rest. Cancelled connections still emit
// their partial events before Stop returns.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}

	for _, s := range m.services {
		if s.listener != nil {
			s.listener.Close()
		}
		s.healthy.Store(false)
	}
	m.wg.Wait()

	drained := make(chan struct{})
	go func() {
		m.connWG.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(m.config.ShutdownGrace):
		m.logger.Warn("Shutdown grace expired, cancelling remaining connections",
			zap.Int64("active", m.active.Load()),
		)
	}

	m.cancel()
	<-drained
	m.logger.Info("Listener manager stopped",
		zap.Uint64("accepted", m.accepted.Load()),
		zap.Uint64("rejected", m.rejected.Load()),
	)
}

// HealthCheck reports, per service, whether the listener is accepting.
func (m *Manager) HealthCheck() map[event.Service]bool {
	health := make(map[event.Service]bool, len(m.services))
	for _, s := range m.services {
		health[s.service] = s.healthy.Load()
	}
	return health
}

// Accepted returns the number of admitted connections.
func (m *Manager) Accepted() uint64 { return m.accepted.Load() }

// Rejected returns the number of connections closed by admission control.
func (m *Manager) Rejected() uint64 { return m.rejected.Load() }

// Active returns the number of in-flight connection tasks.
func (m *Manager) Active() int64 { return m.active.Load() }

// Addr returns the bound address for a service, for tests and health
// output. Empty when the service is not listening.
func (m *Manager) Addr(service event.Service) string {
	for _, s := range m.services {
		if s.service == service && s.listener != nil {
			return s.listener.Addr().String()
		}
	}
	return ""
}

func (m *Manager) acceptLoop(s *serviceState) {
	defer m.wg.Done()
	defer s.healthy.Store(false)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if m.ctx.Err() != nil || !m.running.Load() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			m.logger.Error("Accept failed",
				zap.String("service", string(s.service)),
				zap.Error(err),
			)
			return
		}

		sourceAddr := conn.RemoteAddr().String()
		sourceIP := sourceAddr
		if host, _, err := net.SplitHostPort(sourceAddr); err == nil {
			sourceIP = host
		}

		// Rejection is an immediate close with zero protocol bytes, so
		// the peer cannot tell a limiter from a dead port.
		if !m.admission.Admit(sourceIP) {
			m.rejected.Add(1)
			if m.onRejected != nil {
				m.onRejected(s.service)
			}
			conn.Close()
			continue
		}

		m.accepted.Add(1)
		if m.onAdmitted != nil {
			m.onAdmitted(s.service)
		}
		m.connWG.Add(1)
		m.active.Add(1)
		go m.handleConnection(s, conn, sourceAddr, sourceIP)
	}
}

// handleConnection runs one emulation task to completion. Whatever
// happens, it emits exactly one AttackEvent and releases the admission
// slot.
func (m *Manager) handleConnection(s *serviceState, conn net.Conn, sourceAddr, sourceIP string) {
	defer m.connWG.Done()
	defer m.active.Add(-1)
	defer m.admission.Release(sourceIP)
	defer conn.Close()

	log := logging.WithSource(m.logger, sourceIP)
	cc := event.NewConnectionContext(sourceAddr, s.service, m.config.MaxTranscriptBytes)

	ctx, cancel := context.WithTimeout(m.ctx, m.config.MaxSessionDuration)
	defer cancel()

	// Watchdog: wall-clock timeout and shutdown both land here and cut
	// the connection out from under blocked reads.
	watchdogDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchdogDone:
		}
	}()

	err := s.emulator.Handle(ctx, conn, cc)
	close(watchdogDone)

	partial := ctx.Err() != nil
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			partial = true
		}
	}

	ev := event.Assemble(cc, time.Now().UTC(), partial)

	log.Info("Connection finished",
		zap.String("service", string(s.service)),
		zap.String("fingerprint", ev.Fingerprint),
		zap.Duration("duration", ev.Duration()),
		zap.Int("bytes", ev.BytesReceived),
		zap.Bool("partial", partial),
	)

	m.sink.Submit(ev)
}

// String describes the manager's configuration for startup logs.
func (m *Manager) String() string {
	return fmt.Sprintf("listener manager (%d services)", len(m.services))
}
