package listener

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tenebrinet/internal/admission"
	"tenebrinet/internal/config"
	"tenebrinet/internal/emulator"
	"tenebrinet/internal/event"
)

// collectSink gathers submitted events.
type collectSink struct {
	mu     sync.Mutex
	events []*event.AttackEvent
}

func (s *collectSink) Submit(ev *event.AttackEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *collectSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *collectSink) last() *event.AttackEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil
	}
	return s.events[len(s.events)-1]
}

func testController(t *testing.T) *admission.Controller {
	t.Helper()
	ctrl := admission.NewController(zaptest.NewLogger(t), admission.Config{
		Window:                 10 * time.Second,
		MaxPerWindow:           100,
		MaxConcurrentPerSource: 20,
		MaxConcurrentTotal:     100,
	})
	t.Cleanup(ctrl.Close)
	return ctrl
}

func startShellManager(t *testing.T, ctrl *admission.Controller, sink Sink) *Manager {
	t.Helper()

	sh := emulator.NewShell(zaptest.NewLogger(t), config.ShellServiceConfig{Hostname: "web-prod-03"}, 2*time.Second)
	m := NewManager(zaptest.NewLogger(t), Config{
		IdleTimeout:        2 * time.Second,
		MaxSessionDuration: 30 * time.Second,
		ShutdownGrace:      500 * time.Millisecond,
		MaxTranscriptBytes: 1 << 20,
	}, ctrl, sink, []Service{{Addr: "127.0.0.1:0", Emulator: sh}})

	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	return m
}

func TestConnectionProducesOneEvent(t *testing.T) {
	sink := &collectSink{}
	m := startShellManager(t, testController(t), sink)

	conn, err := net.Dial("tcp", m.Addr(event.ServiceShell))
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	readUntil(t, r, "login: ")
	conn.Write([]byte("root\r\n"))
	readUntil(t, r, "Password: ")
	conn.Write([]byte("hunter2\r\n"))
	readUntil(t, r, "# ")
	conn.Write([]byte("exit\r\n"))
	readUntil(t, r, "logout")
	conn.Close()

	require.Eventually(t, func() bool { return sink.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	ev := sink.last()
	assert.Equal(t, event.ServiceShell, ev.Service)
	assert.False(t, ev.Partial)
	assert.NotEmpty(t, ev.Fingerprint)
	require.Len(t, ev.Credentials, 1)
	assert.Equal(t, "hunter2", ev.Credentials[0].Password)
}

func TestAbruptDisconnectStillEmits(t *testing.T) {
	sink := &collectSink{}
	m := startShellManager(t, testController(t), sink)

	conn, err := net.Dial("tcp", m.Addr(event.ServiceShell))
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	readUntil(t, r, "login: ")
	conn.Write([]byte("root\r\n"))
	conn.Close()

	require.Eventually(t, func() bool { return sink.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Greater(t, sink.last().BytesReceived, 0)
}

func TestRejectionClosesWithoutBanner(t *testing.T) {
	ctrl := admission.NewController(zaptest.NewLogger(t), admission.Config{
		Window:                 time.Hour,
		MaxPerWindow:           1,
		MaxConcurrentPerSource: 10,
		MaxConcurrentTotal:     10,
	})
	t.Cleanup(ctrl.Close)

	sink := &collectSink{}
	m := startShellManager(t, ctrl, sink)
	addr := m.Addr(event.ServiceShell)

	// First connection takes the only token.
	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer first.Close()
	readUntil(t, bufio.NewReader(first), "login: ")

	// Second is over the window limit: closed with zero bytes.
	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	n, readErr := second.Read(buf)
	assert.Equal(t, 0, n)
	assert.Error(t, readErr, "rejected connection must be closed, not served")

	require.Eventually(t, func() bool { return m.Rejected() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), m.Accepted())
}

func TestStopDrainsAndEmitsPartial(t *testing.T) {
	sink := &collectSink{}
	ctrl := testController(t)

	sh := emulator.NewShell(zaptest.NewLogger(t), config.ShellServiceConfig{}, 10*time.Second)
	m := NewManager(zaptest.NewLogger(t), Config{
		IdleTimeout:        10 * time.Second,
		MaxSessionDuration: time.Minute,
		ShutdownGrace:      200 * time.Millisecond,
		MaxTranscriptBytes: 1 << 20,
	}, ctrl, sink, []Service{{Addr: "127.0.0.1:0", Emulator: sh}})
	require.NoError(t, m.Start())

	conn, err := net.Dial("tcp", m.Addr(event.ServiceShell))
	require.NoError(t, err)
	defer conn.Close()

	r := bufio.NewReader(conn)
	readUntil(t, r, "login: ")
	conn.Write([]byte("root\r\n"))
	readUntil(t, r, "Password: ")

	// Peer goes quiet; Stop must cancel the session and still emit.
	m.Stop()

	require.Eventually(t, func() bool { return sink.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, sink.last().Partial)
	assert.Equal(t, int64(0), m.Active())
	assert.Equal(t, 0, ctrl.Active(), "admission slot released on cancellation")
}

func TestHealthCheck(t *testing.T) {
	sink := &collectSink{}
	m := startShellManager(t, testController(t), sink)

	health := m.HealthCheck()
	assert.True(t, health[event.ServiceShell])

	m.Stop()
	health = m.HealthCheck()
	assert.False(t, health[event.ServiceShell])
}

func TestBindFailureIsPerService(t *testing.T) {
	sink := &collectSink{}
	ctrl := testController(t)
	logger := zaptest.NewLogger(t)

	// Occupy a port so the second service cannot bind.
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	sh := emulator.NewShell(logger, config.ShellServiceConfig{}, 2*time.Second)
	web := emulator.NewWeb(logger, config.WebServiceConfig{}, 2*time.Second)
	m := NewManager(logger, Config{ShutdownGrace: 200 * time.Millisecond}, ctrl, sink, []Service{
		{Addr: "127.0.0.1:0", Emulator: sh},
		{Addr: taken.Addr().String(), Emulator: web},
	})

	require.NoError(t, m.Start(), "one healthy service is enough to start")
	defer m.Stop()

	health := m.HealthCheck()
	assert.True(t, health[event.ServiceShell])
	assert.False(t, health[event.ServiceWeb])
}

// readUntil consumes the reader until the marker appears.
func readUntil(t *testing.T, r *bufio.Reader, marker string) string {
	t.Helper()

	var b strings.Builder
	buf := make([]byte, 1)
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(b.String(), marker) {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %q, got %q", marker, b.String())
		}
		n, err := r.Read(buf)
		require.NoError(t, err)
		b.Write(buf[:n])
	}
	return b.String()
}
