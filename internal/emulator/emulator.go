package emulator

import (
	"bufio"
	"context"
	"net"
	"strings"
	"time"

	"tenebrinet/internal/event"
)

// State is the shared emulation state machine vocabulary. Each variant
// drives its own transitions through the same states.
type State int

const (
	StateGreeting State = iota
	StateAuthenticating
	StateAuthenticated
	StateRejected
	StateInteracting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateGreeting:
		return "greeting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRejected:
		return "rejected"
	case StateInteracting:
		return "interacting"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// Emulator is one protocol variant. Handle owns the connection until it
// returns; it captures into cc as it goes and never interprets attacker
// input as anything but data. A non-nil error means the connection ended
// abnormally; the capture up to that point is still valid.
type Emulator interface {
	Service() event.Service
	Handle(ctx context.Context, conn net.Conn, cc *event.ConnectionContext) error
}

// maxLineBytes bounds a single protocol line. Input past the bound is
// still captured, then treated as one oversized line.
const maxLineBytes = 4096

// lineIO couples a connection with its capture state. Every byte read
// lands in the transcript before any protocol logic sees it.
type lineIO struct {
	conn net.Conn
	cc   *event.ConnectionContext
	r    *bufio.Reader
	idle time.Duration
}

func newLineIO(conn net.Conn, cc *event.ConnectionContext, idle time.Duration) *lineIO {
	return &lineIO{
		conn: conn,
		cc:   cc,
		r:    bufio.NewReaderSize(conn, maxLineBytes),
		idle: idle,
	}
}

// ReadLine reads one line, captures it verbatim, and returns it with the
// trailing CRLF stripped. An oversized line is returned as-is rather than
// aborting the connection.
func (l *lineIO) ReadLine() (string, error) {
	if l.idle > 0 {
		l.conn.SetReadDeadline(time.Now().Add(l.idle))
	}

	line, err := l.r.ReadString('\n')
	if len(line) > 0 {
		l.cc.AppendTranscript([]byte(line))
	}
	if err != nil && (err != bufio.ErrBufferFull || len(line) == 0) {
		if len(line) > 0 {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// WriteString sends a response, bounded by the idle timeout.
func (l *lineIO) WriteString(s string) error {
	if l.idle > 0 {
		l.conn.SetWriteDeadline(time.Now().Add(l.idle))
	}
	_, err := l.conn.Write([]byte(s))
	return err
}

// transcriptWriter adapts the capture state to io.Writer for tee'd reads.
type transcriptWriter struct {
	cc *event.ConnectionContext
}

func (w transcriptWriter) Write(p []byte) (int, error) {
	w.cc.AppendTranscript(p)
	return len(p), nil
}

// done reports whether the context has been cancelled.
func done(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
