package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// AttackEvent is the canonical, immutable record of one captured
// interaction. Exactly one is produced per admitted connection, including
// connections cancelled mid-interaction.
type AttackEvent struct {
	Fingerprint string
	SourceIP    string
	SourceAddr  string
	Service     Service
	StartTime   time.Time
	EndTime     time.Time

	Transcript    []byte
	BytesReceived int
	Truncated     bool

	Credentials  []CredentialAttempt
	Commands     []CapturedCommand
	Requests     []CapturedRequest
	AuthFailures int

	// Partial marks events emitted after a timeout or cancellation cut the
	// interaction short.
	Partial bool
}

// Duration returns the wall-clock length of the interaction.
func (e *AttackEvent) Duration() time.Duration {
	return e.EndTime.Sub(e.StartTime)
}

// Stateful reports whether the interaction carried a multi-step session
// worth a Session record. Web connections are request sequences, not
// sessions.
func (e *AttackEvent) Stateful() bool {
	return e.Service != ServiceWeb && len(e.Commands) > 0
}

// Assemble normalizes a connection's capture state into an AttackEvent.
// It is a pure function of the context plus the end instant: assembling the
// same context twice yields identical events, which is what makes downstream
// persistence idempotent across pipeline retries.
func Assemble(c *ConnectionContext, endTime time.Time, partial bool) *AttackEvent {
	transcript := make([]byte, len(c.Transcript()))
	copy(transcript, c.Transcript())

	return &AttackEvent{
		Fingerprint:   Fingerprint(c.SourceAddr, c.StartTime, c.Service),
		SourceIP:      c.SourceIP,
		SourceAddr:    c.SourceAddr,
		Service:       c.Service,
		StartTime:     c.StartTime,
		EndTime:       endTime.UTC(),
		Transcript:    transcript,
		BytesReceived: c.BytesReceived(),
		Truncated:     c.Truncated(),
		Credentials:   append([]CredentialAttempt(nil), c.Credentials...),
		Commands:      append([]CapturedCommand(nil), c.Commands...),
		Requests:      append([]CapturedRequest(nil), c.Requests...),
		AuthFailures:  c.AuthFailures(),
		Partial:       partial,
	}
}

// Fingerprint derives the stable per-interaction identifier from the
// connection's identifying attributes. The same connection always maps to
// the same fingerprint, so re-running the pipeline after a crash cannot
// duplicate records.
func Fingerprint(sourceAddr string, start time.Time, service Service) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", sourceAddr, start.UnixNano(), service)))
	return hex.EncodeToString(h[:16])
}
