package event

import (
	"bytes"
	"net"
	"time"
)

// Service identifies an emulated service.
type Service string

const (
	ServiceShell        Service = "shell-service"
	ServiceWeb          Service = "web-service"
	ServiceFileTransfer Service = "file-transfer-service"
)

// ThreatCategory is the fixed classification vocabulary. Classifiers must
// never emit a value outside this set.
type ThreatCategory string

const (
	CategoryReconnaissance    ThreatCategory = "reconnaissance"
	CategoryBruteForce        ThreatCategory = "brute-force"
	CategoryExploitation      ThreatCategory = "exploitation"
	CategoryMalwareDeployment ThreatCategory = "malware-deployment"
	CategoryBotnetActivity    ThreatCategory = "botnet-activity"
	CategoryUnknown           ThreatCategory = "unknown"
)

// Categories lists every valid threat category.
func Categories() []ThreatCategory {
	return []ThreatCategory{
		CategoryReconnaissance,
		CategoryBruteForce,
		CategoryExploitation,
		CategoryMalwareDeployment,
		CategoryBotnetActivity,
		CategoryUnknown,
	}
}

// Valid reports whether c is one of the fixed categories.
func (c ThreatCategory) Valid() bool {
	switch c {
	case CategoryReconnaissance, CategoryBruteForce, CategoryExploitation,
		CategoryMalwareDeployment, CategoryBotnetActivity, CategoryUnknown:
		return true
	}
	return false
}

// CredentialAttempt is one captured username/password pair.
type CredentialAttempt struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Success  bool   `json:"success"`
}

// CapturedCommand is one line of post-auth attacker input.
type CapturedCommand struct {
	Command string    `json:"cmd"`
	At      time.Time `json:"timestamp"`
}

// CapturedRequest is one HTTP request observed on a web-service connection.
type CapturedRequest struct {
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Query     string            `json:"query,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
}

// ConnectionContext accumulates everything captured from a single
// connection. It is owned exclusively by the emulation task handling that
// connection and is never shared; no synchronization is required.
type ConnectionContext struct {
	SourceAddr string
	SourceIP   string
	Service    Service
	StartTime  time.Time

	transcript    bytes.Buffer
	maxTranscript int
	truncated     bool

	bytesReceived int
	authFailures  int

	Credentials []CredentialAttempt
	Commands    []CapturedCommand
	Requests    []CapturedRequest
}

// NewConnectionContext builds the capture state for one connection.
// maxTranscript bounds the verbatim transcript; bytes past the bound are
// counted but not retained.
func NewConnectionContext(sourceAddr string, service Service, maxTranscript int) *ConnectionContext {
	ip := sourceAddr
	if host, _, err := net.SplitHostPort(sourceAddr); err == nil {
		ip = host
	}
	return &ConnectionContext{
		SourceAddr:    sourceAddr,
		SourceIP:      ip,
		Service:       service,
		StartTime:     time.Now().UTC(),
		maxTranscript: maxTranscript,
	}
}

// AppendTranscript records bytes received from the peer verbatim. Capture
// happens before any response logic so the transcript is complete even when
// the state machine aborts.
func (c *ConnectionContext) AppendTranscript(p []byte) {
	c.bytesReceived += len(p)
	if c.maxTranscript > 0 && c.transcript.Len()+len(p) > c.maxTranscript {
		remain := c.maxTranscript - c.transcript.Len()
		if remain > 0 {
			c.transcript.Write(p[:remain])
		}
		c.truncated = true
		return
	}
	c.transcript.Write(p)
}

// NoteViolation appends a protocol-violation marker to the transcript.
// Violations are capture data, not errors.
func (c *ConnectionContext) NoteViolation(note string) {
	c.transcript.WriteString("\n[protocol-violation: " + note + "]\n")
}

// AddCredential records a captured credential pair. Failed attempts count
// toward the failed-authentication rate feature.
func (c *ConnectionContext) AddCredential(username, password string, success bool) {
	c.Credentials = append(c.Credentials, CredentialAttempt{
		Username: username,
		Password: password,
		Success:  success,
	})
	if !success {
		c.authFailures++
	}
}

// AddCommand records one post-auth command line.
func (c *ConnectionContext) AddCommand(cmd string) {
	c.Commands = append(c.Commands, CapturedCommand{Command: cmd, At: time.Now().UTC()})
}

// AddRequest records one captured HTTP request.
func (c *ConnectionContext) AddRequest(r CapturedRequest) {
	c.Requests = append(c.Requests, r)
}

// Transcript returns the captured bytes. The returned slice aliases internal
// state and must not be retained past assembly.
func (c *ConnectionContext) Transcript() []byte { return c.transcript.Bytes() }

// BytesReceived returns the total byte count, including bytes past the
// transcript bound.
func (c *ConnectionContext) BytesReceived() int { return c.bytesReceived }

// AuthFailures returns the number of failed credential attempts.
func (c *ConnectionContext) AuthFailures() int { return c.authFailures }

// Truncated reports whether the transcript hit its size bound.
func (c *ConnectionContext) Truncated() bool { return c.truncated }
