package event

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Namespace for deriving deterministic record IDs from fingerprints.
// Deterministic IDs are what let a retried persistence unit re-run without
// duplicating sub-records.
var recordNamespace = uuid.MustParse("7f1c3a2e-9d4b-4c6f-8a1e-5b0d92c47a31")

// Attack is the durable record of one classified interaction. It is created
// once per AttackEvent and never mutated afterwards, except to attach
// enrichment.
type Attack struct {
	ID          string         `json:"id"`
	Fingerprint string         `json:"fingerprint"`
	SourceIP    string         `json:"ip"`
	Timestamp   time.Time      `json:"timestamp"`
	Service     Service        `json:"service"`
	Payload     []byte         `json:"payload,omitempty"`
	Category    ThreatCategory `json:"threat_type"`
	Confidence  float64        `json:"confidence"`

	// Enrichment, populated best-effort after the record exists.
	Country *string `json:"country,omitempty"`
	ASN     *int    `json:"asn,omitempty"`
}

// Session is the lifecycle record of a multi-step interaction, linked to
// exactly one Attack.
type Session struct {
	ID        string            `json:"id"`
	AttackID  string            `json:"attack_id"`
	StartTime time.Time         `json:"start_time"`
	EndTime   *time.Time        `json:"end_time,omitempty"`
	Commands  []CapturedCommand `json:"commands"`
}

// Credential is one captured username/password pair linked to exactly one
// Attack.
type Credential struct {
	ID       string `json:"id"`
	AttackID string `json:"attack_id"`
	Username string `json:"username"`
	Password string `json:"password"`
	Success  bool   `json:"success"`
}

// AttackID derives the Attack record ID for a fingerprint.
func AttackID(fingerprint string) string {
	return uuid.NewSHA1(recordNamespace, []byte("attack:"+fingerprint)).String()
}

// SessionID derives the Session record ID for a fingerprint.
func SessionID(fingerprint string) string {
	return uuid.NewSHA1(recordNamespace, []byte("session:"+fingerprint)).String()
}

// CredentialID derives the i-th Credential record ID for a fingerprint.
func CredentialID(fingerprint string, i int) string {
	return uuid.NewSHA1(recordNamespace, []byte("credential:"+fingerprint+":"+strconv.Itoa(i))).String()
}
