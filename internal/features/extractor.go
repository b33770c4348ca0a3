package features

import (
	"math"
	"regexp"
	"strings"

	"tenebrinet/internal/event"
)

// SchemaVersion identifies the feature layout. Models are trained against a
// specific version and refuse vectors from another.
const SchemaVersion = 1

// Feature indices. The order is part of the schema; append only.
const (
	FeatDuration = iota // seconds
	FeatPayloadSize
	FeatCommandCount
	FeatCredentialCount
	FeatFailedAuthRate
	FeatEntropy
	FeatHourOfDay
	FeatScannerAgent
	FeatSQLKeywords
	FeatXSSKeywords
	FeatTraversalKeywords
	FeatCmdInjectionKeywords
	FeatRequestCount
	FeatServiceShell
	FeatServiceWeb
	FeatServiceFTP

	NumFeatures
)

// Vector is a fixed-shape feature vector derived from one AttackEvent.
type Vector struct {
	Version int                 `json:"version"`
	Values  [NumFeatures]float64 `json:"values"`
}

// Slice returns the values as a plain slice for numeric code.
func (v Vector) Slice() []float64 { return v.Values[:] }

// Keyword classes carried over from the production attack-pattern tables.
var (
	sqlPattern       = regexp.MustCompile(`(?i)(union[^a-z]+select|select[^a-z]+from|insert[^a-z]+into|drop[^a-z]+table|update[^a-z]+set|delete[^a-z]+from|'\s*or\s*'|--|%27)`)
	xssPattern       = regexp.MustCompile(`(?i)(<script|javascript:|onerror\s*=|onload\s*=|<svg|<iframe|alert\s*\()`)
	traversalPattern = regexp.MustCompile(`(?i)(\.\./|\.\.\\|%2e%2e%2f|/etc/passwd|/etc/shadow|c:\\windows)`)
	cmdInjPattern    = regexp.MustCompile("(?i)(;\\s*\\w+|\\|\\s*\\w+|`[^`]+`|\\$\\([^)]+\\)|&&\\s*\\w+|wget\\s|curl\\s.*\\|\\s*sh)")

	scannerAgents = []string{
		"nikto", "sqlmap", "nmap", "masscan", "zgrab", "gobuster",
		"dirbuster", "wfuzz", "burp", "acunetix", "nessus", "qualys",
		"openvas", "w3af", "skipfish", "python-requests", "curl", "go-http-client",
	}
)

// Extract derives the fixed-shape feature vector from an event. It is
// total: every valid AttackEvent yields a vector, with zero defaults for
// features that do not apply to the event's service.
func Extract(ev *event.AttackEvent) Vector {
	var v Vector
	v.Version = SchemaVersion

	v.Values[FeatDuration] = ev.Duration().Seconds()
	v.Values[FeatPayloadSize] = float64(ev.BytesReceived)
	v.Values[FeatCommandCount] = float64(len(ev.Commands))
	v.Values[FeatCredentialCount] = float64(len(ev.Credentials))
	v.Values[FeatRequestCount] = float64(len(ev.Requests))
	v.Values[FeatHourOfDay] = float64(ev.StartTime.UTC().Hour())

	if n := len(ev.Credentials); n > 0 {
		v.Values[FeatFailedAuthRate] = float64(ev.AuthFailures) / float64(n)
	}

	payload := payloadText(ev)
	v.Values[FeatEntropy] = shannonEntropy(ev.Transcript)
	v.Values[FeatSQLKeywords] = float64(len(sqlPattern.FindAllString(payload, -1)))
	v.Values[FeatXSSKeywords] = float64(len(xssPattern.FindAllString(payload, -1)))
	v.Values[FeatTraversalKeywords] = float64(len(traversalPattern.FindAllString(payload, -1)))
	v.Values[FeatCmdInjectionKeywords] = float64(len(cmdInjPattern.FindAllString(payload, -1)))

	if hasScannerAgent(ev) {
		v.Values[FeatScannerAgent] = 1
	}

	switch ev.Service {
	case event.ServiceShell:
		v.Values[FeatServiceShell] = 1
	case event.ServiceWeb:
		v.Values[FeatServiceWeb] = 1
	case event.ServiceFileTransfer:
		v.Values[FeatServiceFTP] = 1
	}

	return v
}

// payloadText flattens the structured capture into one searchable string.
func payloadText(ev *event.AttackEvent) string {
	var b strings.Builder
	b.Write(ev.Transcript)
	for _, cmd := range ev.Commands {
		b.WriteString(" ")
		b.WriteString(cmd.Command)
	}
	for _, r := range ev.Requests {
		b.WriteString(" ")
		b.WriteString(r.Path)
		b.WriteString("?")
		b.WriteString(r.Query)
		b.WriteString(" ")
		b.WriteString(r.Body)
	}
	return strings.ToLower(b.String())
}

func hasScannerAgent(ev *event.AttackEvent) bool {
	for _, r := range ev.Requests {
		agent := strings.ToLower(r.UserAgent)
		if agent == "" {
			continue
		}
		for _, sig := range scannerAgents {
			if strings.Contains(agent, sig) {
				return true
			}
		}
	}
	return false
}

// shannonEntropy computes byte entropy in bits. Empty input yields 0.
func shannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}

	var counts [256]int
	for _, b := range data {
		counts[b]++
	}

	total := float64(len(data))
	entropy := 0.0
	for _, n := range counts {
		if n == 0 {
			continue
		}
		p := float64(n) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}
