package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tenebrinet/internal/classifier"
	"tenebrinet/internal/database"
	"tenebrinet/internal/event"
	"tenebrinet/internal/feed"
	"tenebrinet/internal/persist"
)

// memStore is a minimal in-memory persist.Store.
type memStore struct {
	mu      sync.Mutex
	attacks map[string]*event.Attack
}

func newMemStore() *memStore {
	return &memStore{attacks: make(map[string]*event.Attack)}
}

func (s *memStore) SaveAttack(ctx context.Context, attack *event.Attack) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attacks[attack.Fingerprint]; ok {
		return false, nil
	}
	s.attacks[attack.Fingerprint] = attack
	return true, nil
}

func (s *memStore) SaveSession(ctx context.Context, session *event.Session) error { return nil }

func (s *memStore) SaveCredential(ctx context.Context, cred *event.Credential) error { return nil }

func (s *memStore) FindByFingerprint(ctx context.Context, fingerprint string) (*event.Attack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.attacks[fingerprint]; ok {
		return a, nil
	}
	return nil, database.ErrNotFound
}

func (s *memStore) AttachEnrichment(ctx context.Context, attackID string, country *string, asn *int) error {
	return nil
}

func captureEvent(fp string) *event.AttackEvent {
	start := time.Now().UTC().Add(-30 * time.Second)
	return &event.AttackEvent{
		Fingerprint: fp,
		SourceIP:    "203.0.113.5",
		SourceAddr:  "203.0.113.5:40000",
		Service:     event.ServiceShell,
		StartTime:   start,
		EndTime:     start.Add(20 * time.Second),
		Transcript:  []byte("login: root\npassword\nwhoami\n"),
		Credentials: []event.CredentialAttempt{{Username: "root", Password: "toor", Success: true}},
		Commands:    []event.CapturedCommand{{Command: "whoami", At: start}},
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := newMemStore()
	broadcaster := feed.NewBroadcaster(logger, 16)
	defer broadcaster.Close()
	sub := broadcaster.Subscribe()

	coord := persist.NewCoordinator(logger, store, persist.DefaultConfig(), broadcaster.Publish)
	cls := classifier.New(logger, 0.7)

	p := New(logger, Config{Workers: 2, QueueSize: 64}, cls, coord)
	p.Start()
	defer p.Stop()

	p.Submit(captureEvent("fp-e2e"))

	select {
	case attack := <-sub.C():
		// No model loaded: the event still flows, classified unknown.
		assert.Equal(t, event.CategoryUnknown, attack.Category)
		assert.Equal(t, float64(0), attack.Confidence)
		assert.Equal(t, event.AttackID("fp-e2e"), attack.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("attack never reached the feed")
	}

	assert.Equal(t, uint64(1), p.Submitted())
	require.Eventually(t, func() bool { return p.Processed() == 1 }, time.Second, 10*time.Millisecond)
}

func TestPipelineDuplicateEventPublishesOnce(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := newMemStore()

	var published int
	var mu sync.Mutex
	coord := persist.NewCoordinator(logger, store, persist.DefaultConfig(), func(*event.Attack) {
		mu.Lock()
		published++
		mu.Unlock()
	})

	p := New(logger, Config{Workers: 1, QueueSize: 16}, classifier.New(logger, 0.7), coord)
	p.Start()

	p.Submit(captureEvent("fp-dup"))
	p.Submit(captureEvent("fp-dup"))
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, published)
	assert.Equal(t, uint64(2), p.Processed())
}

func TestPipelineStopDrainsQueue(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := newMemStore()
	coord := persist.NewCoordinator(logger, store, persist.DefaultConfig(), nil)

	p := New(logger, Config{Workers: 1, QueueSize: 64}, classifier.New(logger, 0.7), coord)
	p.Start()

	for i := 0; i < 20; i++ {
		p.Submit(captureEvent("fp-drain-" + string(rune('a'+i))))
	}
	p.Stop()

	assert.Equal(t, uint64(20), p.Processed(), "Stop drains everything already queued")
	assert.Equal(t, uint64(0), p.Dropped())
}

func TestPipelineQueueOverflowDrops(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := newMemStore()
	coord := persist.NewCoordinator(logger, store, persist.DefaultConfig(), nil)

	// No workers started: the queue just fills.
	p := New(logger, Config{Workers: 1, QueueSize: 2}, classifier.New(logger, 0.7), coord)
	p.running.Store(true)

	for i := 0; i < 5; i++ {
		p.Submit(captureEvent("fp-ovf-" + string(rune('a'+i))))
	}
	assert.Equal(t, uint64(3), p.Dropped())
	assert.Equal(t, 2, p.QueueDepth())
}
