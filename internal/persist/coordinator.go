package persist

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tenebrinet/internal/classifier"
	"tenebrinet/internal/event"
)

// Store is the durable storage the coordinator writes through. The SQL
// implementation lives in internal/database; tests substitute a fake.
type Store interface {
	SaveAttack(ctx context.Context, attack *event.Attack) (inserted bool, err error)
	SaveSession(ctx context.Context, session *event.Session) error
	SaveCredential(ctx context.Context, cred *event.Credential) error
	FindByFingerprint(ctx context.Context, fingerprint string) (*event.Attack, error)
	AttachEnrichment(ctx context.Context, attackID string, country *string, asn *int) error
}

// Config tunes the retry behavior.
type Config struct {
	RetryInterval time.Duration
	MaxRetryQueue int
}

// DefaultConfig returns sensible retry settings.
func DefaultConfig() Config {
	return Config{
		RetryInterval: 2 * time.Second,
		MaxRetryQueue: 4096,
	}
}

// unit is one attack's worth of records, written together. A unit that
// fails partway is retried whole; deterministic record IDs plus
// insert-or-ignore make the re-run safe.
type unit struct {
	attack      *event.Attack
	session     *event.Session
	credentials []*event.Credential

	// inserted remembers that an earlier attempt got the attack row in, so
	// a retry that finishes the sub-records still counts as a fresh persist.
	inserted bool
	attempts int
}

// Coordinator serializes events into the store and owns the retry queue.
// Nothing is ever announced as persisted before it actually is: the
// onPersisted callback fires only after a unit's records are all durable,
// exactly once per fresh attack.
type Coordinator struct {
	logger *zap.Logger
	store  Store
	config Config

	mu    sync.Mutex
	queue []*unit

	onPersisted func(*event.Attack)

	retried   atomic.Uint64
	persisted atomic.Uint64
	dropped   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	runs   atomic.Bool
}

// NewCoordinator creates a persistence coordinator. onPersisted may be nil.
func NewCoordinator(logger *zap.Logger, store Store, config Config, onPersisted func(*event.Attack)) *Coordinator {
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultConfig().RetryInterval
	}
	if config.MaxRetryQueue <= 0 {
		config.MaxRetryQueue = DefaultConfig().MaxRetryQueue
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		logger:      logger,
		store:       store,
		config:      config,
		onPersisted: onPersisted,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the retry loop.
func (c *Coordinator) Start() {
	if !c.runs.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go c.retryLoop()
}

// Stop halts the retry loop. Queued units that never made it to the store
// are logged and abandoned.
func (c *Coordinator) Stop() {
	if !c.runs.CompareAndSwap(true, false) {
		return
	}
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	pending := len(c.queue)
	c.mu.Unlock()
	if pending > 0 {
		c.logger.Warn("Shutting down with unpersisted events", zap.Int("pending", pending))
	}
}

// Persist writes one classified event's records. On storage failure the
// unit is queued for retry and the capture is not lost. The returned attack
// is the record as written (or as queued).
func (c *Coordinator) Persist(ctx context.Context, ev *event.AttackEvent, result classifier.Result) (*event.Attack, error) {
	u := buildUnit(ev, result)

	if err := c.writeUnit(ctx, u); err != nil {
		c.enqueue(u)
		c.logger.Warn("Persistence failed, queued for retry",
			zap.String("fingerprint", ev.Fingerprint),
			zap.Error(err),
		)
		return u.attack, err
	}
	return u.attack, nil
}

// QueueDepth returns the number of units waiting for retry.
func (c *Coordinator) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Persisted returns the number of attacks durably written.
func (c *Coordinator) Persisted() uint64 { return c.persisted.Load() }

// Dropped returns the number of units abandoned because the retry queue
// was full.
func (c *Coordinator) Dropped() uint64 { return c.dropped.Load() }

// Enrich attaches enrichment data to an already persisted attack.
func (c *Coordinator) Enrich(ctx context.Context, attackID string, country *string, asn *int) error {
	return c.store.AttachEnrichment(ctx, attackID, country, asn)
}

// buildUnit derives the records for an event. Every ID is a pure function
// of the fingerprint, so building the same event twice yields the same
// records.
func buildUnit(ev *event.AttackEvent, result classifier.Result) *unit {
	attack := &event.Attack{
		ID:          event.AttackID(ev.Fingerprint),
		Fingerprint: ev.Fingerprint,
		SourceIP:    ev.SourceIP,
		Timestamp:   ev.StartTime,
		Service:     ev.Service,
		Payload:     ev.Transcript,
		Category:    result.Category,
		Confidence:  result.Confidence,
	}

	u := &unit{attack: attack}

	if ev.Stateful() {
		end := ev.EndTime
		u.session = &event.Session{
			ID:        event.SessionID(ev.Fingerprint),
			AttackID:  attack.ID,
			StartTime: ev.StartTime,
			EndTime:   &end,
			Commands:  ev.Commands,
		}
	}

	for i, ca := range ev.Credentials {
		u.credentials = append(u.credentials, &event.Credential{
			ID:       event.CredentialID(ev.Fingerprint, i),
			AttackID: attack.ID,
			Username: ca.Username,
			Password: ca.Password,
			Success:  ca.Success,
		})
	}

	return u
}

// writeUnit writes a unit's records in dependency order. Success means
// every record is durable; the persisted callback fires here and only here.
func (c *Coordinator) writeUnit(ctx context.Context, u *unit) error {
	u.attempts++

	inserted, err := c.store.SaveAttack(ctx, u.attack)
	if err != nil {
		return err
	}
	u.inserted = u.inserted || inserted

	if u.session != nil {
		if err := c.store.SaveSession(ctx, u.session); err != nil {
			return err
		}
	}
	for _, cred := range u.credentials {
		if err := c.store.SaveCredential(ctx, cred); err != nil {
			return err
		}
	}

	if u.inserted {
		c.persisted.Add(1)
		if c.onPersisted != nil {
			c.onPersisted(u.attack)
		}
	}
	return nil
}

func (c *Coordinator) enqueue(u *unit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) >= c.config.MaxRetryQueue {
		c.dropped.Add(1)
		c.logger.Error("Retry queue full, dropping oldest unit",
			zap.String("dropped_fingerprint", c.queue[0].attack.Fingerprint),
		)
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, u)
}

func (c *Coordinator) retryLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.drainQueue()
		}
	}
}

// drainQueue retries every queued unit once. Units that fail again go back
// to the queue for the next tick.
func (c *Coordinator) drainQueue() {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	var requeue []*unit
	for _, u := range pending {
		ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
		err := c.writeUnit(ctx, u)
		cancel()

		if err != nil {
			requeue = append(requeue, u)
			continue
		}
		c.retried.Add(1)
		c.logger.Info("Persisted after retry",
			zap.String("fingerprint", u.attack.Fingerprint),
			zap.Int("attempts", u.attempts),
		)
	}

	if len(requeue) > 0 {
		c.mu.Lock()
		c.queue = append(requeue, c.queue...)
		c.mu.Unlock()
	}
}
