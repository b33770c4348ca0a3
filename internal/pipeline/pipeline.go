package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tenebrinet/internal/classifier"
	"tenebrinet/internal/event"
	"tenebrinet/internal/features"
	"tenebrinet/internal/persist"
)

// Config sizes the processing stage.
type Config struct {
	Workers   int
	QueueSize int
}

// DefaultConfig returns stock pipeline sizing.
func DefaultConfig() Config {
	return Config{
		Workers:   4,
		QueueSize: 4096,
	}
}

// Pipeline carries each AttackEvent through extraction, classification
// and persistence. It is the Sink the listener manager hands events to;
// connection tasks never wait on classification or storage.
type Pipeline struct {
	logger      *zap.Logger
	classifier  *classifier.Classifier
	coordinator *persist.Coordinator

	queue   chan *event.AttackEvent
	workers int

	submitted atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// New creates a pipeline over the classifier and persistence coordinator.
func New(logger *zap.Logger, cfg Config, cls *classifier.Classifier, coord *persist.Coordinator) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		logger:      logger,
		classifier:  cls,
		coordinator: coord,
		queue:       make(chan *event.AttackEvent, cfg.QueueSize),
		workers:     cfg.Workers,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the worker pool.
func (p *Pipeline) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop drains queued events, then stops the workers.
func (p *Pipeline) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	p.wg.Wait()
}

// Submit hands one event to the pipeline. It never blocks the caller: if
// the queue is full the event is dropped and counted, which only happens
// when storage has been down long enough to back everything up.
func (p *Pipeline) Submit(ev *event.AttackEvent) {
	if !p.running.Load() {
		return
	}
	p.submitted.Add(1)

	select {
	case p.queue <- ev:
	default:
		p.dropped.Add(1)
		p.logger.Error("Pipeline queue full, dropping event",
			zap.String("fingerprint", ev.Fingerprint),
		)
	}
}

// Submitted returns the number of events handed to the pipeline.
func (p *Pipeline) Submitted() uint64 { return p.submitted.Load() }

// Processed returns the number of events carried through persistence.
func (p *Pipeline) Processed() uint64 { return p.processed.Load() }

// Dropped returns the number of events lost to queue overflow.
func (p *Pipeline) Dropped() uint64 { return p.dropped.Load() }

// QueueDepth returns the number of events waiting for a worker.
func (p *Pipeline) QueueDepth() int { return len(p.queue) }

func (p *Pipeline) worker() {
	defer p.wg.Done()

	for {
		select {
		case ev := <-p.queue:
			p.process(ev)
		case <-p.ctx.Done():
			// Shutdown: finish whatever is already queued.
			for {
				select {
				case ev := <-p.queue:
					p.process(ev)
				default:
					return
				}
			}
		}
	}
}

// process runs one event through the stages. Classification can only
// degrade to unknown; persistence failures are the coordinator's retry
// problem. Nothing here fails the event.
func (p *Pipeline) process(ev *event.AttackEvent) {
	vector := features.Extract(ev)
	result := p.classifier.Classify(vector)

	// Not derived from the pipeline context: events drained during
	// shutdown still deserve a real persistence attempt.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	attack, err := p.coordinator.Persist(ctx, ev, result)
	p.processed.Add(1)

	if err != nil {
		// Already queued for retry by the coordinator.
		return
	}

	p.logger.Debug("Event processed",
		zap.String("fingerprint", ev.Fingerprint),
		zap.String("category", string(attack.Category)),
		zap.Float64("confidence", attack.Confidence),
	)
}
