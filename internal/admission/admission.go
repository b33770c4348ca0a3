package admission

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrRejected is reported when a connection fails the admission check.
// Callers close the connection immediately; no emulator logic runs.
var ErrRejected = errors.New("admission rejected")

// Config defines the admission thresholds.
type Config struct {
	// Window and MaxPerWindow bound the new-connection rate per source.
	Window       time.Duration
	MaxPerWindow int

	// Concurrency caps. Zero means unlimited.
	MaxConcurrentPerSource int
	MaxConcurrentTotal     int

	// Housekeeping for idle source entries.
	CleanupInterval time.Duration
	ExpiryTime      time.Duration
}

// DefaultConfig returns admission thresholds suitable for an
// internet-facing deployment.
func DefaultConfig() Config {
	return Config{
		Window:                 10 * time.Second,
		MaxPerWindow:           10,
		MaxConcurrentPerSource: 20,
		MaxConcurrentTotal:     1000,
		CleanupInterval:        time.Minute,
		ExpiryTime:             5 * time.Minute,
	}
}

// sourceState tracks one source address. The limiter provides the sliding
// window; active counts admitted-but-unreleased connections.
type sourceState struct {
	limiter  *rate.Limiter
	active   int
	lastSeen time.Time
}

// Controller is the admission gate in front of every listener. Admit and
// Release are safe for concurrent use; the critical section is O(1) and
// never touches I/O.
type Controller struct {
	logger *zap.Logger
	config Config

	mu          sync.Mutex
	sources     map[string]*sourceState
	totalActive int

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewController creates an admission controller and starts its cleanup
// routine.
func NewController(logger *zap.Logger, config Config) *Controller {
	if config.Window <= 0 {
		config.Window = 10 * time.Second
	}
	if config.MaxPerWindow <= 0 {
		config.MaxPerWindow = 10
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}
	if config.ExpiryTime <= 0 {
		config.ExpiryTime = 5 * time.Minute
	}

	c := &Controller{
		logger:      logger,
		config:      config,
		sources:     make(map[string]*sourceState),
		stopCleanup: make(chan struct{}),
	}

	go c.cleanupRoutine()

	return c
}

// Admit decides whether a new connection from sourceIP may proceed. It
// fails closed: any exceeded threshold rejects the connection. On true, the
// caller must call Release exactly once, on every exit path.
func (c *Controller) Admit(sourceIP string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config.MaxConcurrentTotal > 0 && c.totalActive >= c.config.MaxConcurrentTotal {
		c.logger.Debug("Admission rejected: global concurrency cap",
			zap.String("source_ip", sourceIP),
			zap.Int("total_active", c.totalActive),
		)
		return false
	}

	st, ok := c.sources[sourceIP]
	if !ok {
		st = &sourceState{
			limiter: rate.NewLimiter(
				rate.Limit(float64(c.config.MaxPerWindow)/c.config.Window.Seconds()),
				c.config.MaxPerWindow,
			),
		}
		c.sources[sourceIP] = st
	}
	st.lastSeen = time.Now()

	if c.config.MaxConcurrentPerSource > 0 && st.active >= c.config.MaxConcurrentPerSource {
		c.logger.Debug("Admission rejected: per-source concurrency cap",
			zap.String("source_ip", sourceIP),
			zap.Int("active", st.active),
		)
		return false
	}

	if !st.limiter.Allow() {
		c.logger.Debug("Admission rejected: rate window exceeded",
			zap.String("source_ip", sourceIP),
		)
		return false
	}

	st.active++
	c.totalActive++
	return true
}

// Release returns an admitted connection's slot. Must be called exactly
// once per successful Admit.
func (c *Controller) Release(sourceIP string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.sources[sourceIP]
	if !ok || st.active == 0 {
		c.logger.Warn("Release without matching admit", zap.String("source_ip", sourceIP))
		return
	}

	st.active--
	st.lastSeen = time.Now()
	if c.totalActive > 0 {
		c.totalActive--
	}
}

// Active returns the number of currently admitted connections.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalActive
}

// ActiveFor returns the number of admitted connections for one source.
func (c *Controller) ActiveFor(sourceIP string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.sources[sourceIP]; ok {
		return st.active
	}
	return 0
}

// Close stops the cleanup routine.
func (c *Controller) Close() {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
}

func (c *Controller) cleanupRoutine() {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

// cleanup drops idle source entries. Entries with active connections are
// kept regardless of age so Release always finds its state.
func (c *Controller) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for ip, st := range c.sources {
		if st.active == 0 && now.Sub(st.lastSeen) > c.config.ExpiryTime {
			delete(c.sources, ip)
		}
	}
}
