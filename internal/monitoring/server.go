package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tenebrinet/internal/event"
)

// HealthSource reports per-service listener health.
type HealthSource interface {
	HealthCheck() map[event.Service]bool
}

// AttackQueries is the read-only query surface over recorded attacks.
type AttackQueries interface {
	ListRecent(ctx context.Context, limit int) ([]*event.Attack, error)
	CountByCategory(ctx context.Context, since time.Time) (map[event.ThreatCategory]int64, error)
}

// Config configures the ops HTTP server.
type Config struct {
	ListenAddr string
}

// Server is the internal operations surface: health, metrics, the query
// API and the live feed socket. It binds to an operator-facing address,
// never to the lure ports.
type Server struct {
	logger  *zap.Logger
	config  Config
	metrics *Metrics
	health  HealthSource
	attacks AttackQueries
	feed    http.Handler
	refresh func(*Metrics)

	server  *http.Server
	mu      sync.Mutex
	started time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer wires the ops endpoints. feed may be nil to disable the
// socket; refresh, if non-nil, is called periodically to sync gauges.
func NewServer(logger *zap.Logger, config Config, metrics *Metrics, health HealthSource, attacks AttackQueries, feed http.Handler, refresh func(*Metrics)) *Server {
	if config.ListenAddr == "" {
		config.ListenAddr = "127.0.0.1:9090"
	}
	return &Server{
		logger:  logger,
		config:  config,
		metrics: metrics,
		health:  health,
		attacks: attacks,
		feed:    feed,
		refresh: refresh,
	}
}

// Start launches the HTTP server.
func (s *Server) Start() error {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})).Methods(http.MethodGet)
	router.HandleFunc("/api/attacks/recent", s.handleRecent).Methods(http.MethodGet)
	router.HandleFunc("/api/attacks/summary", s.handleSummary).Methods(http.MethodGet)
	if s.feed != nil {
		router.Handle("/ws/feed", s.feed)
	}

	s.server = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.started = time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.refresh != nil {
		s.wg.Add(1)
		go s.refreshLoop(ctx)
	}

	go func() {
		s.logger.Info("Monitoring server listening", zap.String("addr", s.config.ListenAddr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Monitoring server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) refreshLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(s.metrics)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	services := map[string]bool{}
	healthy := true
	if s.health != nil {
		for svc, ok := range s.health.HealthCheck() {
			services[string(svc)] = ok
			if !ok {
				healthy = false
			}
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status":   statusWord(healthy),
		"services": services,
		"uptime":   time.Since(s.started).Round(time.Second).String(),
	})
}

func statusWord(healthy bool) string {
	if healthy {
		return "ok"
	}
	return "degraded"
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	attacks, err := s.attacks.ListRecent(r.Context(), limit)
	if err != nil {
		s.logger.Error("Recent attacks query failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	if attacks == nil {
		attacks = []*event.Attack{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(attacks),
		"attacks": attacks,
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid since timestamp"})
			return
		}
		since = parsed
	}

	counts, err := s.attacks.CountByCategory(r.Context(), since)
	if err != nil {
		s.logger.Error("Attack summary query failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}

	summary := make(map[string]int64, len(counts))
	var total int64
	for cat, n := range counts {
		summary[string(cat)] = n
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"since":      since.UTC().Format(time.RFC3339),
		"total":      total,
		"categories": summary,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
