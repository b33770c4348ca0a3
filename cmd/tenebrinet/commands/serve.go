package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tenebrinet/internal/admission"
	"tenebrinet/internal/classifier"
	"tenebrinet/internal/config"
	"tenebrinet/internal/database"
	"tenebrinet/internal/emulator"
	"tenebrinet/internal/enrichment"
	"tenebrinet/internal/event"
	"tenebrinet/internal/feed"
	"tenebrinet/internal/listener"
	"tenebrinet/internal/logging"
	"tenebrinet/internal/monitoring"
	"tenebrinet/internal/persist"
	"tenebrinet/internal/pipeline"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the deception services and the capture pipeline",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting TenebriNET", zap.String("version", Version))

	db, err := database.New(logging.WithComponent(logger, "database"), cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	store := persist.NewSQLStore(db, logging.WithComponent(logger, "database"))

	metrics := monitoring.NewMetrics()
	broadcaster := feed.NewBroadcaster(logging.WithComponent(logger, "feed"), cfg.Feed.SubscriberBuffer)
	defer broadcaster.Close()

	// Enrichment is optional and strictly best-effort.
	var enricher enrichment.Enricher
	if cfg.Enrichment.Enabled {
		httpEnricher, err := enrichment.NewHTTPEnricher(logging.WithComponent(logger, "enrichment"), cfg.Enrichment)
		if err != nil {
			return err
		}
		defer httpEnricher.Close()
		enricher = httpEnricher
	}

	var coordinator *persist.Coordinator
	coordinator = persist.NewCoordinator(
		logging.WithComponent(logger, "persist"),
		store,
		persist.Config{
			RetryInterval: cfg.Database.RetryInterval,
			MaxRetryQueue: cfg.Database.MaxRetryQueue,
		},
		func(attack *event.Attack) {
			metrics.AttackPersisted(attack.Category)
			broadcaster.Publish(attack)
			if enricher != nil {
				go enrichAttack(logger, coordinator, enricher, attack)
			}
		},
	)
	coordinator.Start()
	defer coordinator.Stop()

	cls := classifier.New(logging.WithComponent(logger, "classifier"), cfg.Classifier.ConfidenceThreshold)
	if cfg.Classifier.ModelPath != "" {
		if err := cls.LoadModel(cfg.Classifier.ModelPath); err != nil {
			logger.Warn("No model loaded at startup, classifying as unknown",
				zap.String("path", cfg.Classifier.ModelPath),
				zap.Error(err),
			)
		}
		if cfg.Classifier.WatchModel {
			watcher, err := classifier.NewWatcher(logging.WithComponent(logger, "classifier"), cls, cfg.Classifier.ModelPath)
			if err != nil {
				logger.Warn("Model watcher unavailable", zap.Error(err))
			} else {
				defer watcher.Close()
			}
		}
	}

	pipe := pipeline.New(logging.WithComponent(logger, "pipeline"), pipeline.DefaultConfig(), cls, coordinator)
	pipe.Start()
	defer pipe.Stop()

	ctrl := admission.NewController(logging.WithComponent(logger, "admission"), admission.Config{
		Window:                 cfg.Admission.Window,
		MaxPerWindow:           cfg.Admission.MaxPerWindow,
		MaxConcurrentPerSource: cfg.Admission.MaxConcurrentPerSource,
		MaxConcurrentTotal:     cfg.Admission.MaxConcurrentTotal,
	})
	defer ctrl.Close()

	manager := listener.NewManager(
		logging.WithComponent(logger, "listener"),
		listener.Config{
			IdleTimeout:        cfg.Services.IdleTimeout,
			MaxSessionDuration: cfg.Services.MaxSessionDuration,
			ShutdownGrace:      cfg.Services.ShutdownGrace,
			MaxTranscriptBytes: cfg.Services.MaxTranscriptBytes,
		},
		ctrl,
		meteredSink{pipe: pipe, metrics: metrics},
		buildServices(logger, cfg),
	)
	manager.SetObserver(metrics.ConnectionAdmitted, metrics.ConnectionRejected)

	if err := manager.Start(); err != nil {
		return err
	}
	defer manager.Stop()

	ops := monitoring.NewServer(
		logging.WithComponent(logger, "monitoring"),
		monitoring.Config{ListenAddr: cfg.Monitoring.ListenAddr},
		metrics,
		manager,
		store.Attacks(),
		feed.NewWSHandler(logging.WithComponent(logger, "feed"), broadcaster),
		func(m *monitoring.Metrics) {
			m.SetActiveConnections(manager.Active())
			m.SetRetryQueueDepth(coordinator.QueueDepth())
			m.SetFeedSubscribers(broadcaster.Subscribers())
			m.SyncFeedDropped(broadcaster.Dropped())
			m.SetClassifierReady(cls.Ready())
		},
	)
	if err := ops.Start(); err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ops.Stop(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))
	return nil
}

// meteredSink counts captures on their way into the pipeline.
type meteredSink struct {
	pipe    *pipeline.Pipeline
	metrics *monitoring.Metrics
}

func (s meteredSink) Submit(ev *event.AttackEvent) {
	s.metrics.EventCaptured(ev.Service)
	s.pipe.Submit(ev)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	return config.Load(cfgFile)
}

func buildServices(logger *zap.Logger, cfg *config.Config) []listener.Service {
	var services []listener.Service
	idle := cfg.Services.IdleTimeout

	if cfg.Services.Shell.Enabled {
		services = append(services, listener.Service{
			Addr:     net.JoinHostPort(cfg.Services.Shell.Host, strconv.Itoa(cfg.Services.Shell.Port)),
			Emulator: emulator.NewShell(logging.WithComponent(logger, "shell"), cfg.Services.Shell, idle),
		})
	}
	if cfg.Services.Web.Enabled {
		services = append(services, listener.Service{
			Addr:     net.JoinHostPort(cfg.Services.Web.Host, strconv.Itoa(cfg.Services.Web.Port)),
			Emulator: emulator.NewWeb(logging.WithComponent(logger, "web"), cfg.Services.Web, idle),
		})
	}
	if cfg.Services.FTP.Enabled {
		services = append(services, listener.Service{
			Addr:     net.JoinHostPort(cfg.Services.FTP.Host, strconv.Itoa(cfg.Services.FTP.Port)),
			Emulator: emulator.NewFTP(logging.WithComponent(logger, "ftp"), cfg.Services.FTP, idle),
		})
	}
	return services
}

// enrichAttack looks up geo/ASN data and attaches it to the stored record.
// Failures are logged and forgotten.
func enrichAttack(logger *zap.Logger, coordinator *persist.Coordinator, enricher enrichment.Enricher, attack *event.Attack) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info, err := enricher.Lookup(ctx, attack.SourceIP)
	if err != nil {
		logger.Debug("Enrichment lookup failed",
			zap.String("source", attack.SourceIP),
			zap.Error(err),
		)
		return
	}

	var country *string
	if info.Country != "" {
		country = &info.Country
	}
	var asn *int
	if info.ASN != 0 {
		asn = &info.ASN
	}
	if country == nil && asn == nil {
		return
	}

	if err := coordinator.Enrich(ctx, attack.ID, country, asn); err != nil {
		logger.Debug("Enrichment attach failed",
			zap.String("attack_id", attack.ID),
			zap.Error(err),
		)
	}
}
