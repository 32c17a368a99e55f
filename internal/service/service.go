// Package service wires the configured stores, provider and executors into
// the generation and lifecycle engine.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/audio-service/internal/audit"
	"github.com/book-expert/audio-service/internal/config"
	"github.com/book-expert/audio-service/internal/core"
	"github.com/book-expert/audio-service/internal/generation"
	"github.com/book-expert/audio-service/internal/lifecycle"
	"github.com/book-expert/audio-service/internal/notify"
	"github.com/book-expert/audio-service/internal/objectstore"
	"github.com/book-expert/audio-service/internal/provider"
	"github.com/book-expert/audio-service/internal/provider/text"
	"github.com/book-expert/audio-service/internal/retry"
	"github.com/book-expert/audio-service/internal/schedule"
	"github.com/book-expert/audio-service/internal/store/memory"
	"github.com/book-expert/audio-service/internal/store/postgres"
	"github.com/book-expert/audio-service/internal/worker"
	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
)

// Job names on the scheduler.
const (
	SweepJob       = "expiry-sweep"
	AuditExportJob = "audit-export"
)

// ErrNATSRequired indicates a component was configured on NATS without a NATS URL.
var ErrNATSRequired = errors.New("nats.url is required by the configured components")

// executor runs generation jobs until its context ends.
type executor interface {
	Run(ctx context.Context, handler core.JobHandler) error
}

// Service holds every wired component.
type Service struct {
	Config      *config.Config
	Audio       core.AudioRepository
	Pages       core.PageStore
	Coordinator *generation.Coordinator
	Sweeper     *lifecycle.Sweeper
	Remover     *lifecycle.Remover
	Exporter    *audit.Exporter
	Synthesizer core.Synthesizer
	Store       core.ObjectStore
	Scheduler   *schedule.Scheduler

	executor executor
	db       *sql.DB
	nc       *nats.Conn
	log      *logger.Logger
}

// New connects to the configured backends and builds the engine.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Service, error) {
	svc := &Service{Config: cfg, log: log}

	err := svc.build(ctx)
	if err != nil {
		svc.Close()

		return nil, err
	}

	return svc, nil
}

func (s *Service) build(ctx context.Context) error {
	cfg := s.Config

	if needsNATS(cfg) && cfg.NATS.URL == "" {
		return ErrNATSRequired
	}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("audio-service"))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}

		s.nc = nc
	}

	audioRepo, pages, auditSink, err := s.openRepositories(ctx)
	if err != nil {
		return err
	}

	store, err := s.openObjectStore(ctx)
	if err != nil {
		return err
	}

	s.Audio = audioRepo
	s.Pages = pages
	s.Store = store
	s.Synthesizer = NewSynthesizer(cfg.Provider)

	retries := retry.NewScheduler(s.log)
	recorder := audit.NewRecorder(auditSink, s.log)

	var dispatcher core.Dispatcher

	switch cfg.Worker.Mode {
	case config.WorkerNATS:
		dispatcher = worker.NewNatsDispatcher(s.nc, cfg.NATS.JobsSubject)
		s.executor = worker.NewNatsWorker(s.nc, cfg.NATS.JobsSubject, cfg.NATS.JobsQueue,
			cfg.Worker.Workers, cfg.Worker.JobTimeout(), s.log)
	default:
		pool := worker.NewPool(cfg.Worker.Workers, cfg.Worker.QueueSize, cfg.Worker.JobTimeout(), s.log)
		dispatcher = pool
		s.executor = pool
	}

	s.Coordinator = generation.New(generation.Dependencies{
		Audio:       audioRepo,
		Pages:       pages,
		Synthesizer: s.Synthesizer,
		Store:       store,
		Dispatcher:  dispatcher,
		Recorder:    recorder,
		Retries:     retries,
		Text:        text.NewPreprocessor(cfg.Provider.MaxChars),
		Log:         s.log,
	}, generation.WithPolicies(cfg.Retry.Synthesis.Policy(), cfg.Retry.Storage.Policy()))

	var notifier core.Notifier = notify.NewLogNotifier(s.log)
	if s.nc != nil && cfg.NATS.WarningsSubject != "" {
		notifier = notify.NewNatsNotifier(s.nc, cfg.NATS.WarningsSubject)
	}

	lifecycleDeps := lifecycle.Dependencies{
		Audio:    audioRepo,
		Pages:    pages,
		Store:    store,
		Notifier: notifier,
		Recorder: recorder,
		Retries:  retries,
		Policy:   cfg.Retry.Storage.Policy(),
		// Jobs may wait in the queue before their timeout starts.
		PendingTimeout: 2 * cfg.Worker.JobTimeout(),
		Log:            s.log,
	}
	if s.db != nil {
		lifecycleDeps.Guard = postgres.NewAdvisoryLock(s.db, postgres.SweepLockKey)
	}

	s.Sweeper = lifecycle.NewSweeper(lifecycleDeps)
	s.Remover = lifecycle.NewRemover(lifecycleDeps)
	s.Exporter = audit.NewExporter(auditSink, store, s.log)

	loc, err := cfg.Lifecycle.Location()
	if err != nil {
		return err
	}

	s.Scheduler = schedule.New(loc, s.log)

	return nil
}

func needsNATS(cfg *config.Config) bool {
	return cfg.Storage.Backend == config.BackendNATS || cfg.Worker.Mode == config.WorkerNATS
}

func (s *Service) openRepositories(ctx context.Context) (core.AudioRepository, core.PageStore, core.AuditSink, error) {
	if s.Config.Database.DSN == "" {
		s.log.Warn("No database configured, audio records are kept in memory")

		return memory.NewAudioRepository(), memory.NewPageStore(), memory.NewAuditLog(), nil
	}

	db, err := postgres.Open(ctx, s.Config.Database.DSN, s.Config.Database.MaxOpenConns)
	if err != nil {
		return nil, nil, nil, err
	}

	s.db = db

	if s.Config.Database.Migrate {
		err = postgres.RunMigrations(ctx, db)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	return postgres.NewAudioRepository(db), postgres.NewPageStore(db), postgres.NewAuditLog(db), nil
}

func (s *Service) openObjectStore(ctx context.Context) (core.ObjectStore, error) {
	storage := s.Config.Storage

	switch storage.Backend {
	case config.BackendS3:
		return objectstore.NewS3(ctx, objectstore.S3Config{
			Bucket:    storage.Bucket,
			Region:    storage.Region,
			Endpoint:  storage.Endpoint,
			AccessKey: storage.AccessKey,
			SecretKey: storage.SecretKey,
			PathStyle: storage.PathStyle,
		})
	case config.BackendMinio:
		return objectstore.NewMinio(ctx, objectstore.MinioConfig{
			Endpoint:  storage.Endpoint,
			AccessKey: storage.AccessKey,
			SecretKey: storage.SecretKey,
			Bucket:    storage.Bucket,
			Region:    storage.Region,
			UseSSL:    storage.UseSSL,
		})
	case config.BackendMemory:
		s.log.Warn("Audio files are kept in memory and lost on restart")

		return objectstore.NewMemory(), nil
	default:
		js, err := s.nc.JetStream()
		if err != nil {
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}

		return objectstore.NewNats(js, s.Config.NATS.ObjectStoreBucket)
	}
}

// NewSynthesizer builds the configured provider client.
func NewSynthesizer(cfg config.ProviderConfig) core.Synthesizer {
	if cfg.Kind == config.ProviderOpenAI {
		return provider.NewOpenAI(provider.OpenAIConfig{APIKey: cfg.APIKey, BaseURL: cfg.URL, Model: cfg.Model})
	}

	return provider.NewHTTPClient(cfg.URL, cfg.Language, cfg.Timeout())
}

// ScheduleJobs registers the expiry sweep and the monthly audit export.
// An empty schedule disables its job.
func (s *Service) ScheduleJobs() error {
	lifecycleCfg := s.Config.Lifecycle

	if lifecycleCfg.SweepSchedule != "" {
		err := s.Scheduler.Add(SweepJob, lifecycleCfg.SweepSchedule, func(ctx context.Context) error {
			_, err := s.Sweep(ctx, time.Now())
			if errors.Is(err, lifecycle.ErrSweepInProgress) {
				s.log.Warn("Skipping scheduled sweep: %v", err)

				return nil
			}

			return err
		})
		if err != nil {
			return err
		}
	}

	if lifecycleCfg.AuditExportSchedule != "" {
		err := s.Scheduler.Add(AuditExportJob, lifecycleCfg.AuditExportSchedule, func(ctx context.Context) error {
			_, _, err := s.Exporter.ExportPreviousMonth(ctx, time.Now())

			return err
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// Sweep runs one expiry sweep with the configured settings.
func (s *Service) Sweep(ctx context.Context, now time.Time) (lifecycle.SweepReport, error) {
	report, err := s.Sweeper.Sweep(ctx, s.Config.Lifecycle.Snapshot(), now)
	if err != nil {
		return report, fmt.Errorf("expiry sweep failed: %w", err)
	}

	return report, nil
}

// RunExecutor runs generation jobs until ctx ends.
func (s *Service) RunExecutor(ctx context.Context) error {
	return s.executor.Run(ctx, s.Coordinator)
}

// Close releases the connections.
func (s *Service) Close() {
	if s.nc != nil {
		err := s.nc.Drain()
		if err != nil {
			s.log.Warn("Failed to drain NATS connection: %v", err)
		}
	}

	if s.db != nil {
		err := s.db.Close()
		if err != nil {
			s.log.Warn("Failed to close database: %v", err)
		}
	}
}
