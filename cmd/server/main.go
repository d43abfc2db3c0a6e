package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"idverify/internal/platform/config"
	"idverify/internal/platform/httpserver"
	"idverify/internal/platform/kafka"
	"idverify/internal/platform/logger"
	platformmetrics "idverify/internal/platform/metrics"
	"idverify/internal/platform/postgres"
	"idverify/internal/platform/redis"
	"idverify/internal/verification/lock"
	verificationmetrics "idverify/internal/verification/metrics"
	"idverify/internal/verification/service"
	"idverify/internal/verification/store/document"
	"idverify/internal/verification/store/profile"
	"idverify/internal/verification/store/saga"
	audit "idverify/pkg/platform/audit"
	"idverify/pkg/platform/audit/publisher"
	kafkastore "idverify/pkg/platform/audit/store/kafka"
	auditmemory "idverify/pkg/platform/audit/store/memory"
	auditpostgres "idverify/pkg/platform/audit/store/postgres"
	"idverify/pkg/platform/audit/worker"
	"idverify/pkg/platform/circuit"
)

const shutdownTimeout = 10 * time.Second

// main wires high-level dependencies and keeps the process lifecycle small.
// Saga logic lives in internal/verification.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("idverify stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("idverify stopped")
}

func run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	reg := platformmetrics.NewRegistry()
	checks := map[string]httpserver.HealthCheck{}

	backends, err := connect(ctx, cfg, log, checks)
	if err != nil {
		return err
	}
	defer backends.close(log)

	st := newStores(backends)
	auditPublisher, relay := newAuditPipeline(ctx, cfg, log, reg, backends)
	defer auditPublisher.Close()

	sagaMetrics := verificationmetrics.New(reg)
	orchestrator, err := service.New(st.sagas, st.profiles, st.documents,
		service.WithLogger(log),
		service.WithAuditPublisher(auditPublisher),
		service.WithMetrics(sagaMetrics),
		service.WithLocker(newLocker(backends, log)),
		service.WithSagaTimeout(cfg.Saga.Timeout),
		service.WithCompensationTimeout(cfg.Saga.CompensationTimeout),
		service.WithLockTTL(cfg.Saga.LockTTL),
	)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	reaper, err := service.NewReaper(st.stale, orchestrator,
		service.WithReaperSchedule(cfg.Saga.ReaperSchedule),
		service.WithReaperBatchSize(cfg.Saga.ReaperBatchSize),
		service.WithReaperLogger(log),
		service.WithReaperMetrics(sagaMetrics),
	)
	if err != nil {
		return fmt.Errorf("build reaper: %w", err)
	}

	srv := httpserver.New(cfg.Addr, httpserver.NewOpsRouter(reg, checks))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting idverify", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return reaper.Run(gctx)
	})
	if relay != nil {
		g.Go(func() error {
			if err := relay.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// infra holds the optional backing services. A nil field means the
// corresponding variable was not set and an in-process fallback is used.
type infra struct {
	pg    *postgres.Pools
	redis *redis.Client
	kafka *kgo.Client
}

func connect(ctx context.Context, cfg config.Server, log *slog.Logger, checks map[string]httpserver.HealthCheck) (*infra, error) {
	in := &infra{}
	if cfg.DatabaseURL != "" {
		pg, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		in.pg = pg
		checks["postgres"] = pg.Health
	} else {
		log.Warn("DATABASE_URL not set, saga state is kept in memory")
	}

	rc, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		in.close(log)
		return nil, err
	}
	if rc != nil {
		in.redis = rc
		checks["redis"] = rc.Health
	}

	kc, err := kafka.NewClient(ctx, cfg.Kafka)
	if err != nil {
		in.close(log)
		return nil, err
	}
	if kc != nil {
		if err := kafkastore.EnsureTopic(ctx, kc, cfg.Kafka.AuditTopic, cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor); err != nil {
			kc.Close()
			in.close(log)
			return nil, err
		}
		in.kafka = kc
		checks["kafka"] = kc.Ping
	}
	return in, nil
}

func (in *infra) close(log *slog.Logger) {
	if in.kafka != nil {
		in.kafka.Close()
	}
	if in.redis != nil {
		if err := in.redis.Close(); err != nil {
			log.Warn("closing redis", "error", err)
		}
	}
	if in.pg != nil {
		if err := in.pg.Close(); err != nil {
			log.Warn("closing postgres", "error", err)
		}
	}
}

type stores struct {
	sagas     service.SagaStore
	stale     service.StaleSagaFinder
	profiles  service.ProfileStore
	documents service.DocumentStore
}

func newStores(in *infra) stores {
	if in.pg == nil {
		sagas := saga.NewInMemory()
		return stores{
			sagas:     sagas,
			stale:     sagas,
			profiles:  profile.NewInMemory(),
			documents: document.NewInMemory(),
		}
	}
	sagas := saga.NewPostgres(in.pg.DB)
	return stores{
		sagas:     sagas,
		stale:     sagas,
		profiles:  profile.NewPostgres(in.pg.Pool),
		documents: document.NewPostgres(in.pg.Pool),
	}
}

// newLocker prefers Redis so replicas without a shared database still
// serialize; Postgres advisory locks are next, then a process-local map.
func newLocker(in *infra, log *slog.Logger) lock.Locker {
	switch {
	case in.redis != nil:
		return lock.NewRedisLocker(in.redis.Client)
	case in.pg != nil:
		return lock.NewPostgresLocker(in.pg.DB, lock.WithPostgresLogger(log))
	default:
		return lock.NewInMemoryLocker()
	}
}

// newAuditPipeline picks the primary audit store. With Postgres the outbox is
// primary and a relay worker ships rows to Kafka; with only Kafka events are
// produced directly. The in-memory store takes over while the breaker is open.
func newAuditPipeline(ctx context.Context, cfg config.Server, log *slog.Logger, reg prometheus.Registerer, in *infra) (*publisher.Publisher, *worker.Worker) {
	var (
		primary audit.Store
		relay   *worker.Worker
	)
	switch {
	case in.pg != nil:
		outbox := auditpostgres.New(in.pg.DB)
		primary = outbox
		if in.kafka != nil {
			relay = worker.NewWorker(outbox, kafkastore.New(in.kafka, cfg.Kafka.AuditTopic),
				worker.WithInterval(cfg.Audit.RelayInterval),
				worker.WithBatchSize(cfg.Audit.RelayBatchSize),
				worker.WithLogger(log),
			)
		}
	case in.kafka != nil:
		primary = kafkastore.New(in.kafka, cfg.Kafka.AuditTopic)
	default:
		log.WarnContext(ctx, "no audit backend configured, audit events are kept in memory")
		primary = auditmemory.NewInMemoryStore()
	}

	breaker := circuit.New("audit",
		circuit.WithFailureThreshold(cfg.Audit.FailureThreshold),
		circuit.WithSuccessThreshold(cfg.Audit.RecoveryThreshold),
	)
	sampler := publisher.NewSampler(1)
	sampler.SetRate(string(audit.EventSagaStepCompleted), cfg.Audit.StepSampleRate)

	return publisher.NewPublisher(primary,
		publisher.WithAsyncBuffer(cfg.Audit.BufferSize),
		publisher.WithSampler(sampler),
		publisher.WithFallback(auditmemory.NewInMemoryStore(), breaker),
		publisher.WithMetrics(publisher.NewMetrics(reg)),
		publisher.WithLogger(log),
	), relay
}
