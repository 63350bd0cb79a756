// Command orchestrator is the entrypoint for the Tasker orchestration core:
// it wires config, logging, storage, messaging, the actor ring, the event
// coordinator, the staleness sweeper, and the admin HTTP/gRPC surfaces,
// then runs until terminated (spec §4.5, §4.9, §6).
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tasker-systems/tasker-core/internal/actor"
	"github.com/tasker-systems/tasker-core/internal/api/grpcapi"
	"github.com/tasker-systems/tasker-core/internal/api/httpapi"
	"github.com/tasker-systems/tasker-core/internal/breaker"
	"github.com/tasker-systems/tasker-core/internal/config"
	"github.com/tasker-systems/tasker-core/internal/dlq"
	"github.com/tasker-systems/tasker-core/internal/dynamic"
	"github.com/tasker-systems/tasker-core/internal/eventcoordinator"
	"github.com/tasker-systems/tasker-core/internal/events"
	"github.com/tasker-systems/tasker-core/internal/lifecycle"
	"github.com/tasker-systems/tasker-core/internal/logger"
	"github.com/tasker-systems/tasker-core/internal/messaging"
	"github.com/tasker-systems/tasker-core/internal/messaging/pgmq"
	"github.com/tasker-systems/tasker-core/internal/messaging/rabbitmq"
	"github.com/tasker-systems/tasker-core/internal/observability"
	"github.com/tasker-systems/tasker-core/internal/readiness"
	"github.com/tasker-systems/tasker-core/internal/retry"
	"github.com/tasker-systems/tasker-core/internal/staleness"
	"github.com/tasker-systems/tasker-core/internal/store"
	pgstore "github.com/tasker-systems/tasker-core/internal/store/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "orchestrator: "+err.Error())
		os.Exit(1)
	}
}

func run() error {
	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	cfg, err := config.Load(config.RoleOrchestration, os.Getenv("TASKER_CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Info("config loaded", "environment", cfg.Environment, "deployment_mode", cfg.DeploymentMode)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "tasker-orchestrator", Environment: cfg.Environment,
	})
	if otelShutdown != nil {
		defer otelShutdown(context.Background())
	}

	pool, gdb, err := connectDatabase(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	st, err := pgstore.New(pool, gdb, log)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	m, err := connectMessaging(ctx, cfg, pool, gdb, log)
	if err != nil {
		return fmt.Errorf("connect messaging: %w", err)
	}

	var rdb *goredis.Client
	if cfg.Redis.Addr != "" {
		rdb = goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr})
	}
	breakers := breaker.NewRegistry(func(ns string) breaker.Config { return cfg.BreakerConfigFor(ns) }, rdb, log)

	pub := events.NewPublisher(m, log)
	eng := readiness.NewEngine(st, breakers)
	decisions := dynamic.NewDecisionExpander(st, log)
	batches := dynamic.NewBatchSpawner(st, log)
	dlqRouter := dlq.NewRouter(st, log)
	classifier := retry.NewClassifier(cfg.BackoffFor("default"))

	taskReqSvc := lifecycle.NewTaskRequestService(st, pub, log)
	enqueuerSvc := lifecycle.NewStepEnqueuer(st, m, pub, log)
	processorSvc := lifecycle.NewResultProcessor(st, classifier, dlqRouter, decisions, batches, pub, log, nil)
	finalizer := lifecycle.NewTaskFinalizer(st, pub, log)

	ring := actor.NewRing(actor.Config{
		Namespaces:       cfg.Namespaces,
		EnqueuePollEvery: 500 * time.Millisecond,
		ResultPollEvery:  500 * time.Millisecond,
		ResultBatchSize:  cfg.ChannelCapacityFor("result_processor_batch", 50),
		ReadyBatchSize:   cfg.ChannelCapacityFor("step_enqueuer_batch", 100),
		BranchLookup:     taskBranchLookup(st),
	}, st, m, eng, taskReqSvc, enqueuerSvc, processorSvc, finalizer, log)
	ring.Start(ctx)

	if cfg.DeploymentMode != config.ModePollingOnly {
		coordinator := eventcoordinator.New(pool, "pgmq_message_ready", log)
		coordinator.OnWake(func(namespace string) {
			log.Debug("received wakeup notification", "namespace", namespace)
		})
		go coordinator.Run(ctx)
	}

	sweeper := staleness.NewSweeper(st, staleness.Config{
		HeartbeatThreshold: cfg.Staleness.HeartbeatThreshold,
		CheckInterval:      cfg.Staleness.CheckInterval,
		TaskStaleThreshold: cfg.Staleness.TaskStaleThreshold,
		Slack:              cfg.Staleness.Slack,
	}, log)
	go sweeper.Run(ctx)

	router := httpapi.NewRouter(httpapi.Dependencies{
		Store: st, TaskRequests: taskReqSvc, Finalizer: finalizer, DLQ: dlqRouter,
	}, log)
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		log.Info("http admin surface listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
		}
	}()

	grpcSrv, healthSrv := grpcapi.NewServer(st, log)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	go grpcapi.RunHealthMonitor(ctx, st, healthSrv, 5*time.Second, log)
	go func() {
		log.Info("grpc admin surface listening", "addr", cfg.GRPCAddr)
		if err := grpcSrv.Serve(lis); err != nil {
			log.Error("grpc server error", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()

	return nil
}

func connectDatabase(ctx context.Context, cfg config.Config) (*pgxpool.Pool, *gorm.DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.Database.Pool.Max > 0 {
		poolCfg.MaxConns = int32(cfg.Database.Pool.Max)
	}
	if cfg.Database.Pool.Min > 0 {
		poolCfg.MinConns = int32(cfg.Database.Pool.Min)
	}
	if cfg.Database.Pool.MaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.Database.Pool.MaxLifetime
	}
	if cfg.Database.Pool.IdleTimeout > 0 {
		poolCfg.MaxConnIdleTime = cfg.Database.Pool.IdleTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	gdb, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("open gorm: %w", err)
	}
	return pool, gdb, nil
}

func connectMessaging(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, gdb *gorm.DB, log *logger.Logger) (messaging.Messaging, error) {
	switch cfg.Messaging.Backend {
	case messaging.BackendRabbitMQ:
		m, err := rabbitmq.Dial(cfg.Messaging.RabbitMQ.URL, gdb, log)
		if err != nil {
			return nil, err
		}
		go m.Relay(ctx, time.Second, 100)
		return m, nil
	default:
		if err := pgmq.Migrate(ctx, pool); err != nil {
			return nil, err
		}
		return pgmq.New(pool, log), nil
	}
}

// taskBranchLookup builds the decision expander's name -> step id map by
// listing the task's current steps fresh from the store (spec §9's "actors
// read fresh at the start of each operation" discipline): the expander
// needs it to resolve a DecisionOutcome's branch names to the step rows the
// template instantiated at BeginTask time.
func taskBranchLookup(st store.Store) func(ctx context.Context, taskID uuid.UUID) (map[string]uuid.UUID, error) {
	return func(ctx context.Context, taskID uuid.UUID) (map[string]uuid.UUID, error) {
		steps, err := st.ListSteps(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("branch lookup: list steps for task %s: %w", taskID, err)
		}
		byName := make(map[string]uuid.UUID, len(steps))
		for _, s := range steps {
			byName[s.Name] = s.ID
		}
		return byName, nil
	}
}

var _ store.Store = (*pgstore.Store)(nil)
