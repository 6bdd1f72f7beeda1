// Package app assembles the engine from configuration: storage, policy evaluation, the watch
// registry and change handler, the delivery pool and the gRPC server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/wayli-app/fluxbase-sub006/internal/actor"
	actorrepo "github.com/wayli-app/fluxbase-sub006/internal/actor/repository"
	"github.com/wayli-app/fluxbase-sub006/internal/audit"
	auditrepo "github.com/wayli-app/fluxbase-sub006/internal/audit/repository"
	"github.com/wayli-app/fluxbase-sub006/internal/changefeed"
	"github.com/wayli-app/fluxbase-sub006/internal/config"
	"github.com/wayli-app/fluxbase-sub006/internal/db"
	"github.com/wayli-app/fluxbase-sub006/internal/db/migrate"
	"github.com/wayli-app/fluxbase-sub006/internal/delivery"
	"github.com/wayli-app/fluxbase-sub006/internal/gate"
	"github.com/wayli-app/fluxbase-sub006/internal/notify"
	"github.com/wayli-app/fluxbase-sub006/internal/ownership"
	"github.com/wayli-app/fluxbase-sub006/internal/policy/engine"
	policyrepo "github.com/wayli-app/fluxbase-sub006/internal/policy/repository"
	queuerepo "github.com/wayli-app/fluxbase-sub006/internal/queue/repository"
	"github.com/wayli-app/fluxbase-sub006/internal/security"
	"github.com/wayli-app/fluxbase-sub006/internal/server"
	"github.com/wayli-app/fluxbase-sub006/internal/table"
	"github.com/wayli-app/fluxbase-sub006/internal/telemetry"
	"github.com/wayli-app/fluxbase-sub006/internal/telemetry/otel"
	"github.com/wayli-app/fluxbase-sub006/internal/watch"
	webhookrepo "github.com/wayli-app/fluxbase-sub006/internal/webhook/repository"
	webhookservice "github.com/wayli-app/fluxbase-sub006/internal/webhook/service"
)

const readinessInterval = 15 * time.Second

// Stores groups the repositories behind the engine. Build with OpenStores or MemoryStores.
type Stores struct {
	Conn     *sql.DB
	Tx       db.Transactor
	Webhooks webhookrepo.Repository
	Queue    queuerepo.Repository
	Watch    watch.Store
	Audit    auditrepo.Repository
	APIKeys  actorrepo.Repository
	Policies policyrepo.Repository
}

// OpenStores connects to Postgres and returns the Postgres-backed stores.
func OpenStores(ctx context.Context, dsn string, migrateOnStart bool) (*Stores, error) {
	conn, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	if migrateOnStart {
		if err := migrate.UpWithDB(conn); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return &Stores{
		Conn:     conn,
		Tx:       db.NewSQLTransactor(conn),
		Webhooks: webhookrepo.NewPostgresRepository(conn),
		Queue:    queuerepo.NewPostgresRepository(conn),
		Watch:    watch.NewPostgresStore(conn),
		Audit:    auditrepo.NewPostgresRepository(conn),
		APIKeys:  actorrepo.NewPostgresRepository(conn),
		Policies: policyrepo.NewPostgresRepository(conn),
	}, nil
}

// MemoryStores returns in-memory stores for development and tests. Nothing survives a restart.
func MemoryStores() *Stores {
	return &Stores{
		Tx:       db.NewMemoryTransactor(),
		Webhooks: webhookrepo.NewMemoryRepository(),
		Queue:    queuerepo.NewMemoryRepository(),
		Watch:    watch.NewMemoryStore(),
		Audit:    auditrepo.NewMemoryRepository(),
		APIKeys:  actorrepo.NewMemoryRepository(),
		Policies: policyrepo.NewMemoryRepository(),
	}
}

// Engine is the assembled engine. The storage layer calls Gate around every data operation;
// operator tooling uses Webhooks, Audit and Pool.Redeliver.
type Engine struct {
	Gate      *gate.Gate
	Webhooks  *webhookservice.WebhookService
	Audit     *audit.Logger
	Evaluator *engine.Evaluator
	Registry  *watch.Registry
	Hooks     *watch.Dispatcher
	Pool      *delivery.Pool
	Server    *server.Server
	Bus       notify.Bus
	Stores    *Stores

	cfg       *config.Config
	logger    *slog.Logger
	providers *otel.Providers
	closeOnce sync.Once
}

// Options carries optional collaborators for New.
type Options struct {
	// Stores overrides the stores chosen from configuration.
	Stores *Stores
	// Sender overrides the outbound HTTP sender.
	Sender delivery.Sender
	Logger *slog.Logger
}

// New builds an Engine from cfg. Postgres is used when DATABASE_URL is set, otherwise
// in-memory stores.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Engine, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			e.Close(context.Background())
		}
	}()

	e.Stores = opts.Stores
	if e.Stores == nil {
		if cfg.DatabaseURL != "" {
			if e.Stores, err = OpenStores(ctx, cfg.DatabaseURL, cfg.MigrateOnStart); err != nil {
				return nil, err
			}
		} else {
			logger.Warn("DATABASE_URL not set; using in-memory stores")
			e.Stores = MemoryStores()
		}
	}

	e.providers, err = otel.NewProviders(ctx, otel.Config{
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
		Environment: cfg.Env,
		Insecure:    cfg.OTelInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("otel: %w", err)
	}
	e.providers.SetGlobal()
	metrics, err := otel.NewMetrics(e.providers.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("otel metrics: %w", err)
	}
	emitter := otel.NewEventEmitter(e.providers.LoggerProvider)

	e.Audit = audit.NewLogger(e.Stores.Audit, audit.Options{
		BufferSize:    cfg.AuditBufferSize,
		FlushInterval: cfg.AuditFlush(),
		Emitter:       emitter,
		Logger:        logger,
	})

	rules, checker, err := buildRules(ctx, cfg, e.Stores.Policies, logger)
	if err != nil {
		return nil, err
	}
	e.Evaluator = engine.NewEvaluator(rules, e.Audit, engine.Options{
		ReadSampleRate: cfg.AuditReadSampleRate,
		Observer:       metrics,
		Logger:         logger,
	})

	if e.Bus, err = buildBus(cfg, logger); err != nil {
		return nil, err
	}

	actorTable, err := table.ParseRef(cfg.ActorTable)
	if err != nil {
		return nil, fmt.Errorf("config: ACTOR_TABLE: %w", err)
	}
	scoper := ownership.New(actorTable)
	handler := changefeed.NewHandler(e.Stores.Webhooks, e.Stores.Queue, scoper, e.Stores.Tx, e.Bus, logger)
	e.Hooks = watch.NewDispatcher(handler)
	e.Registry = watch.NewRegistry(e.Stores.Watch, e.Stores.Tx, e.Hooks, watch.Options{Metrics: metrics, Logger: logger})
	if err := e.Registry.Sync(ctx); err != nil {
		return nil, fmt.Errorf("watch sync: %w", err)
	}
	e.Webhooks = webhookservice.NewWebhookService(e.Stores.Webhooks, e.Registry, webhookservice.Defaults{
		TimeoutSeconds:    cfg.DeliveryTimeoutSeconds(),
		MaxRetries:        cfg.WebhookMaxRetries,
		BackoffSeconds:    cfg.WebhookBackoffSeconds,
		MaxBackoffSeconds: cfg.WebhookMaxBackoffSeconds,
	}, logger)
	e.Gate = gate.New(e.Evaluator, scoper, e.Hooks, e.Stores.Tx)

	sender := opts.Sender
	if sender == nil {
		sender = delivery.NewHTTPSender(nil)
	}
	e.Pool = delivery.NewPool(e.Stores.Queue, e.Stores.Webhooks, sender, delivery.Options{
		Workers:        cfg.DeliveryWorkers,
		PollInterval:   cfg.PollInterval(),
		Lease:          cfg.LeaseDuration(),
		ShutdownGrace:  cfg.ShutdownGrace(),
		DefaultTimeout: cfg.DeliveryTimeoutDuration(),
		Audit:          e.Audit,
		Metrics:        metrics,
		Logger:         logger,
	})

	resolver, err := buildResolver(cfg, e.Stores.APIKeys, logger)
	if err != nil {
		return nil, err
	}
	deps := server.Deps{Resolver: resolver, Emitter: emitter, Logger: logger}
	if e.Stores.Conn != nil {
		deps.Pinger = e.Stores.Conn
	}
	if checker != nil {
		deps.PolicyChecker = checker
	}
	e.Server = server.New(deps)
	return e, nil
}

// Run serves gRPC on cfg.GRPCAddr and runs the delivery pool and audit flusher until ctx is
// done. It then stops accepting RPCs, lets the pool finish or release in-flight deliveries and
// flushes the audit buffer.
func (e *Engine) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", e.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return e.Serve(ctx, lis)
}

// Serve is Run on an existing listener.
func (e *Engine) Serve(ctx context.Context, lis net.Listener) error {
	wake, cancelWake, err := e.Bus.Subscribe()
	if err != nil {
		return fmt.Errorf("wake subscribe: %w", err)
	}
	defer cancelWake()

	if err := e.Server.CheckReadiness(ctx); err != nil {
		e.logger.WarnContext(ctx, "not ready at startup", "error", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		e.Audit.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		e.Server.WatchReadiness(ctx, readinessInterval)
	}()
	go func() {
		defer wg.Done()
		if err := e.Pool.Run(ctx, wake); err != nil {
			e.logger.Error("delivery pool stopped", "error", err)
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		e.logger.Info("gRPC server listening", "addr", lis.Addr().String())
		serveErr <- e.Server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		err = nil
	case err = <-serveErr:
		err = fmt.Errorf("serve: %w", err)
	}
	e.logger.Info("shutting down")
	e.Server.Stop()
	wg.Wait()
	return err
}

// Close releases the bus, telemetry providers and database. Safe to call more than once.
func (e *Engine) Close(ctx context.Context) {
	e.closeOnce.Do(func() {
		if e.Audit != nil {
			e.Audit.Close(ctx)
		}
		if e.Bus != nil {
			if err := e.Bus.Close(); err != nil {
				e.logger.Warn("wake bus close failed", "error", err)
			}
		}
		if e.providers != nil {
			time.Sleep(telemetryDrain(ctx))
			if err := e.providers.Shutdown(ctx); err != nil {
				e.logger.Warn("otel shutdown failed", "error", err)
			}
		}
		if e.Stores != nil && e.Stores.Conn != nil {
			_ = e.Stores.Conn.Close()
		}
	})
}

// telemetryDrain gives detached async emits time to finish, bounded by ctx's deadline.
func telemetryDrain(ctx context.Context) time.Duration {
	d := telemetry.ShutdownDrainDuration
	if deadline, ok := ctx.Deadline(); ok {
		d = min(d, time.Until(deadline)/2)
	}
	return max(d, 0)
}

func buildRules(ctx context.Context, cfg *config.Config, policies policyrepo.Repository, logger *slog.Logger) (engine.RuleSet, server.PolicyChecker, error) {
	switch cfg.PolicyBackend {
	case config.PolicyBackendRego:
		r, err := engine.NewRegoRules(ctx, policies, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("rego rules: %w", err)
		}
		return r, r, nil
	case config.PolicyBackendCasbin:
		r, err := engine.NewCasbinRules(cfg.PolicyCasbinModel, cfg.PolicyCasbinPolicy)
		if err != nil {
			return nil, nil, fmt.Errorf("casbin rules: %w", err)
		}
		return r, nil, nil
	}
	anon, err := engine.ParseRules(cfg.PolicyAnonRules)
	if err != nil {
		return nil, nil, fmt.Errorf("config: POLICY_ANON_RULES: %w", err)
	}
	excluded, err := engine.ParseRules(cfg.PolicyAdminExclusions)
	if err != nil {
		return nil, nil, fmt.Errorf("config: POLICY_ADMIN_EXCLUSIONS: %w", err)
	}
	return &engine.StaticRules{Anon: anon, AdminExclusions: excluded}, nil, nil
}

func buildBus(cfg *config.Config, logger *slog.Logger) (notify.Bus, error) {
	if strings.TrimSpace(cfg.NATSURL) == "" {
		return notify.NewLocal(), nil
	}
	bus, err := notify.NewNATSBus(cfg.NATSURL, cfg.NATSSubjectPrefix,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	return bus, nil
}

func buildResolver(cfg *config.Config, keys actor.APIKeyStore, logger *slog.Logger) (*actor.Resolver, error) {
	var tokens *security.TokenProvider
	if strings.TrimSpace(cfg.JWTPublicKey) != "" {
		var err error
		tokens, err = security.NewTokenProviderFromPEM(cfg.JWTPrivateKey, cfg.JWTPublicKey, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())
		if err != nil {
			return nil, fmt.Errorf("jwt keys: %w", err)
		}
	} else {
		logger.Warn("JWT_PUBLIC_KEY not set; bearer tokens are rejected")
	}
	return actor.NewResolver(tokens, keys, security.NewHasher(cfg.BcryptCost), cfg.ServiceKey, logger), nil
}
