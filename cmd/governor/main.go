// Command governor runs the governance engine: the decision API, the
// escalation timeout sweeper, and the telemetry providers, wired from the
// configuration surface.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/covenant-labs/covenant/pkg/api"
	"github.com/covenant-labs/covenant/pkg/config"
	"github.com/covenant-labs/covenant/pkg/contracts"
	"github.com/covenant-labs/covenant/pkg/coordinator"
	"github.com/covenant-labs/covenant/pkg/escalation"
	"github.com/covenant-labs/covenant/pkg/guardrails"
	"github.com/covenant-labs/covenant/pkg/observability"
	"github.com/covenant-labs/covenant/pkg/policy"
	"github.com/covenant-labs/covenant/pkg/proofchain"
	"github.com/covenant-labs/covenant/pkg/security"
	"github.com/covenant-labs/covenant/pkg/tenants"
	"github.com/covenant-labs/covenant/pkg/tiers"
	"github.com/covenant-labs/covenant/pkg/trust"
)

func main() {
	if err := run(); err != nil {
		slog.Error("governor exited", "error", err)
		os.Exit(1)
	}
}

// stores groups the persistence layer picked at boot: PostgreSQL when the
// database is reachable, embedded (memory + SQLite proofs) otherwise.
type stores struct {
	policies    policy.Store
	trust       trust.Store
	escalations escalation.Store
	proofs      proofchain.Store
	registry    tenants.Registry
	idempotency api.IdempotencyStore
	close       func()
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("COVENANT_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:  "covenant-governor",
		Environment:  envName(),
		OTLPEndpoint: cfg.Otel.Endpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.Otel.Endpoint != "",
		Insecure:     cfg.Otel.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	slo := observability.NewSLOTracker()
	for _, target := range observability.DefaultTargets() {
		slo.SetTarget(target)
	}

	var redisClient *redis.Client
	if cfg.Cache.Backend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	loaderOpts := []policy.LoaderOption{
		policy.WithCacheTTL(time.Duration(cfg.Cache.TTLSeconds) * time.Second),
	}
	if redisClient != nil {
		loaderOpts = append(loaderOpts, policy.WithRedis(redisClient))
	}
	loader := policy.NewLoader(st.policies, logger, loaderOpts...)
	evaluator := policy.NewEvaluator(logger)

	recorderOpts := []proofchain.RecorderOption{
		proofchain.WithBatchSize(cfg.Proof.BatchSize),
	}
	archiver, err := newArchiver(ctx, cfg.Proof.Archive)
	if err != nil {
		return err
	}
	if archiver != nil {
		recorderOpts = append(recorderOpts, proofchain.WithArchiver(archiver))
	}
	recorder := proofchain.NewRecorder(st.proofs, logger, recorderOpts...)
	emitter := proofchain.NewEmitter(recorder, logger, cfg.Proof.QueueSize)
	defer emitter.Close()

	var limiter trust.SourceLimiter
	if redisClient != nil {
		limiter = trust.NewRedisLimiter(redisClient, cfg.Trust.SignalRateLimitPerHour)
	} else {
		limiter = trust.NewLocalLimiter(cfg.Trust.SignalRateLimitPerHour)
	}
	trustEngine := trust.NewEngine(st.trust, logger,
		trust.WithLimiter(limiter),
		trust.WithDeltaSink(proofchain.NewTrustSink(emitter, "platform")))

	rails, err := guardrails.NewEngine(logger)
	if err != nil {
		return fmt.Errorf("init guardrails: %w", err)
	}

	// The timeout handler is bound after the coordinator exists.
	var coord *coordinator.Coordinator
	manager := escalation.NewManager(st.escalations, logger,
		escalation.WithDefaultTimeout(cfg.Escalation.DefaultTimeoutMinutes),
		escalation.WithTimeoutHandler(func(ctx context.Context, esc *contracts.Escalation) {
			coord.HandleTimeout(ctx, esc)
		}))

	coordOpts := []coordinator.Option{
		coordinator.WithRegistry(st.registry),
		coordinator.WithGuardrails(rails),
	}
	if gate := newGate(cfg.Security, logger); gate != nil {
		coordOpts = append(coordOpts, coordinator.WithGate(gate))
	}
	coord = coordinator.New(loader, evaluator, trustEngine, manager,
		recorder, emitter, logger, coordOpts...)

	go sweepTimeouts(ctx, manager, slo, logger,
		time.Duration(cfg.Escalation.TimeoutScanSeconds)*time.Second)

	server := api.NewServer(coord, trustEngine, st.policies, loader, manager,
		recorder, st.registry, logger,
		api.WithTelemetry(telemetry),
		api.WithSLOTracker(slo),
		api.WithIdempotency(st.idempotency),
		api.WithRateLimiter(api.NewRateLimiter(100, 200)))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("governor listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// openStores connects PostgreSQL when configured and reachable, otherwise
// falls back to the embedded mode: in-memory stores with a SQLite proof
// chain that survives restarts.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				return openPostgres(ctx, cfg, db, logger)
			}
			db.Close()
		}
		logger.Warn("database unreachable, using embedded stores", "error", err)
	}
	return openEmbedded(ctx, cfg, logger)
}

func openPostgres(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) (*stores, error) {
	policyStore := policy.NewPostgresStore(db)
	trustStore := trust.NewPostgresStore(db)
	escStore := escalation.NewPostgresStore(db)
	registry := tenants.NewPostgresRegistry(db)
	idem := api.NewPostgresIdempotencyStore(db, 24*time.Hour)

	for name, init := range map[string]func(context.Context) error{
		"policies":    policyStore.Init,
		"trust":       trustStore.Init,
		"escalations": escStore.Init,
		"tenants":     registry.Init,
		"idempotency": idem.Init,
	} {
		if err := init(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("init %s schema: %w", name, err)
		}
	}

	st := &stores{
		policies:    policyStore,
		trust:       trustStore,
		escalations: escStore,
		registry:    registry,
		idempotency: idem,
		close:       func() { db.Close() },
	}

	if cfg.Proof.SQLitePath != "" {
		sqliteStore, err := proofchain.OpenSQLiteStore(cfg.Proof.SQLitePath)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open proof store: %w", err)
		}
		st.proofs = sqliteStore
		st.close = func() { sqliteStore.Close(); db.Close() }
	} else {
		proofStore := proofchain.NewPostgresStore(db)
		if err := proofStore.Init(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("init proofs schema: %w", err)
		}
		st.proofs = proofStore
	}

	logger.Info("postgres stores ready")
	return st, nil
}

func openEmbedded(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	path := cfg.Proof.SQLitePath
	if path == "" {
		path = "covenant-proofs.db"
	}
	proofStore, err := proofchain.OpenSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("open proof store: %w", err)
	}

	registry := tenants.NewMemoryRegistry()
	tenant, rawKey, err := registry.Create(ctx, tenants.CreateRequest{Name: "sandbox"})
	if err != nil {
		proofStore.Close()
		return nil, err
	}
	// The key is shown once; embedded mode has no other way to hand it over.
	logger.Info("embedded mode ready", "tenant_id", tenant.ID, "api_key", rawKey)

	return &stores{
		policies:    policy.NewMemoryStore(),
		trust:       trust.NewMemoryStore(),
		escalations: escalation.NewMemoryStore(),
		proofs:      proofStore,
		registry:    registry,
		idempotency: api.NewMemoryIdempotencyStore(24 * time.Hour),
		close:       func() { proofStore.Close() },
	}, nil
}

// newGate builds the security gate when a token secret is configured.
func newGate(cfg config.SecurityConfig, logger *slog.Logger) *security.Gate {
	if cfg.TokenSecret == "" {
		logger.Warn("no token secret configured, security gate disabled")
		return nil
	}

	secret := []byte(cfg.TokenSecret)
	keyFunc := func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return secret, nil
	}

	opts := []security.GateOption{}
	if len(cfg.TierTokenTTLMinutes) > 0 {
		ttls := make(map[tiers.Band]time.Duration, len(cfg.TierTokenTTLMinutes))
		for alias, minutes := range cfg.TierTokenTTLMinutes {
			band, err := tiers.ParseBandAlias(alias)
			if err != nil {
				logger.Warn("ignoring unknown tier in token ttl table", "tier", alias)
				continue
			}
			ttls[band] = time.Duration(minutes) * time.Minute
		}
		opts = append(opts, security.WithTokenTTLs(ttls))
	}
	if cfg.IntrospectionURL != "" {
		opts = append(opts, security.WithIntrospector(
			security.NewHTTPIntrospector(cfg.IntrospectionURL,
				cfg.IntrospectionClient, cfg.IntrospectionSecret)))
	}
	return security.NewGate(keyFunc, logger, opts...)
}

// newArchiver builds the proof segment archiver, or nil when archiving is
// off.
func newArchiver(ctx context.Context, cfg config.ArchiveConfig) (proofchain.Archiver, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "s3":
		return proofchain.NewS3Archiver(ctx, proofchain.S3ArchiverConfig{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case "gcs":
		return proofchain.NewGCSArchiver(ctx, cfg.Bucket, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}

// sweepTimeouts runs the escalation timeout scan on a fixed interval until
// the context ends.
func sweepTimeouts(ctx context.Context, manager *escalation.Manager,
	slo *observability.SLOTracker, logger *slog.Logger, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			n, err := manager.ProcessTimeouts(ctx)
			slo.Record(observability.SLOObservation{
				Operation: observability.OpProcessTimeouts,
				Latency:   time.Since(start),
				Success:   err == nil,
			})
			if err != nil {
				logger.Error("timeout sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("escalations timed out", "count", n)
			}
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func envName() string {
	if env := os.Getenv("COVENANT_ENV"); env != "" {
		return env
	}
	return "development"
}
