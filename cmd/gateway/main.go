// cmd/gateway/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"telemetry-gateway/internal/alerting"
	"telemetry-gateway/internal/anomaly"
	"telemetry-gateway/internal/api"
	"telemetry-gateway/internal/audit"
	"telemetry-gateway/internal/auth"
	"telemetry-gateway/internal/config"
	"telemetry-gateway/internal/dispatch"
	"telemetry-gateway/internal/ingress"
	"telemetry-gateway/internal/logging"
	"telemetry-gateway/internal/metrics"
	"telemetry-gateway/internal/pipeline"
	"telemetry-gateway/internal/rules"
	"telemetry-gateway/internal/storage"
	"telemetry-gateway/internal/websocket"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configDir := flag.String("config", ".", "Path to the configuration file directory")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		fallback := logging.New(logging.Config{})
		fallback.Fatal().Err(err).Msg("Invalid configuration")
	}
	logger := logging.New(cfg.Log)
	if cfg.File == "" {
		logger.Warn().Msg("No config file found, running on defaults and environment")
	} else {
		logger.Info().Str("file", cfg.File).Msg("Configuration loaded")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Gateway stopped with error")
	}
	logger.Info().Msg("Gateway gracefully stopped")
}

func run(parent context.Context, cfg *config.Config, logger zerolog.Logger) error {
	// ctx ends ingestion on a signal or when an HTTP server fails
	ctx, cancelRun := context.WithCancel(parent)
	defer cancelRun()

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// --- Database ---
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		p, err := storage.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer p.Close()
		if err := storage.Migrate(ctx, p); err != nil {
			return err
		}
		pool = p
		logger.Info().Msg("PostgreSQL connected and migrated")
	}

	// Background services outlive ingestion so that readings drained at
	// shutdown are still alerted, dispatched and audited.
	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	var bg sync.WaitGroup
	goBg := func(fn func(context.Context)) {
		bg.Add(1)
		go func() {
			defer bg.Done()
			fn(bgCtx)
		}()
	}

	// --- Audit ---
	sink, closeAudit, err := buildAudit(cfg, m, logger)
	if err != nil {
		return err
	}
	defer closeAudit()
	goBg(sink.Run)

	// --- Credentials ---
	var creds auth.Store = auth.NewStaticStore(cfg.Auth.Devices)
	if pool != nil {
		creds = auth.NewPostgresStore(pool)
	}
	if cfg.Auth.RedisAddr != "" {
		rdb := auth.NewRedisClient(cfg.Auth.RedisAddr)
		defer rdb.Close()
		creds = auth.NewCachedStore(rdb, creds, cfg.Auth.CacheTTL, logger)
	}
	tokens := auth.NewTokenManager(cfg.Auth)

	// --- State & detection ---
	registry := storage.NewRegistry(cfg.DefaultTenant, cfg.Sensors)
	store := storage.NewStateStore(cfg.State)

	engine := anomaly.NewEngine(logging.Component(logger, "anomaly"))
	engine.RegisterDetector(anomaly.NewStatisticalDetector(cfg.Anomaly))
	engine.RegisterDetector(anomaly.NewRateDetector(cfg.Anomaly))
	engine.RegisterDetector(anomaly.NewThresholdDetector(cfg.Anomaly, store.Peek))
	if cfg.Anomaly.ML.Endpoint != "" {
		scorer := anomaly.NewHTTPScorer(cfg.Anomaly.ML.Endpoint, &http.Client{Timeout: 2 * cfg.Anomaly.ML.Timeout})
		engine.RegisterDetector(anomaly.NewMLDetector(cfg.Anomaly, scorer))
	}

	// --- Rules ---
	var evaluator pipeline.RuleEvaluator
	var rulesDegraded func() bool
	if src := ruleSource(cfg, pool); src != nil {
		cache := rules.NewCache(src, cfg.Rules.RefreshInterval, logger)
		if err := cache.Refresh(ctx); err != nil {
			logger.Warn().Err(err).Msg("Initial rule load failed, evaluating without rules until the source recovers")
		}
		goBg(cache.Run)
		evaluator = cache
		rulesDegraded = cache.Degraded
	}

	// --- Alerting ---
	var repo alerting.Repository = alerting.NewMemoryRepository()
	if pool != nil {
		repo = alerting.NewPostgresRepository(pool)
	}
	alerts := alerting.NewManager(cfg.Alerting, repo, logger, alerting.WithRecorder(sink))
	if n, err := alerts.Restore(ctx); err != nil {
		return fmt.Errorf("restoring open alerts: %w", err)
	} else if n > 0 {
		logger.Info().Int("alerts", n).Msg("Restored open alerts")
	}

	// --- Fan-out ---
	hub := websocket.NewHub(logger)
	goBg(hub.Run)

	dispatcher, err := dispatch.NewDispatcher(cfg.Dispatch, hub, sink, m, logger)
	if err != nil {
		return err
	}
	var publisher dispatch.JobPublisher = dispatch.NewLogPublisher(logger)
	if len(cfg.Dispatch.Brokers) > 0 {
		publisher = dispatch.NewKafkaPublisher(dispatch.NewKafkaWriter(cfg.Dispatch.Brokers, cfg.Dispatch.Topic))
	}
	defer publisher.Close()
	goBg(dispatch.NewRelay(dispatcher, publisher, logger).Run)

	// --- Pipeline ---
	p := pipeline.New(cfg.Pipeline, pipeline.Deps{
		Auth:       auth.NewAuthenticator(creds),
		Registry:   registry,
		Store:      store,
		Engine:     engine,
		Rules:      evaluator,
		Alerts:     alerts,
		Dispatcher: dispatcher,
		Recorder:   sink,
		Metrics:    m,
	}, cfg.Alerting.CommsLossAfter, logger)

	// stopped after HTTP and ingress have shut down
	pipeCtx, stopPipeline := context.WithCancel(context.Background())
	defer stopPipeline()
	pipelineDone := make(chan struct{})
	go func() {
		p.Run(pipeCtx)
		close(pipelineDone)
	}()

	// --- Ingress ---
	var ingressWG sync.WaitGroup
	if cfg.MQTT.Broker != "" {
		sub := ingress.NewMQTTSubscriber(cfg.MQTT, p, logger)
		ingressWG.Add(1)
		go func() {
			defer ingressWG.Done()
			if err := sub.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("MQTT ingress stopped")
			}
		}()
	}
	if cfg.Server.SocketAddr != "" {
		srv, err := ingress.ListenSocket(cfg.Server.SocketAddr, p, logger)
		if err != nil {
			return err
		}
		ingressWG.Add(1)
		go func() {
			defer ingressWG.Done()
			if err := srv.Serve(ctx); err != nil {
				logger.Error().Err(err).Msg("Socket ingress stopped")
			}
		}()
	}

	// --- HTTP ---
	health := []api.HealthCheck{func() string {
		if p.Saturated() {
			return "state store saturated"
		}
		return ""
	}}
	if rulesDegraded != nil {
		health = append(health, func() string {
			if rulesDegraded() {
				return "rule source degraded"
			}
			return ""
		})
	}
	apiHandler := api.NewAPIHandler(p, alerts, p, hub, logger, health...)

	dataServer := &http.Server{
		Addr:              cfg.Server.DataAddr,
		Handler:           api.SetupDataRouter(apiHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	uiServer := &http.Server{
		Addr:              cfg.Server.UIAddr,
		Handler:           api.SetupUIRouter(apiHandler, tokens, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 2)
	for name, srv := range map[string]*http.Server{"data": dataServer, "ui": uiServer} {
		name, srv := name, srv
		go func() {
			logger.Info().Str("server", name).Str("addr", srv.Addr).Msg("HTTP server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("%s server: %w", name, err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		cancelRun()
	}

	// --- Graceful shutdown ---
	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range []*http.Server{dataServer, uiServer} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Str("addr", srv.Addr).Msg("HTTP shutdown incomplete")
		}
	}

	ingressWG.Wait()
	stopPipeline()
	<-pipelineDone
	cancelBg()
	bg.Wait()
	return runErr
}

func ruleSource(cfg *config.Config, pool *pgxpool.Pool) rules.Source {
	switch cfg.Rules.Source {
	case "postgres":
		return rules.NewPostgresSource(pool)
	case "file":
		return rules.NewFileSource(cfg.Rules.Path)
	}
	return nil
}

func buildAudit(cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) (*audit.Sink, func(), error) {
	wal, err := audit.OpenFileWAL(cfg.Audit.Dir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening audit wal: %w", err)
	}
	closers := []func(){func() { wal.Close() }}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var writer audit.Writer
	switch cfg.Audit.Writer {
	case "postgres":
		dsn := cfg.Audit.DatabaseURL
		if dsn == "" {
			dsn = cfg.DatabaseURL
		}
		db, err := audit.OpenSQL(dsn)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() { db.Close() })
		writer = audit.NewSQLWriter(db, cfg.Audit.Table)
	case "nats":
		nc, err := audit.ConnectNATS(cfg.Audit.NATSURL)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, nc.Close)
		writer = audit.NewNATSWriter(nc, cfg.Audit.Subject)
	default:
		writer = audit.NewLogWriter(logger)
	}

	return audit.NewSink(cfg.Audit, wal, writer, m, logger), closeAll, nil
}
