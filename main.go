package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"telemetry-control/internal/agentclient"
	"telemetry-control/internal/audit"
	"telemetry-control/internal/auth"
	commandsapp "telemetry-control/internal/commands/application"
	commandsevents "telemetry-control/internal/commands/application/events"
	"telemetry-control/internal/commands/infrastructure/delivery"
	commandsinterfaces "telemetry-control/internal/commands/interfaces"
	commandshttp "telemetry-control/internal/commands/interfaces/http"
	"telemetry-control/internal/config"
	"telemetry-control/internal/eventbus"
	"telemetry-control/internal/eventing"
	eventingrepo "telemetry-control/internal/eventing/infrastructure/postgres"
	masterdatarepo "telemetry-control/internal/masterdata/infrastructure/postgres"
	"telemetry-control/internal/notify"
	"telemetry-control/internal/observability/metrics"
	"telemetry-control/internal/observability/tracing"
	"telemetry-control/internal/report"
	"telemetry-control/internal/safeguard"
	"telemetry-control/internal/sharedstate"
	sharedbadger "telemetry-control/internal/sharedstate/badger"
	sharedpostgres "telemetry-control/internal/sharedstate/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		logger.Fatalf("tracing setup error: %v", err)
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db, logger)
	auditRepo := audit.NewRepository(db)
	deviceRepo := masterdatarepo.NewDeviceRepository(db)

	sharedStore, closeShared, err := openSharedStore(ctx, cfg, db, logger)
	if err != nil {
		logger.Fatalf("shared store error: %v", err)
	}
	defer closeShared()

	safeguardCfg := safeguard.DefaultConfig()
	if cfg.SafeguardConfigPath != "" {
		safeguardCfg, err = safeguard.LoadConfig(cfg.SafeguardConfigPath)
		if err != nil {
			logger.Fatalf("safeguard config error: %v", err)
		}
	}
	evaluator, err := safeguard.New(safeguardCfg, sharedStore, deviceRepo, logger)
	if err != nil {
		logger.Fatalf("safeguard error: %v", err)
	}

	baseBus := eventbus.NewInMemoryBus()
	registry := eventing.NewRegistry()
	registry.Register(commandsevents.CommandDispatched{})
	registry.Register(commandsevents.CommandStatusChanged{})
	registry.Register(commandsevents.CommandRolledBack{})

	outboxStore := eventingrepo.NewOutboxStore(db)
	processedStore := eventingrepo.NewProcessedStore(db)
	dlqStore := eventingrepo.NewDLQStore(db)
	dispatcher := eventing.NewDispatcher(baseBus, outboxStore, registry, dlqStore,
		eventing.WithMaxAttempts(cfg.OutboxMaxAttempts),
		eventing.WithDispatcherLogger(logger),
	)
	publisher := eventing.NewPublisher(outboxStore,
		eventing.WithPartitions(cfg.Partitions),
		eventing.WithNotify(dispatcher.Notify),
		eventing.WithPublisherLogger(logger),
	)

	channel, err := delivery.NewChannel(publisher, delivery.WithTimeout(cfg.DispatchTimeout))
	if err != nil {
		logger.Fatalf("delivery channel error: %v", err)
	}
	commandService, err := commandsapp.NewService(auditRepo, evaluator, channel,
		commandsapp.WithEvents(publisher),
		commandsapp.WithLogger(logger),
		commandsapp.WithTracer(otel.Tracer("telemetry-control/commands")),
	)
	if err != nil {
		logger.Fatalf("command service error: %v", err)
	}
	defer commandService.Close()

	agentClient, err := agentclient.NewClient(cfg.AgentBaseURL, cfg.AgentToken,
		agentclient.WithHTTPClient(&http.Client{Timeout: cfg.AgentTimeout}))
	if err != nil {
		logger.Fatalf("agent client error: %v", err)
	}
	relay, err := commandsinterfaces.NewAgentRelay(agentClient, commandService, nil, logger)
	if err != nil {
		logger.Fatalf("agent relay error: %v", err)
	}
	eventing.Subscribe(baseBus, eventbus.EventTypeOf[commandsevents.CommandDispatched](), "agent.relay", relay.HandleCommandDispatched, processedStore)
	eventing.Subscribe(baseBus, eventbus.EventTypeOf[commandsevents.CommandStatusChanged](), "lifecycle.log", lifecycleLogger(logger), processedStore)
	eventing.Subscribe(baseBus, eventbus.EventTypeOf[commandsevents.CommandRolledBack](), "lifecycle.log", lifecycleLogger(logger), processedStore)

	if cfg.NotifyWebhookURL != "" {
		sender, err := notify.NewWebhookSender(cfg.NotifyWebhookURL, cfg.NotifyTimeout)
		if err != nil {
			logger.Fatalf("notify webhook error: %v", err)
		}
		tpl, err := notify.NewTemplate(cfg.NotifyTemplate)
		if err != nil {
			logger.Fatalf("notify template error: %v", err)
		}
		notifier, err := notify.NewNotifier(sender, tpl, notify.WithCooldown(cfg.NotifyCooldown), notify.WithLogger(logger))
		if err != nil {
			logger.Fatalf("notifier error: %v", err)
		}
		eventing.Subscribe(baseBus, eventbus.EventTypeOf[commandsevents.CommandRolledBack](), "notify.webhook", notifier.HandleCommandRolledBack, processedStore)
		eventing.Subscribe(baseBus, eventbus.EventTypeOf[commandsevents.CommandStatusChanged](), "notify.webhook", notifier.HandleCommandStatusChanged, processedStore)
	}

	go dispatcher.Run(ctx, cfg.OutboxInterval, cfg.OutboxBatch)
	go purgeProcessed(ctx, processedStore, cfg.ProcessedRetention, logger)

	if _, err := commandService.RecoverTimers(ctx); err != nil {
		logger.Printf("rollback timer recovery error: %v", err)
	}

	commandHandler, err := commandshttp.NewHandler(commandService, logger)
	if err != nil {
		logger.Fatalf("command handler error: %v", err)
	}
	exportHandler, err := report.NewHandler(auditRepo, logger)
	if err != nil {
		logger.Fatalf("export handler error: %v", err)
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)
	authMiddleware.Logger = logger

	mux := http.NewServeMux()
	mux.Handle("/api/v1/commands", commandHandler)
	mux.Handle("/api/v1/commands/", commandHandler)
	mux.Handle("/api/v1/admin/exports/commands", exportHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(authMiddleware.Wrap(mux), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Printf("http listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown error: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Printf("tracing shutdown error: %v", err)
	}
}

func openSharedStore(ctx context.Context, cfg config.Config, db *sql.DB, logger *log.Logger) (sharedstate.Store, func(), error) {
	switch cfg.SharedStore {
	case config.SharedStoreBadger:
		store, err := sharedbadger.Open(sharedbadger.Config{Path: cfg.BadgerPath, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		go store.RunGC(ctx, cfg.BadgerGCInterval)
		logger.Printf("shared store: badger path=%s", cfg.BadgerPath)
		return store, func() { _ = store.Close() }, nil
	case config.SharedStoreMemory:
		logger.Printf("shared store: memory (single instance only)")
		return sharedstate.NewMemory(sharedstate.SystemClock{}), func() {}, nil
	default:
		store := sharedpostgres.NewStore(db)
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := store.DeleteExpired(ctx); err != nil && ctx.Err() == nil {
						logger.Printf("shared counter gc error: %v", err)
					}
				}
			}
		}()
		return store, func() {}, nil
	}
}

func purgeProcessed(ctx context.Context, store *eventingrepo.ProcessedStore, retention time.Duration, logger *log.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			purged, err := store.PurgeBefore(ctx, tick.UTC().Add(-retention))
			if err != nil {
				if ctx.Err() == nil {
					logger.Printf("processed events purge error: %v", err)
				}
				continue
			}
			if purged > 0 {
				logger.Printf("processed events purged: count=%d", purged)
			}
		}
	}
}

func lifecycleLogger(logger *log.Logger) eventbus.EventHandler {
	return func(ctx context.Context, event any) error {
		switch evt := event.(type) {
		case commandsevents.CommandStatusChanged:
			logger.Printf("command status changed: command=%s target=%s from=%s to=%s reason=%s", evt.CommandID, evt.TargetID, evt.From, evt.To, evt.Reason)
		case *commandsevents.CommandStatusChanged:
			logger.Printf("command status changed: command=%s target=%s from=%s to=%s reason=%s", evt.CommandID, evt.TargetID, evt.From, evt.To, evt.Reason)
		case commandsevents.CommandRolledBack:
			logger.Printf("command rolled back: command=%s inverse=%s trigger=%s delivered=%t", evt.CommandID, evt.RollbackCommandID, evt.Trigger, evt.Delivered)
		case *commandsevents.CommandRolledBack:
			logger.Printf("command rolled back: command=%s inverse=%s trigger=%s delivered=%t", evt.CommandID, evt.RollbackCommandID, evt.Trigger, evt.Delivered)
		default:
			return eventbus.ErrInvalidEventType
		}
		return nil
	}
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
