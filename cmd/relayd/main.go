// Command relayd is Relay's process entrypoint: it loads configuration,
// opens every durable store, wires the publish pipeline, and serves the
// adapter/console HTTP surface until a shutdown signal arrives.
//
// Grounded on cmd/orchestrator/main.go's service-startup-order and
// signal-driven graceful shutdown shape (context+cancel, WaitGroup,
// SIGINT/SIGTERM select, bounded shutdown timeout), generalized from
// "start Support then Broker then deploy agents" to "open stores then
// assemble Core then start Receiver/Scheduler/AdapterHub/Console".
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tenzoki/relay/internal/access"
	"github.com/tenzoki/relay/internal/adapterhub"
	"github.com/tenzoki/relay/internal/agentruntime"
	"github.com/tenzoki/relay/internal/backpressure"
	"github.com/tenzoki/relay/internal/breaker"
	"github.com/tenzoki/relay/internal/config"
	"github.com/tenzoki/relay/internal/console"
	"github.com/tenzoki/relay/internal/envelope"
	"github.com/tenzoki/relay/internal/index"
	"github.com/tenzoki/relay/internal/logging"
	"github.com/tenzoki/relay/internal/maildir"
	"github.com/tenzoki/relay/internal/pulse"
	"github.com/tenzoki/relay/internal/ratelimit"
	"github.com/tenzoki/relay/internal/receiver"
	"github.com/tenzoki/relay/internal/registry"
	"github.com/tenzoki/relay/internal/relay"
	"github.com/tenzoki/relay/internal/scheduler"
	"github.com/tenzoki/relay/internal/signal"
	"github.com/tenzoki/relay/internal/trace"
)

func main() {
	configFile := ""
	if len(os.Args) >= 2 {
		configFile = os.Args[1]
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("relayd: failed to load config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("relayd: failed to create data dir %s: %v", cfg.DataDir, err)
	}

	logPath := filepath.Join(cfg.DataDir, "relay.log")
	logger, err := logging.New(logPath, !cfg.Debug)
	if err != nil {
		log.Fatalf("relayd: failed to initialize logging: %v", err)
	}
	defer logger.Sync()

	logger.Info("relayd: starting (data_dir=%s, relay_enabled=%v, debug=%v)", cfg.DataDir, cfg.RelayEnabled, cfg.Debug)

	mailboxDir := filepath.Join(cfg.DataDir, "mailboxes")
	mstore := maildir.NewStore(mailboxDir)

	idx, err := index.Open(filepath.Join(cfg.DataDir, "index.db"))
	if err != nil {
		log.Fatalf("relayd: failed to open index: %v", err)
	}
	defer idx.Close()

	tstore, err := trace.Open(filepath.Join(cfg.DataDir, "trace.db"))
	if err != nil {
		log.Fatalf("relayd: failed to open trace store: %v", err)
	}
	defer tstore.Close()

	runs, err := pulse.Open(filepath.Join(cfg.DataDir, "pulse.db"))
	if err != nil {
		log.Fatalf("relayd: failed to open pulse store: %v", err)
	}
	defer runs.Close()

	endpoints := registry.NewEndpointRegistry(mailboxDir, mstore)
	subs := registry.NewSubscriptionRegistry(filepath.Join(cfg.DataDir, "subscriptions.json"))
	if n := subs.InertCount(); n > 0 {
		logger.Warn("relayd: %d restored subscription(s) have no handler until their owning component re-subscribes", n)
	}
	signals := signal.NewEmitter()

	acl, err := access.New(filepath.Join(cfg.DataDir, "access-rules.json"), logger)
	if err != nil {
		log.Fatalf("relayd: failed to open access control: %v", err)
	}
	defer acl.Close()

	rl, err := ratelimit.New(ratelimit.Config{
		Enabled:           cfg.RateLimit.Enabled,
		WindowSecs:        cfg.RateLimit.WindowSecs,
		MaxPerWindow:      cfg.RateLimit.MaxPerWindow,
		PerSenderOverride: cfg.RateLimit.PerSenderOverride,
	}, idx.CountSenderInWindow, 1024)
	if err != nil {
		log.Fatalf("relayd: failed to initialize rate limiter: %v", err)
	}

	circuit := breaker.New(breaker.Config{
		Enabled:          cfg.Breaker.Enabled,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		CooldownMs:       cfg.Breaker.CooldownMs,
		SuccessToClose:   cfg.Breaker.SuccessToClose,
	})

	gate := backpressure.New(backpressure.Config{
		Enabled:        true,
		MaxMailboxSize: cfg.Backpressure.MaxMailboxSize,
		PressureWarnAt: cfg.Backpressure.PressureWarningAt,
	}, idx.CountNewByEndpoint, logger)

	core := relay.New(relay.Deps{
		MaildirStore:  mstore,
		Index:         idx,
		TraceStore:    tstore,
		Endpoints:     endpoints,
		Subscriptions: subs,
		Signals:       signals,
		ACL:           acl,
		RateLimiter:   rl,
		Circuit:       circuit,
		Gate:          gate,
		Log:           logger,
	})
	defer core.Close()

	configuredBudget := envelope.DefaultBudget(&envelope.DefaultBudgetOverrides{
		MaxHops:             &cfg.Budget.MaxHops,
		TTL:                 ttlFromSeconds(cfg.Budget.TTLSeconds),
		CallBudgetRemaining: &cfg.Budget.CallBudgetRemaining,
	})

	// --- Receiver: bridges relay.agent.>/relay.system.pulse.> to the agent runtime ---
	runtime := agentruntime.NewFake() // TODO: swap for the real process-boundary client once its transport is chosen
	recv := receiver.New(receiver.Deps{Core: core, Runtime: runtime, Runs: runs, Traces: tstore, Log: logger})
	if err := recv.Start(); err != nil {
		log.Fatalf("relayd: failed to start receiver: %v", err)
	}
	defer recv.Stop()

	// --- Scheduler: Pulse cron dispatch ---
	sched := scheduler.New(scheduler.DefaultConfig(), runs, core, logger)
	scheduleDefs, err := config.LoadSchedules(filepath.Join(cfg.DataDir, "schedules.yaml"))
	if err != nil {
		logger.Warn("relayd: failed to load schedules.yaml: %v", err)
	}
	for _, def := range scheduleDefs {
		if err := runs.UpsertSchedule(scheduleDefFromConfig(def)); err != nil {
			logger.Warn("relayd: failed to upsert schedule %s: %v", def.ID, err)
		}
	}
	if err := sched.LoadSchedules(); err != nil {
		logger.Warn("relayd: failed to register cron entries: %v", err)
	}
	if err := sched.Start(); err != nil {
		log.Fatalf("relayd: failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	// --- Adapter hub: Telegram/webhook/websocket bridges ---
	status, err := adapterhub.OpenStatusStore(filepath.Join(cfg.DataDir, "adapter-status"))
	if err != nil {
		log.Fatalf("relayd: failed to open adapter status store: %v", err)
	}
	defer status.Close()

	publish := func(subject string, payload interface{}, from, replyTo string) (string, error) {
		budget := configuredBudget.Clone()
		budget.TTL = *ttlFromSeconds(cfg.Budget.TTLSeconds)
		result, err := core.Publish(subject, payload, relay.PublishOptions{From: from, ReplyTo: replyTo, Budget: &budget})
		return result.MessageID, err
	}

	hub, err := adapterhub.NewManager(filepath.Join(cfg.DataDir, "adapters.yaml"), publish, status, logger)
	if err != nil {
		log.Fatalf("relayd: failed to initialize adapter manager: %v", err)
	}
	hub.RegisterFactory("telegram", func(c adapterhub.Config) (adapterhub.Adapter, error) { return adapterhub.NewTelegramAdapter(c, logger) })
	hub.RegisterFactory("webhook", func(c adapterhub.Config) (adapterhub.Adapter, error) { return adapterhub.NewWebhookAdapter(c, logger) })
	hub.RegisterFactory("websocket", func(c adapterhub.Config) (adapterhub.Adapter, error) { return adapterhub.NewWebsocketAdapter(c, logger) })

	if err := hub.LoadConfigs(); err != nil {
		logger.Warn("relayd: failed to load adapters.yaml: %v", err)
	}
	if err := hub.Start(); err != nil {
		log.Fatalf("relayd: failed to start adapter hub: %v", err)
	}
	defer hub.Stop()

	// Deliver every adapter-prefixed publish to the matching adapter(s).
	unsubAdapters, err := core.Subscribe("relay.human.>", func(env *envelope.Envelope) error {
		hub.DeliverIfMatching(env.Subject, env)
		return nil
	})
	if err != nil {
		logger.Warn("relayd: failed to subscribe adapter hub to relay.human.>: %v", err)
	} else {
		defer unsubAdapters()
	}

	// --- Console HTTP surface ---
	consoleHandler := console.New(console.Config{
		Core:         core,
		Endpoints:    endpoints,
		RelayEnabled: cfg.RelayEnabled,
		Log:          logger,
	})

	router := chi.NewRouter()
	consoleHandler.Mount(router, "clientID")
	mountAdapterRoutes(router, hub)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("relayd: HTTP surface listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("relayd: HTTP server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("relayd: received signal %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("relayd: HTTP server shutdown: %v", err)
	}
	wg.Wait()
	logger.Info("relayd: stopped gracefully")
}

// ttlFromSeconds converts a relative TTL in seconds, as read from config,
// into the absolute epoch-ms deadline envelope.Budget stores.
func ttlFromSeconds(secs int) *int64 {
	deadline := time.Now().Add(time.Duration(secs) * time.Second).UnixMilli()
	return &deadline
}

func scheduleDefFromConfig(def config.ScheduleDef) pulse.Schedule {
	status := pulse.ScheduleActive
	if !def.Enabled {
		status = pulse.SchedulePaused
	}
	sched := pulse.Schedule{
		ID:             def.ID,
		Name:           def.Name,
		Prompt:         def.Prompt,
		Cron:           def.Cron,
		Timezone:       def.Timezone,
		Enabled:        def.Enabled,
		PermissionMode: def.PermissionMode,
		Status:         status,
	}
	if def.Cwd != "" {
		sched.Cwd.String, sched.Cwd.Valid = def.Cwd, true
	}
	if def.MaxRuntimeSec > 0 {
		sched.MaxRuntimeMs.Int64, sched.MaxRuntimeMs.Valid = int64(def.MaxRuntimeSec)*1000, true
	}
	return sched
}

// mountAdapterRoutes registers the inbound HTTP surface for webhook and
// websocket adapters. Adapters are hot-reloaded by id, so routes resolve
// the concrete adapter at request time rather than binding one route per
// adapter instance at startup.
func mountAdapterRoutes(r chi.Router, hub *adapterhub.Manager) {
	r.Post("/adapters/webhook/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		a, ok := hub.Adapter(id)
		if !ok {
			http.NotFound(w, req)
			return
		}
		wh, ok := a.(interface {
			InboundHandler() http.HandlerFunc
		})
		if !ok {
			http.Error(w, "adapter does not accept inbound webhook calls", http.StatusNotImplemented)
			return
		}
		wh.InboundHandler()(w, req)
	})

	r.Get("/adapters/websocket/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		a, ok := hub.Adapter(id)
		if !ok {
			http.NotFound(w, req)
			return
		}
		ws, ok := a.(interface {
			UpgradeHandler(func(*http.Request) string) http.HandlerFunc
		})
		if !ok {
			http.Error(w, "adapter does not accept websocket connections", http.StatusNotImplemented)
			return
		}
		ws.UpgradeHandler(func(r *http.Request) string { return r.URL.Query().Get("clientId") })(w, req)
	})
}
