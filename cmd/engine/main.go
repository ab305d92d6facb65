package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spinleaf/scenario-engine/internal/api"
	"github.com/spinleaf/scenario-engine/internal/config"
	"github.com/spinleaf/scenario-engine/internal/dedup"
	"github.com/spinleaf/scenario-engine/internal/dispatch"
	"github.com/spinleaf/scenario-engine/internal/engine"
	"github.com/spinleaf/scenario-engine/internal/events"
	"github.com/spinleaf/scenario-engine/internal/ingest"
	"github.com/spinleaf/scenario-engine/internal/players"
	"github.com/spinleaf/scenario-engine/internal/predict"
	"github.com/spinleaf/scenario-engine/internal/scenario"
	"github.com/spinleaf/scenario-engine/internal/store"
	"github.com/spinleaf/scenario-engine/internal/store/postgres"
	"github.com/spinleaf/scenario-engine/internal/store/sqlite"
	"github.com/spinleaf/scenario-engine/internal/version"
)

func openStore(cfg *config.EngineConfig) (store.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return store.NewMemory(), nil
	case "postgres":
		client, err := postgres.New(cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		// Postgres also archives the engine event stream.
		events.SetSink(client)
		return client, nil
	case "sqlite":
		return sqlite.New(cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Store.Driver)
	}
}

func openDeduper(cfg *config.EngineConfig) (dedup.Deduper, error) {
	switch cfg.Dedup.Driver {
	case "", "memory":
		return dedup.NewMemory(cfg.DedupTTL()), nil
	case "redis":
		return dedup.NewRedis(cfg.Dedup.Addr, cfg.DedupTTL())
	default:
		return nil, fmt.Errorf("unknown dedup driver: %s", cfg.Dedup.Driver)
	}
}

func buildDispatcher(cfg *config.EngineConfig, st store.Store, segments *players.SegmentStore) *dispatch.Dispatcher {
	d := dispatch.NewDispatcher(st, dispatch.Options{
		Retry: dispatch.RetryPolicy{
			MaxAttempts: cfg.Dispatch.MaxAttempts,
			BaseDelay:   cfg.Dispatch.BaseDelay,
			MaxDelay:    cfg.Dispatch.MaxDelay,
		},
		InflightPerChan: cfg.Dispatch.InflightPerProvider,
		RatePerChan:     cfg.Dispatch.RatePerProvider,
	})

	for channel, pc := range cfg.Dispatch.Providers {
		d.Register(channel, dispatch.NewHTTPProvider(pc.URL))
	}

	// Segment mutations are served in-process.
	d.Register(scenario.ActionSegmentAdd, dispatch.NewSegmentProvider(segments, false))
	d.Register(scenario.ActionSegmentRemove, dispatch.NewSegmentProvider(segments, true))

	return d
}

func main() {
	configPath := flag.String("config", "engine.yaml", "path to engine.yaml")
	flag.Parse()

	cfg, err := config.LoadEngineConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load %s: %v", *configPath, err)
	}

	hostname, _ := os.Hostname()
	events.Emit("info", "system.startup", "scenario engine starting", map[string]interface{}{
		"engine_id": cfg.Engine.ID,
		"version":   version.Version,
		"hostname":  hostname,
		"pid":       os.Getpid(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	registry := scenario.NewRegistry(st)
	if err := registry.Load(ctx); err != nil {
		log.Fatalf("failed to load scenarios: %v", err)
	}

	deduper, err := openDeduper(cfg)
	if err != nil {
		log.Fatalf("failed to open deduper: %v", err)
	}
	defer deduper.Close()

	var attributes players.AttributeSource
	if cfg.Players.AttributeURL != "" {
		attributes = players.NewHTTPSource(cfg.Players.AttributeURL)
	} else {
		attributes = players.NewStatic()
	}
	segments := players.NewSegmentStore()

	dispatcher := buildDispatcher(cfg, st, segments)

	exec := engine.NewExecutor(engine.ExecutorConfig{
		Store:             st,
		Registry:          registry,
		Attributes:        attributes,
		Segments:          segments,
		Dispatcher:        dispatcher,
		FailOnMissingData: cfg.FailOnMissingData(),
		DeferRetry:        cfg.Dispatch.DeferRetry,
	})

	pool := engine.NewPool(exec, cfg.QueueSize())
	pool.Start(ctx, cfg.WorkerCount())

	router := engine.NewRouter(engine.RouterConfig{
		Store:      st,
		Registry:   registry,
		Deduper:    deduper,
		Attributes: attributes,
		Segments:   segments,
		Submit:     pool.Submit,
	})

	sched := engine.NewScheduler(engine.SchedulerConfig{
		Store:      st,
		Registry:   registry,
		Submit:     pool.Submit,
		Tick:       cfg.Tick(),
		SweepLimit: cfg.SweepLimit(),
	})
	go sched.Run(ctx)

	restored, err := engine.Restore(ctx, st, pool.Submit, cfg.SweepLimit())
	if err != nil {
		log.Fatalf("startup recovery failed: %v", err)
	}
	if restored > 0 {
		api.SendAlert(api.AlertEngineRestart, api.SeverityInfo, "instances resubmitted after restart", map[string]interface{}{
			"count": restored,
		})
	}

	watchdog := ingest.NewWatchdog(0)
	subscriber := ingest.NewSubscriber(router, watchdog)

	broker := ingest.ResolveBroker(cfg.Network.MQTTURL)
	clientID := cfg.Engine.ID
	if clientID == "" {
		clientID = "scenario-engine"
	}

	var client *ingest.Client
	client = ingest.NewClient(broker, clientID, func() {
		if err := client.Subscribe(cfg.EventTopic(), subscriber.Handler()); err != nil {
			events.Emit("error", "system.error", "event subscription failed", map[string]interface{}{
				"topic": cfg.EventTopic(),
				"error": err.Error(),
			})
		}
	})
	if err := client.Connect(); err != nil {
		// The paho session keeps retrying in the background; the engine
		// still serves API traffic while the broker is down.
		events.Emit("warning", "system.error", "broker unreachable at startup", map[string]interface{}{
			"broker": broker,
			"error":  err.Error(),
		})
	}
	watchdog.Start(time.Minute)

	api.InitAuth()
	api.InitTLS()
	api.InitMetrics()
	api.InitAlerts()
	// Provider circuit transitions surface as ops alerts.
	alertSub := events.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				events.Unsubscribe(alertSub)
				return
			case e := <-alertSub:
				if e.Name == "provider.circuit_open" {
					api.SendAlert(api.AlertCircuitOpen, api.SeverityWarning, e.Message, e.Fields)
				}
			}
		}
	}()

	api.StartAlertMonitor(10*time.Second, client.IsConnected, func() bool {
		probeCtx, probeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer probeCancel()
		_, err := st.Delivered(probeCtx, "healthcheck")
		return err == nil
	})

	server := api.New(api.Deps{
		Registry:  registry,
		Store:     st,
		Router:    router,
		Canceller: sched,
		Predictor: predict.NewHeuristic(),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe(cfg.APIPort())
	}()

	api.SetEngineReady(true)
	events.Emit("info", "system.startup", "scenario engine ready", map[string]interface{}{
		"api_port":  cfg.APIPort(),
		"broker":    broker,
		"scenarios": len(registry.Active()),
		"restored":  restored,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		events.Emit("info", "system.shutdown", "signal received", map[string]interface{}{
			"signal": sig.String(),
		})
	case err := <-errCh:
		log.Fatalf("api server failed: %v", err)
	}

	api.SetEngineReady(false)
	cancel()
	watchdog.Stop()
	api.StopAlertMonitor()
	client.Disconnect()
	pool.Stop()

	events.Emit("info", "system.shutdown", "scenario engine stopped", nil)
}
