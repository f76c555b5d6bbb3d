package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"idrelay/internal/events"
	"idrelay/internal/feed"
	"idrelay/internal/identity/service"
	"idrelay/internal/identity/store"
	"idrelay/internal/notify"
	"idrelay/internal/platform/config"
	"idrelay/internal/platform/httpserver"
	"idrelay/internal/platform/logger"
	"idrelay/internal/platform/metrics"
	"idrelay/internal/presence"
	"idrelay/internal/search"
	"idrelay/internal/stats"
	httptransport "idrelay/internal/transport/http"
)

// statsCollections maps feed collections to their counters. These are
// the independent point reads a full refresh races against its timeout.
var statsCollections = []stats.Collection{
	{Counter: "totalMessages", Path: "messages"},
	{Counter: "totalConversations", Path: "conversations"},
	{Counter: "totalRooms", Path: "rooms"},
	{Counter: "totalAlerts", Path: "alerts"},
	{Counter: "totalSubjects", Path: "identities"},
}

// main wires dependencies and keeps the lifecycle small. Business
// logic lives in the internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()
	m := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable mirror: Postgres when configured, otherwise in-memory so
	// local development works with no infrastructure.
	var mirror store.Mirror
	if cfg.PostgresURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			log.Error("connecting durable mirror failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		mirror = pg
	} else {
		log.Warn("no postgres URL configured, mirror is in-memory only")
		mirror = store.NewMirrorMemory()
	}

	// Source feed: Redis pub/sub + point reads, or an in-process feed
	// for development.
	var source feed.Source
	if cfg.Redis.URL != "" {
		rs, err := feed.NewRedis(cfg.Redis, log)
		if err != nil {
			log.Error("connecting source feed failed", "error", err)
			os.Exit(1)
		}
		defer rs.Close()
		source = rs
	} else {
		log.Warn("no redis URL configured, source feed is in-process only")
		source = feed.NewMemory()
	}

	fanout, err := events.New(cfg.Kafka, log)
	if err != nil {
		log.Error("connecting kafka fanout failed", "error", err)
		os.Exit(1)
	}
	defer fanout.Close()

	records := store.NewInMemory()
	writeBehind := store.NewWriteBehind(mirror, cfg.Relay.MirrorQueueSize, log, m)
	queues := notify.NewManager(cfg.Relay.QueueCap, m)
	tracker := presence.NewTracker(m)

	engine, err := service.New(records, writeBehind, mirror, source, queues,
		service.Config{
			LivenessWindow:   cfg.Relay.LivenessWindow,
			SyncCooldown:     cfg.Relay.SyncCooldown,
			PointReadTimeout: cfg.Relay.PointReadTimeout,
		},
		search.Options{
			SearchKeyWeight: cfg.Search.SearchKeyWeight,
			LabelWeight:     cfg.Search.LabelWeight,
			Threshold:       cfg.Search.Threshold,
			MinQueryLength:  cfg.Search.MinQueryLength,
		},
		log, m, service.WithFanout(fanout))
	if err != nil {
		log.Error("wiring reconciliation engine failed", "error", err)
		os.Exit(1)
	}
	if err := engine.Seed(ctx); err != nil {
		log.Error("seeding record store failed", "error", err)
		os.Exit(1)
	}

	aggregator := stats.New(source, mirror, statsCollections, engine.RecordCount,
		cfg.Relay.StatsTimeout, log, m)
	aggregator.SeedFromMirror(ctx)
	aggregator.OnUpdate(func(snap stats.Snapshot) {
		payload, err := json.Marshal(snap)
		if err != nil {
			return
		}
		queues.Broadcast(notify.KindStatsUpdated, payload)
	})

	var wg sync.WaitGroup
	runBackground := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				log.Error("background loop exited", "loop", name, "error", err)
			}
		}()
	}
	runBackground("mirror-write-behind", func(ctx context.Context) error {
		writeBehind.Run(ctx)
		return nil
	})
	runBackground("reconcile", engine.Run)
	runBackground("stats-activity", aggregator.RunActivity)
	runBackground("stats-refresh", func(ctx context.Context) error {
		aggregator.Run(ctx, cfg.Relay.StatsRefreshInterval)
		return nil
	})

	handler := httptransport.NewHandler(engine, queues, tracker, aggregator, log)
	router := httptransport.NewRouter(handler, cfg.Server.JWTSigningKey, log, m)
	srv := httpserver.New(cfg.Server.Addr, router)

	log.Info("starting idrelay", "addr", cfg.Server.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}

	// Stop background loops, then flush state to the mirror.
	cancel()
	wg.Wait()
	aggregator.FlushToMirror(shutdownCtx)
	for _, rec := range records.Snapshot() {
		if err := mirror.UpsertRecord(shutdownCtx, rec); err != nil {
			log.Warn("final mirror flush failed", "key", rec.Key, "error", err)
		}
	}
	log.Info("idrelay stopped")
}
