package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itskum47/fleetconsole/console/batch"
	"github.com/itskum47/fleetconsole/console/cache"
	"github.com/itskum47/fleetconsole/console/client"
	"github.com/itskum47/fleetconsole/console/config"
	"github.com/itskum47/fleetconsole/console/engine"
	"github.com/itskum47/fleetconsole/console/journal"
	"github.com/itskum47/fleetconsole/console/push"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatalf("[CONFIG] %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := push.NewBus()
	token := func() string { return cfg.Token }

	rest := client.New(cfg.ServerURL, token,
		client.WithTimeout(cfg.RequestTimeout),
		client.WithRetries(cfg.Retries, 250*time.Millisecond),
		client.WithBreaker(client.NewBreaker(5, 15*time.Second)),
		client.WithSessionExpiredHook(func() {
			bus.Signal(push.Signal{Kind: push.SessionExpired, Err: errors.New("REST request answered 401")})
		}),
	)

	snapshots := openCache(cfg)
	if snapshots != nil {
		defer snapshots.Close()
	}
	recorder := openJournal(ctx, cfg)
	defer recorder.Close()

	opts := []engine.Option{
		engine.WithIntervals(cfg.TickInterval, cfg.RefreshInterval),
		engine.WithBatchExecutor(batch.NewExecutor(batch.NewTokenBucketPacer(cfg.BatchRate, cfg.BatchBurst))),
		engine.WithJournal(recorder),
	}
	if snapshots != nil {
		opts = append(opts, engine.WithCache(snapshots))
	}
	eng := engine.New(rest, opts...)
	eng.Attach(bus)

	// Cached snapshots give the view data before the server answers.
	if err := eng.Warm(ctx); err != nil {
		log.Printf("⚠️ Warm start failed: %v", err)
	}

	hub := NewChangeHub(cfg.MaxStreamConns)
	go hub.Run(ctx)
	unsubscribe := eng.Subscribe(hub.Publish)
	defer unsubscribe()

	supervisor := push.NewSupervisor(push.NewWSDialer(cfg.PushURL, token), bus,
		push.WithBackoff(cfg.ReconnectMin, cfg.ReconnectMax))
	go func() {
		if err := supervisor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[SUPERVISOR] Stopped: %v", err)
		}
	}()
	go eng.Run(ctx)
	go func() {
		if err := eng.Resync(ctx, "startup"); err != nil {
			log.Printf("⚠️ Initial resync incomplete: %v", err)
		}
	}()

	api := NewAPI(eng, hub, cfg.ViewToken, cfg.AllowedOrigins)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	fmt.Println("==================================================")
	fmt.Println("FLEET CONSOLE")
	fmt.Println("==================================================")
	fmt.Printf("Server:        %s\n", cfg.ServerURL)
	fmt.Printf("Push channel:  %s\n", cfg.PushURL)
	fmt.Printf("Tick/Refresh:  %v / %v\n", cfg.TickInterval, cfg.RefreshInterval)
	fmt.Printf("Batch pacing:  %.1f/s (burst %d)\n", cfg.BatchRate, cfg.BatchBurst)
	fmt.Printf("View token:    %v\n", cfg.ViewToken != "")
	fmt.Println("==================================================")

	log.Printf("Fleet console listening on %s", cfg.ListenAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

// openCache prefers Redis, then a local SQLite file. Both are optional.
func openCache(cfg *config.Config) cache.SnapshotCache {
	if cfg.Redis.Addr != "" {
		c, err := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
		if err == nil {
			log.Printf("✅ Connected to Redis at %s for snapshots", cfg.Redis.Addr)
			return c
		}
		log.Printf("⚠️ Redis snapshot cache unavailable: %v", err)
	}
	if cfg.SQLitePath != "" {
		c, err := cache.NewSQLiteCache(cfg.SQLitePath)
		if err == nil {
			return c
		}
		log.Printf("⚠️ SQLite snapshot cache unavailable: %v", err)
	}
	log.Println("Snapshot cache disabled")
	return nil
}

// openJournal uses Postgres when configured and falls back to memory.
func openJournal(ctx context.Context, cfg *config.Config) *journal.Recorder {
	if cfg.DatabaseURL != "" {
		j, err := journal.NewPostgresJournal(ctx, cfg.DatabaseURL)
		if err == nil {
			log.Println("✅ Using Postgres for the transition journal")
			return journal.NewRecorder(j, "postgres", 0)
		}
		log.Printf("⚠️ Postgres journal unavailable, using memory: %v", err)
	}
	return journal.NewRecorder(journal.NewMemoryJournal(0), "memory", 0)
}
