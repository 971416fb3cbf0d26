// JexAgent orchestrator server - multi-stage AI collaboration over three
// upstream model endpoints, with real-time progress streaming.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jexlab/jexagent/pkg/api"
	"github.com/jexlab/jexagent/pkg/cleanup"
	"github.com/jexlab/jexagent/pkg/config"
	"github.com/jexlab/jexagent/pkg/database"
	"github.com/jexlab/jexagent/pkg/llm"
	"github.com/jexlab/jexagent/pkg/locking"
	"github.com/jexlab/jexagent/pkg/progress"
	"github.com/jexlab/jexagent/pkg/quota"
	"github.com/jexlab/jexagent/pkg/runtime"
	"github.com/jexlab/jexagent/pkg/store"
)

func main() {
	envPath := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting JexAgent")
	log.Printf("HTTP Port: %s", cfg.HTTPPort)

	ctx := context.Background()

	pool, err := database.Connect(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()
	log.Println("Connected to PostgreSQL, schema up to date")

	taskStore := store.NewPostgresStore(pool)

	// Distributed deployments keep locks, counters and progress buffers in
	// Redis; a single node keeps everything in process.
	var rdb *redis.Client
	if cfg.UseRedisLock || cfg.UseRedisCache {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr()})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		log.Println("Connected to Redis")
	}

	var locker locking.TaskLocker = locking.NewMemoryLocker()
	if cfg.UseRedisLock {
		locker = locking.NewRedisLocker(rdb)
	}

	var broker progress.Broker = progress.NewMemoryBroker()
	if cfg.UseRedisCache {
		broker = progress.NewRedisBroker(rdb)
	}

	manager := llm.NewManager(
		llm.NewClient(cfg.Meta(), cfg.ClientVersion),
		llm.NewClient(cfg.A(), cfg.ClientVersion),
		llm.NewClient(cfg.B(), cfg.ClientVersion),
	)

	gate := quota.NewGate(taskStore, cfg.DisableQuotaCheck)
	tasks := runtime.NewService(taskStore, manager, broker, locker, gate, cfg)

	maintenance := cleanup.NewService(taskStore)
	maintenance.Start(ctx)
	defer maintenance.Stop()

	server := api.NewServer(cfg, tasks, broker, manager, func(ctx context.Context) error {
		return database.Health(ctx, pool)
	})

	go func() {
		log.Printf("HTTP server listening on :%s", cfg.HTTPPort)
		if err := server.Start(":" + cfg.HTTPPort); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Graceful shutdown: stop accepting requests, then let running
	// background tasks drain.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	tasks.Wait()
	log.Println("Shutdown complete")
}
