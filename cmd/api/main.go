package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"job-engine/internal/api"
	"job-engine/internal/config"
	"job-engine/internal/idempotency"
	"job-engine/internal/monitor"
	"job-engine/internal/notify"
	"job-engine/internal/queue"
	"job-engine/internal/ratelimit"
	"job-engine/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	q := queue.New(rdb, cfg.QueueName)
	guard := idempotency.New(rdb, cfg.IdempotencyTTL)
	limiter := ratelimit.New(rdb, cfg.RateLimit, cfg.RateLimitWindow)

	if n, err := monitor.Recover(ctx, st, q, cfg.StaleThreshold); err != nil {
		log.Printf("[api] stale recovery: %v", err)
	} else if n > 0 {
		log.Printf("[api] re-queued %d stale jobs at startup", n)
	}

	registry := notify.NewRegistry()
	listener := notify.NewListener(rdb, cfg.UpdatesChannel, registry)
	go func() {
		if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[api] update listener stopped: %v", err)
		}
	}()

	server := api.New(cfg, st, q, guard, limiter, registry)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
