package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"job-engine/internal/config"
	"job-engine/internal/monitor"
	"job-engine/internal/notify"
	"job-engine/internal/queue"
	"job-engine/internal/store"
	"job-engine/internal/telemetry"
	workerproc "job-engine/internal/worker"
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
	publisher := notify.NewPublisher(rdb, cfg.UpdatesChannel)

	if n, err := monitor.Recover(ctx, st, q, cfg.StaleThreshold); err != nil {
		log.Printf("[worker] stale recovery: %v", err)
	} else if n > 0 {
		log.Printf("[worker] re-queued %d stale jobs at startup", n)
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	execs := workerproc.NewExecutors()
	execs.Register("echo", workerproc.EchoHandler)
	imageHandler, err := workerproc.NewImageHandler(ctx, cfg)
	if err != nil {
		log.Fatalf("init image handler: %v", err)
	}
	execs.Register("resize_image", imageHandler.Handle)

	mon := monitor.New(st, q, publisher, cfg.MonitorInterval)
	go func() {
		if err := mon.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[worker] monitor stopped: %v", err)
		}
	}()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	pool := workerproc.NewPool(cfg, st, q, publisher, execs, workerID)
	log.Printf("worker %s started with loops=%d concurrency=%d", workerID, cfg.WorkerLoops, cfg.Concurrency)
	if err := pool.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
