package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/letuhao/media-management-sub010/internal/broker"
	"github.com/letuhao/media-management-sub010/internal/config"
	"github.com/letuhao/media-management-sub010/internal/datastore"
	"github.com/letuhao/media-management-sub010/internal/domain/collection"
	"github.com/letuhao/media-management-sub010/internal/jobs/cache"
	"github.com/letuhao/media-management-sub010/internal/jobs/dlqrecovery"
	"github.com/letuhao/media-management-sub010/internal/jobs/image"
	"github.com/letuhao/media-management-sub010/internal/jobs/jobstate"
	"github.com/letuhao/media-management-sub010/internal/jobs/reconciler"
	"github.com/letuhao/media-management-sub010/internal/jobs/scan"
	"github.com/letuhao/media-management-sub010/internal/jobs/thumbnail"
	"github.com/letuhao/media-management-sub010/internal/mediadecoder"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer dbPool.Close()
	if err := dbPool.Ping(ctx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	log.Println("Connected to database and Redis successfully")

	decoderCfg, err := mediadecoder.LoadConfigFromEnv(os.Getenv)
	if err != nil {
		log.Fatalf("Invalid media decoder configuration: %v", err)
	}
	if err := decoderCfg.Validate(); err != nil {
		log.Fatalf("Invalid media decoder configuration: %v", err)
	}

	store := datastore.NewPostgresStore(dbPool)
	decoder := mediadecoder.New(decoderCfg)
	jobs := jobstate.New(store)

	brokerClient := broker.NewClient(redisOpt)
	defer brokerClient.Close()

	publishOpts := broker.PublishOptions{
		Queue:    broker.QueueImage,
		MaxRetry: 25,
		Timeout:  time.Duration(cfg.DlqTTLSeconds) * time.Second,
	}

	folders := make([]collection.Folder, 0, len(cfg.CacheFolders))
	for _, f := range cfg.CacheFolders {
		folder := collection.Folder{ID: f.ID, Name: f.Name, Path: f.Path, Active: f.Active}
		if err := store.RegisterCacheFolder(ctx, folder); err != nil {
			log.Fatalf("Failed to register cache folder %s: %v", f.ID, err)
		}
		folders = append(folders, folder)
	}

	thumbProcessor := thumbnail.NewProcessor(store, decoder, thumbnail.Config{
		MaxBatchSize: cfg.MaxBatchSize,
		OutputDir:    "/data/thumbnails",
		Width:        cfg.ThumbnailSize, Height: cfg.ThumbnailSize,
		Format: mediadecoder.Format(cfg.ThumbnailFormat), Quality: cfg.ThumbnailQuality,
		MaxEntrySize: cfg.MaxZipEntrySizeBytes,
	}, jobs)

	cacheProcessor := cache.NewProcessor(store, decoder, cache.Config{
		MaxBatchSize: cfg.MaxBatchSize,
		Width:        cfg.CacheWidth, Height: cfg.CacheHeight,
		Format: mediadecoder.Format(cfg.CacheFormat), RequestedQuality: cfg.CacheQuality,
		PreserveOriginal: cfg.CachePreserveOriginal, MaxEntrySize: cfg.MaxZipEntrySizeBytes,
	}, folders, jobs)

	imageProcessor := image.NewProcessor(store, decoder, thumbProcessor, cacheProcessor, brokerClient, publishOpts, jobs, cfg.MaxZipEntrySizeBytes, cfg.MaxImageSizeBytes)
	scanProcessor := scan.NewProcessor(store, imageProcessor, decoder, jobs, cfg.MaxZipEntrySizeBytes)

	inspector := broker.NewInspector(redisOpt)
	recoverer := dlqrecovery.New(inspector, brokerClient, broker.QueueScan, broker.QueueImage, broker.QueueThumbnail, broker.QueueCache)
	recon := reconciler.New(store, jobs)

	batchInterval := time.Duration(cfg.BatchTimeoutSeconds) * time.Second
	go thumbProcessor.Run(ctx, batchInterval)
	go cacheProcessor.Run(ctx, batchInterval)
	go recoverer.Run(ctx, 30*time.Second)
	go recon.Run(ctx, 5*time.Second)

	mux := asynq.NewServeMux()
	mux.HandleFunc(broker.TypeScan, scanProcessor.ProcessTask)
	mux.HandleFunc(broker.TypeImage, imageProcessor.ProcessTask)

	server := broker.NewServer(redisOpt, cfg.PrefetchCount)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","worker":"running","reconciled":%d,"stuckSkipped":%d}`,
			recon.Reconciled(), recon.StuckSkipped())
	})
	healthServer := &http.Server{Addr: ":8081", Handler: healthMux}

	go func() {
		log.Println("Health check server starting on :8081")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Health check server error: %v", err)
		}
	}()

	log.Println("Worker started, waiting for jobs...")
	if err := server.Start(mux); err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}

	<-sigChan
	log.Println("Shutdown signal received, stopping worker...")

	cancel()
	server.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Health server shutdown error: %v", err)
	}

	// Give the batch workers' final drain (triggered by ctx cancellation)
	// time to flush before the process exits.
	time.Sleep(5 * time.Second)

	log.Println("Worker stopped")
}
