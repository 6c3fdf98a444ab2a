package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"docbatch/api"
	"docbatch/config"
	"docbatch/services"
	"docbatch/worker"

	"github.com/redis/go-redis/v9"
)

func main() {
	log.Println("Starting document batch conversion service...")

	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Println("Connected to Redis successfully")

	// Initialize database service
	dbSvc, err := services.NewDatabaseService(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer dbSvc.Close()
	if err := dbSvc.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to prepare database schema: %v", err)
	}
	log.Println("Connected to database successfully")

	storage := services.NewStorage(cfg.StoragePath)
	if err := os.MkdirAll(storage.Root(), 0755); err != nil {
		log.Fatalf("Failed to create storage directory: %v", err)
	}

	queue := services.NewRedisQueue(redisClient, cfg.PendingQueue, cfg.ProcessingQueue, cfg.FailedQueue)
	logger := log.Default()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.RunWorkers {
		startWorkers(ctx, &wg, cfg, dbSvc, storage, queue, logger)
	}

	var server *http.Server
	if cfg.RunAPI {
		handler := api.NewHandler(dbSvc, queue, storage, cfg.MaxUploadBytes, logger)
		server = &http.Server{
			Addr:              ":" + cfg.HTTPPort,
			Handler:           api.NewRouter(handler, cfg.GinMode, cfg.CORSAllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("HTTP server listening on :%s", cfg.HTTPPort)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("HTTP server failed: %v", err)
			}
		}()
	}

	log.Println("Service is ready")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutdown signal received, stopping...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown: %v", err)
		}
	}
	cancel()

	// Wait for workers to finish with timeout
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("All workers stopped gracefully")
	case <-shutdownCtx.Done():
		log.Println("Shutdown timeout, forcing exit")
	}

	log.Println("Conversion service stopped")
}

func startWorkers(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config, dbSvc *services.DatabaseService, storage *services.Storage, queue *services.RedisQueue, logger *log.Logger) {
	var converter worker.Converter
	switch cfg.Converter {
	case config.ConverterGotenberg:
		converter = services.NewGotenbergService(cfg.GotenbergURL, cfg.GotenbergPDFA)
		log.Printf("Gotenberg URL: %s", cfg.GotenbergURL)
	default:
		converter = services.NewLibreOfficeService(cfg.LibreOfficePath)
		log.Printf("LibreOffice binary: %s", cfg.LibreOfficePath)
	}

	finalizer := worker.NewFinalizer(dbSvc, services.NewZipPackager(storage), storage, logger).
		WithStaleAfter(cfg.StaleAfter)
	if cfg.S3MirrorArchives {
		finalizer.WithMirror(services.NewS3Service(cfg))
		log.Printf("Mirroring archives to s3://%s", cfg.S3Bucket)
	}

	processor := worker.NewProcessor(dbSvc, converter, storage, finalizer, cfg.ConversionTimeoutDuration(), cfg.StaleAfter, logger)
	pool := worker.NewPool(queue, processor, cfg.StaleAfter, cfg.MaxDeliveries, logger).
		WithPackagingRecovery(finalizer)

	for i := 0; i < cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			pool.StartWorker(ctx, workerID)
		}(i)
	}

	// Start stale task recovery goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.RecoveryLoop(ctx)
	}()

	janitor := worker.NewJanitor(dbSvc, storage, cfg.JobRetention, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		janitor.Loop(ctx, time.Hour)
	}()

	log.Printf("Started %d conversion workers", cfg.WorkerCount)
	log.Printf("Listening on Redis queue: %s", cfg.PendingQueue)
}
