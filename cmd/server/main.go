package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"magnet-queue/internal/archive"
	"magnet-queue/internal/config"
	"magnet-queue/internal/domain"
	"magnet-queue/internal/engine"
	apphttp "magnet-queue/internal/http"
	"magnet-queue/internal/orchestrator"
	"magnet-queue/internal/repository/sqlite"
	"magnet-queue/internal/storage"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	jobRepo := sqlite.NewJobRepository(db)
	settingsRepo := sqlite.NewSettingsRepository(db)
	if err := jobRepo.Init(ctx); err != nil {
		logger.Fatalf("init job repository: %v", err)
	}
	if err := settingsRepo.Init(ctx); err != nil {
		logger.Fatalf("init settings repository: %v", err)
	}

	eng, err := engine.NewTorrentEngine(engine.TorrentConfig{
		DataDir: cfg.Download.DataDir,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatalf("start transfer engine: %v", err)
	}
	defer eng.Close()

	// bucket unset means local-only operation
	var storageSvc storage.Service
	if cfg.Storage.Bucket != "" {
		storageSvc, err = buildStorage(ctx, cfg, logger)
		if err != nil {
			logger.Fatalf("setup storage: %v", err)
		}
	}

	hub := apphttp.NewHub()
	defer hub.Close()

	archiver := archive.New(hub, storageSvc, cfg.Storage.Bucket, cfg.Storage.KeyPrefix, logger)

	orch := orchestrator.New(orchestrator.Config{
		DownloadRoot:      cfg.Download.DataDir,
		BroadcastInterval: cfg.Queue.BroadcastInterval,
		DefaultSettings: domain.Settings{
			MaxConcurrentDownloads: cfg.Queue.MaxConcurrent,
			SeedAfterDownload:      cfg.Queue.SeedAfterDownload,
			MaxDownloadSpeed:       cfg.Queue.MaxDownloadSpeed,
			MaxUploadSpeed:         cfg.Queue.MaxUploadSpeed,
		},
		Logger: logger,
	}, eng, jobRepo, settingsRepo, archiver)
	archiver.Bind(orch.SetArchiveLocation)

	if err := orch.Start(ctx); err != nil {
		logger.Fatalf("start orchestrator: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(orch, hub, storageSvc, cfg.Storage.Bucket)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	orch.Shutdown()
	archiver.Wait()

	logger.Info("bye")
}

func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Service(client), nil
}
