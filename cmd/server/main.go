package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"torrent-web/internal/config"
	"torrent-web/internal/engine"
	apphttp "torrent-web/internal/http"
	"torrent-web/internal/reconciler"
	"torrent-web/internal/repository/sqlite"
	"torrent-web/internal/service"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	if strings.TrimSpace(cfg.Engine.Secret) == "" {
		logger.Fatalf("engine rpc secret is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	taskRepo := sqlite.NewTaskRepository(db)
	fileRepo := sqlite.NewTaskFileRepository(db)

	if err := taskRepo.Init(ctx); err != nil {
		logger.Fatalf("init task repository: %v", err)
	}
	if err := fileRepo.Init(ctx); err != nil {
		logger.Fatalf("init file repository: %v", err)
	}

	engineClient := engine.NewAria2Client(cfg.Engine.URL, cfg.Engine.Secret, cfg.Engine.DownloadDir, cfg.Engine.Timeout)

	rec := reconciler.New(reconciler.Config{
		Interval: cfg.Reconcile.Interval,
		Logger:   logger,
	}, engineClient, taskRepo, fileRepo)

	taskService := service.NewTaskService(engineClient, taskRepo, fileRepo, rec, cfg.Engine.DownloadDir, logger)

	rec.Start(ctx)
	if err := taskService.ResubmitQueued(ctx); err != nil {
		logger.Warnf("resubmit queued tasks: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(taskService)
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
	rec.Shutdown()

	logger.Info("bye")
}
