package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"estatefeed/server/config"
	"estatefeed/server/internal/api"
	"estatefeed/server/internal/queue"
	"estatefeed/server/internal/scheduler"
)

func main() {
	runJob := flag.String("run", "", "run a single job and exit (ingest-sale, ingest-lease, geocode, amenities, proximity, regions)")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize")
	}
	defer a.Close()

	if *runJob != "" {
		job, err := scheduler.ParseJobType(*runJob)
		if err != nil {
			logger.WithError(err).Fatal("Invalid -run value")
		}
		if err := a.runner.Run(ctx, job); err != nil {
			a.Close()
			logger.WithError(err).Fatal("Job failed")
		}
		return
	}

	serve(ctx, cfg, a, logger)
}

// serve runs the operations API and the scheduler until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, a *app, logger *logrus.Logger) {
	jobs := queue.NewJobQueue(cfg.Schedule.QueueSize, logger)
	jobs.Subscribe(a.runner.Handle)
	jobs.Start()

	sched := scheduler.NewScheduler(jobs, scheduler.Config{
		IngestInterval:    cfg.Schedule.IngestInterval,
		ProximityInterval: cfg.Schedule.ProximityInterval,
		RunOnStartup:      cfg.Schedule.RunOnStartup,
	}, logger)
	sched.Start()

	if logger.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	api.SetupRoutes(router, api.NewHandler(a.db, a.checkpoints, jobs, logger), a.registry, cfg.Server.AllowedOrigins)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Infof("Starting server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	sched.Stop()
	a.cancelJobs()
	if err := jobs.Close(); err != nil {
		logger.WithError(err).Error("Failed to close job queue")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
	}
}
