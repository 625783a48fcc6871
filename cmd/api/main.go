// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adiadia/browsertest-runner/internal/blobstore"
	"github.com/adiadia/browsertest-runner/internal/broadcast"
	"github.com/adiadia/browsertest-runner/internal/config"
	"github.com/adiadia/browsertest-runner/internal/logging"
	"github.com/adiadia/browsertest-runner/internal/persistence/postgres"
	"github.com/adiadia/browsertest-runner/internal/pipeline"
	"github.com/adiadia/browsertest-runner/internal/repository"
	"github.com/adiadia/browsertest-runner/internal/scheduler"
	"github.com/adiadia/browsertest-runner/internal/screenshot"
	"github.com/adiadia/browsertest-runner/internal/supervisor"
	httptransport "github.com/adiadia/browsertest-runner/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, int32(cfg.DBMaxConns))
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
			log.Fatalf("schema bootstrap failed: %v", err)
		}
	}

	blobs, err := blobstore.NewOS(cfg.BlobDir, cfg.BlobPublicBaseURL)
	if err != nil {
		log.Fatalf("blob store init failed: %v", err)
	}
	if err := blobs.Check(ctx); err != nil {
		log.Fatalf("blob store not writable: %v", err)
	}

	command, args, err := cfg.RunnerCommandLine()
	if err != nil {
		log.Fatalf("invalid runner command: %v", err)
	}

	testCases := repository.NewTestCaseRepository(pool, logger)
	notifications := repository.NewNotificationRepository(pool, logger)
	hub := broadcast.NewHub(broadcast.DefaultBuffer)
	tracker := pipeline.NewTracker()

	sup, err := supervisor.New(supervisor.Deps{
		Store:             testCases,
		Notifier:          notifications,
		Archiver:          screenshot.NewArchiver(blobs, logger),
		Publisher:         hub,
		Tracker:           tracker,
		Webhook:           supervisor.NewWebhook(cfg.WebhookURL, cfg.WebhookSecret, cfg.WebhookTimeout, logger),
		Logger:            logger,
		ScriptsDir:        cfg.ScriptsDir,
		Command:           command,
		Args:              args,
		PersistTimeout:    cfg.PersistTimeout,
		LaunchLimitPerMin: cfg.LaunchLimitPerMin,
		StderrLimit:       cfg.StderrLimitBytes,
	})
	if err != nil {
		log.Fatalf("supervisor init failed: %v", err)
	}

	var sched *scheduler.Scheduler
	if cfg.SchedulerEnabled {
		sched = scheduler.New(testCases, sup, logger)
		if err := sched.Start(ctx, cfg.SchedulerRefresh); err != nil {
			log.Fatalf("scheduler start failed: %v", err)
		}
	}

	handler := httptransport.NewRouter(httptransport.Deps{
		TestCases:     testCases,
		Launcher:      sup,
		Runs:          tracker,
		Hub:           hub,
		Notifications: notifications,
		Blobs:         blobs.Handler(),
		Checks: map[string]httptransport.HealthChecker{
			"database": postgres.NewSchemaHealthChecker(pool),
			"blobs":    blobs,
		},
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
		Version:        Version,
		Commit:         Commit,
		BuildDate:      BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
			"scripts_dir", cfg.ScriptsDir,
			"scheduler", cfg.SchedulerEnabled,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		cfg.ShutdownTimeout,
	)
	defer cancel()

	if sched != nil {
		sched.Stop()
	}

	// Live streams end when the hub closes, so close it before waiting on
	// the server.
	hub.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Error("supervisor shutdown error", "error", err)
	}
}
