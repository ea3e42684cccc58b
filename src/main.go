// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/lib/pq"
	"github.com/robfig/cron/v3"
	openai "github.com/sashabaranov/go-openai"

	"github.com/docker/docker/client"

	"testpilotworker/src/artifacts"
	"testpilotworker/src/config"
	"testpilotworker/src/containerization"
	"testpilotworker/src/distributor"
	"testpilotworker/src/logging"
	"testpilotworker/src/processor"
	"testpilotworker/src/reportapi"
	"testpilotworker/src/reporttoken"
	"testpilotworker/src/sandbox"
	"testpilotworker/src/secrets"
	"testpilotworker/src/validation"
)

func main() {
	// Load environment variables from .env file when present
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	// Setup Graceful Shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Setup OpenTelemetry before any component constructs its logger
	otelShutdown, err := logging.SetupOTelSDK(ctx)
	if err != nil {
		panic(fmt.Sprintf("failed to setup OTel SDK: %v", err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
		}
	}()

	logger := logging.NewLogger("worker")

	db, err := sql.Open("postgres", cfg.ConnString())
	if err != nil {
		panic(err)
	}
	defer db.Close()

	// Generate Unique ID
	workerID := uuid.New().String()
	fmt.Printf("Starting worker with UUID: %s\n", workerID)

	// Initialize Docker Client
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		panic(fmt.Sprintf("failed to create docker client: %v", err))
	}
	defer cli.Close()

	// Create or get sandbox network for isolated container execution
	sandboxNetworkID, err := containerization.EnsureSandboxNetwork(ctx, cli, logging.NewLogger("network"))
	if err != nil {
		panic(fmt.Sprintf("failed to setup sandbox network: %v", err))
	}
	fmt.Printf("Sandbox network ready: %s\n", sandboxNetworkID[:12])

	vault, err := secrets.NewVault(cfg.VaultKeyHex)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize secret vault: %v", err))
	}
	if cfg.ReportTokenSecret == "" {
		panic("REPORT_TOKEN_SECRET must be set")
	}
	tokens := reporttoken.NewService(cfg.ReportTokenSecret, cfg.ReportTokenTTL)

	validator, err := validation.NewValidator()
	if err != nil {
		panic(fmt.Sprintf("failed to compile task schema: %v", err))
	}

	envSandbox := sandbox.NewEnvSandbox(cfg.Sandbox.ReservedPrefix, cfg.Sandbox.ForwardEnv, logging.NewLogger("sandbox"))

	runner := containerization.NewRunner(cli, sandboxNetworkID, cfg.ContainerMemoryMB,
		cfg.ContainerCPULimit, cfg.ArtifactPath, cfg.RunTimeout, logging.NewLogger("runner"))

	store := processor.NewPostgresStore(db)
	stats := logging.NewWorkerStats(workerID)

	// Artifact storage is optional; without a bucket the worker still runs
	// tasks but artifacts are discarded.
	var artifactStore *artifacts.Store
	if cfg.S3.Bucket != "" {
		artifactStore, err = artifacts.NewStore(ctx, cfg.S3)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize artifact store: %v", err))
		}
	} else {
		logger.Warn("no artifact bucket configured, artifacts will be discarded")
	}

	var completer distributor.ChatCompleter
	if cfg.OpenAIKey != "" {
		completer = openai.NewClient(cfg.OpenAIKey)
	}
	analyzer := distributor.NewAnalyzer(completer, cfg.OpenAIModel, cfg.AnalysisTimeout, logging.NewLogger("analyzer"))

	httpClient := &http.Client{Timeout: 15 * time.Second}
	notifier := distributor.NewChatNotifier(vault, store, cfg.Sandbox.DefaultEvents, httpClient, logging.NewLogger("chat"))
	commenter := distributor.NewCICommenter(vault, store, httpClient, logging.NewLogger("ci"))
	dist := distributor.NewDistributor(analyzer, store, notifier, commenter, logging.NewLogger("distributor"))

	consumerOpts := processor.ConsumerOptions{
		Store:         store,
		Validator:     validator,
		Env:           envSandbox,
		Runner:        runner,
		Distributor:   dist,
		Tokens:        tokens,
		ReportBaseURL: cfg.ReportBaseURL,
		WorkerID:      workerID,
		InContainer:   cfg.InContainer,
		Prefetch:      cfg.Prefetch,
		Stats:         stats,
		Logger:        logging.NewLogger("consumer"),
	}
	if artifactStore != nil {
		consumerOpts.Artifacts = artifactStore
	}
	consumer := processor.NewConsumer(consumerOpts)

	enqueuer := processor.NewEnqueuer(store, logging.NewLogger("enqueue"))

	// Setup PostgreSQL Listener
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Error("listener error", "error", err)
		}
	}
	listener := pq.NewListener(cfg.ConnString(), 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen("tasks_updated"); err != nil {
		panic(err)
	}
	defer listener.Close()

	// Setup Worker OpenTelemetry Metrics
	logging.NewFloatCounter("worker_tasks_total", "Total number of tasks processed by the worker", "Task")
	logging.NewFloatCounter("worker_tasks_failed", "Number of failed tasks on the worker", "Task")
	logging.NewFloatCounter("worker_tasks_passed", "Number of passed tasks on the worker", "Task")
	logging.NewFloatCounter("worker_tasks_dead_letter", "Number of dead-lettered tasks on the worker", "Task")
	logging.NewFloatCounter("worker_database_update_failures", "Number of database update failures on the worker", "Task")

	// Background maintenance: stale lock recovery and orphaned container
	// sweeps run on their own schedule, independent of the queue loop.
	maintenance := cron.New()
	maintenance.AddFunc("@every 1m", func() {
		processor.RecoverStale(ctx, store, cfg.LockTTL, stats, logging.NewLogger("recovery"))
	})
	maintenance.AddFunc("@every 5m", func() {
		containerization.SweepOrphans(ctx, cli, logging.NewLogger("reaper"))
	})
	maintenance.Start()
	defer maintenance.Stop()

	// Start API servers
	go func() {
		if err := StartAPIServer(ctx, cfg.APIPort, db, stats); err != nil {
			logger.Error("status API server failed", "error", err)
		}
	}()

	var artifactSource reportapi.ArtifactSource
	if artifactStore != nil {
		artifactSource = artifactStore
	}
	reportServer := reportapi.NewServer(tokens, store, artifactSource, enqueuer, logging.NewLogger("reportapi"))
	go func() {
		fmt.Printf("Report API starting on :%s\n", cfg.ReportPort)
		if err := reportServer.Start(ctx, ":"+cfg.ReportPort); err != nil {
			logger.Error("report API server failed", "error", err)
		}
	}()

	// Setup a Timer for checking the queue (Fall-back polling)
	ticker := time.NewTicker(cfg.PollingInterval)
	defer ticker.Stop()

	logger.Info("worker started, waiting for tasks (LISTEN/NOTIFY + fallback polling)")

	// Initial check
	processor.RecoverStale(ctx, store, cfg.LockTTL, stats, logging.NewLogger("recovery"))
	consumer.Drain(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down worker gracefully")
			consumer.Wait()
			return
		case <-ticker.C:
			// Periodic fallback check
			consumer.Drain(ctx)
		case <-listener.Notify:
			// Immediate trigger from Postgres
			consumer.Drain(ctx)
		}
	}
}
