package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dwellfi/provision-brain/internal/brain"
	"github.com/dwellfi/provision-brain/internal/controller"
	"github.com/dwellfi/provision-brain/internal/controller/rest"
	"github.com/dwellfi/provision-brain/internal/events"
	"github.com/dwellfi/provision-brain/internal/http/handlers"
	"github.com/dwellfi/provision-brain/internal/metadata"
	"github.com/dwellfi/provision-brain/internal/phase"
	"github.com/dwellfi/provision-brain/internal/platform/envutil"
	"github.com/dwellfi/provision-brain/internal/platform/logger"
	"github.com/dwellfi/provision-brain/internal/platform/postgres"
	"github.com/dwellfi/provision-brain/internal/platform/redisx"
	"github.com/dwellfi/provision-brain/internal/provision"
	"github.com/dwellfi/provision-brain/internal/server"
	"github.com/dwellfi/provision-brain/internal/sse"
	"github.com/dwellfi/provision-brain/internal/store"
	"github.com/dwellfi/provision-brain/internal/tracker"
	"github.com/dwellfi/provision-brain/internal/worker"
	"github.com/dwellfi/provision-brain/internal/workflow"
)

func main() {
	log, err := logger.New(envutil.String("LOG_MODE", "development"))
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	ctx := context.Background()

	// State store
	log.Info("Connecting to Redis...")
	rdb, err := redisx.NewClient()
	if err != nil {
		log.Fatal("Redis init failed", "error", err)
	}
	st := store.New(rdb, log)
	pub := events.NewPublisher(st, log)

	// Controller metadata
	log.Info("Connecting to Postgres...")
	db, err := postgres.Open()
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err := metadata.Migrate(db); err != nil {
		log.Fatal("Metadata migration failed", "error", err)
	}
	repo := metadata.NewRepo(db)

	// Controller adapters
	log.Info("Building controller adapters...")
	resolver := controller.NewMapResolver()
	controllers, err := repo.ListControllers(ctx, "")
	if err != nil {
		log.Fatal("Cannot list controllers", "error", err)
	}
	for _, c := range controllers {
		resolver.Add(rest.New(rest.Config{
			ControllerID: c.ID,
			Family:       controller.Family(c.Family),
			BaseURL:      c.BaseURL,
			Token:        os.Getenv(c.TokenRef),
		}))
		log.Info("Controller adapter ready", "controller_id", c.ID, "family", c.Family)
	}

	// Registries
	log.Info("Registering workflows...")
	phases := phase.NewRegistry()
	workflows := workflow.NewRegistry(phases)
	if err := provision.Register(phases, workflows); err != nil {
		log.Fatal("Workflow registration failed", "error", err)
	}
	workflows.Seal()

	// Activity tracker
	tr := tracker.New(st, resolver, log,
		tracker.WithPollInterval(envutil.Duration("TRACKER_POLL_INTERVAL", tracker.DefaultPollInterval)),
		tracker.WithActivityDeadline(envutil.Duration("TRACKER_ACTIVITY_DEADLINE", tracker.DefaultActivityDeadline)),
	)
	if err := tr.Recover(ctx); err != nil {
		log.Fatal("Activity recovery failed", "error", err)
	}
	tr.Start(ctx)

	// Brain + resume worker
	b := brain.New(st, tr, pub, workflows, phases, resolver, log, brain.Config{
		MaxPhaseConcurrency: envutil.Int("BRAIN_PHASE_CONCURRENCY", brain.DefaultMaxPhaseConcurrency),
		JobDeadline:         envutil.Duration("BRAIN_JOB_DEADLINE", brain.DefaultJobDeadline),
		OwnerTTL:            envutil.Duration("BRAIN_OWNER_TTL", brain.DefaultOwnerTTL),
	})
	worker.New(b, log, envutil.Duration("WORKER_RESUME_INTERVAL", worker.DefaultResumeInterval)).Start(ctx)

	// HTTP
	log.Info("Setting up router...")
	router := server.NewRouter(server.RouterConfig{
		JobHandler:      handlers.NewJobHandler(b, st, sse.NewStreamer(log), log),
		WorkflowHandler: handlers.NewWorkflowHandler(workflows, phases),
		HealthHandler:   handlers.NewHealthHandler(tr),
	})

	addr := envutil.String("HTTP_ADDR", ":8080")
	log.Info("Brain listening", "addr", addr, "worker_id", b.WorkerID())
	if err := router.Run(addr); err != nil {
		log.Fatal("Server failed", "error", err)
	}
}
