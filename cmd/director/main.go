// Command director is the orchestration service's entrypoint: it wires the
// Blackboard, IntentClassifier, department handlers, Director, persistence,
// RequestQueue, SystemResourceMonitor, and ThrottlingController into a
// running API server.
//
// Grounded on the teacher's cmd/ollama-distributed and
// ollama-distributed/cmd/node CLI entrypoints: a cobra root command with a
// "start" subcommand that loads config, constructs every subsystem, starts
// background loops, serves HTTP, and drains on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/khryptorgraphics/ollamamax/internal/config"
	"github.com/khryptorgraphics/ollamamax/pkg/api"
	"github.com/khryptorgraphics/ollamamax/pkg/auth"
	"github.com/khryptorgraphics/ollamamax/pkg/blackboard"
	"github.com/khryptorgraphics/ollamamax/pkg/classifier"
	"github.com/khryptorgraphics/ollamamax/pkg/department"
	"github.com/khryptorgraphics/ollamamax/pkg/director"
	"github.com/khryptorgraphics/ollamamax/pkg/monitor"
	"github.com/khryptorgraphics/ollamamax/pkg/queue"
	"github.com/khryptorgraphics/ollamamax/pkg/repository"
	"github.com/khryptorgraphics/ollamamax/pkg/taskengine"
	"github.com/khryptorgraphics/ollamamax/pkg/throttling"
	"github.com/khryptorgraphics/ollamamax/pkg/types"
)

var version = "1.0.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "director",
		Short:   "Hierarchical task orchestration service",
		Long:    "director classifies incoming tasks by intent, routes them to department handlers under one of four strategies, and persists the result.",
		Version: version,
	}

	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the orchestration service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart()
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print effective configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			fmt.Printf("listen:        %s\n", cfg.API.Listen)
			fmt.Printf("database:      %s\n", cfg.Database.DSN)
			fmt.Printf("max tasks:     %d\n", cfg.Engine.MaxConcurrentTasks)
			fmt.Printf("max queue:     %d\n", cfg.Queue.MaxQueueSize)
			fmt.Printf("workers:       %d\n", cfg.Engine.WorkerThreadCount)
			return nil
		},
	}
}

func runStart() error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := config.LoadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, err := repository.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to repository: %w", err)
	}
	defer repo.Close()

	bb := blackboard.New(logger)
	classify := classifier.New(cfg.Classifier, logger)

	dir := director.New(cfg.Director, classify, logger)
	dir.RegisterHandler(types.IntentCommunications, department.NewCommunications(repo))
	dir.RegisterHandler(types.IntentAnalysis, department.NewAnalysis())
	dir.RegisterHandler(types.IntentAutomation, department.NewAutomation())
	dir.RegisterHandler(types.IntentCoordination, department.NewCoordination())
	dir.Activate()

	rq := queue.New(cfg.Queue, bb, logger)
	rq.Start(ctx)
	defer rq.Stop()

	engine := taskengine.New(cfg.Engine, logger)
	engine.Start(ctx)
	defer engine.Stop()

	mon := monitor.New(cfg.Monitor, logger)
	mon.Start(ctx)
	defer mon.Stop()

	thr := throttling.New(cfg.Throttling, mon, logger, rq, engine)
	thr.Start(ctx)
	defer thr.Stop()

	rbac := auth.NewRBAC()

	server, err := api.NewServer(api.Deps{
		Config:     cfg,
		Repo:       repo,
		Director:   dir,
		Queue:      rq,
		Classifier: classify,
		Monitor:    mon,
		Throttling: thr,
		Blackboard: bb,
		RBAC:       rbac,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create API server: %w", err)
	}

	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Error("API server exited", "error", err)
		}
	}()
	logger.Info("orchestration service started", "listen", cfg.API.Listen)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", "error", err)
	}
	return nil
}
