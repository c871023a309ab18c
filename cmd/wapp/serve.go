package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hakancinelii/whatistaspp/internal/ai"
	"github.com/hakancinelii/whatistaspp/internal/api"
	"github.com/hakancinelii/whatistaspp/internal/config"
	"github.com/hakancinelii/whatistaspp/internal/db"
	"github.com/hakancinelii/whatistaspp/internal/jobs"
	"github.com/hakancinelii/whatistaspp/internal/media"
	"github.com/hakancinelii/whatistaspp/internal/pipeline"
	"github.com/hakancinelii/whatistaspp/internal/scheduler"
	"github.com/hakancinelii/whatistaspp/internal/session"
	"github.com/hakancinelii/whatistaspp/internal/transport/wameow"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the automation service",
		Long:  "Starts the session manager, inbound pipeline, broadcast scheduler and JSON API, resuming previously linked accounts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "wapp.yaml", "path to config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "API port (overrides config)")
	return cmd
}

// runServe is the composition root: everything is wired here and nowhere
// else.
func runServe(cmd *cobra.Command, configPath string, port int) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		cfg.API.Port = port
	}

	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return err
	}
	if err := db.Migrate(gormDB); err != nil {
		return err
	}

	registry := session.NewRegistry(cfg.Paths.Sessions)
	manager := session.NewManager(gormDB, registry, &wameow.Dialer{}, &media.FFmpegTranscoder{})

	gemini := ai.New(cfg.AI)
	parser := jobs.NewParser(gemini, cfg.Dispatch.HighRewardMinPrice)
	claimer := jobs.NewClaimer(gormDB, manager, cfg.Dispatch)
	matcher := jobs.NewMatcher(gormDB, claimer)

	store := media.NewStore(cfg.Paths.Uploads)
	manager.SetHandler(pipeline.New(gormDB, manager, store, parser, matcher))

	worker := scheduler.NewWorker(gormDB, manager, cfg.Scheduler)
	if err := worker.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer worker.Stop()

	// Resume sessions for every account with stored credentials.
	registry.ResumeAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	fmt.Fprintf(out, "API listening on :%d\n", cfg.API.Port)
	return api.Start(ctx, api.StartOpts{
		DB:      gormDB,
		Manager: manager,
		Claimer: claimer,
		Matcher: matcher,
		Worker:  worker,
		Port:    cfg.API.Port,
	})
}
