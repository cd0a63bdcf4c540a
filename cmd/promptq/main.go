package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"promptq/internal/bulk"
	"promptq/internal/config"
	"promptq/internal/generate"
	"promptq/internal/logging"
	"promptq/internal/queue"
	"promptq/internal/selection"
	"promptq/internal/server"
	"promptq/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.AppEnv)

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return err
		}
	}
	database, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	queries := store.NewQueries(database)
	tracker := selection.NewTracker()
	hub := server.NewHub()

	gen := generate.New(generate.Options{
		BaseURL:    cfg.BackendURL,
		APIKey:     cfg.BackendAPIKey,
		HTTPClient: &http.Client{Timeout: cfg.GenTimeout + 10*time.Second},
		Logger:     logger.With().Str("component", "generate").Logger(),
	})

	controller := queue.NewController(queue.Options{
		Queries:        queries,
		Tracker:        tracker,
		Generator:      gen,
		Logger:         logger.With().Str("component", "worker").Logger(),
		PollInterval:   cfg.PollInterval,
		GenTimeout:     cfg.GenTimeout,
		Concurrency:    cfg.Concurrency,
		CommandBacklog: cfg.CommandBacklog,
		Notify:         func() { hub.Broadcast(server.EventPrompts) },
	})

	srv := server.New(server.Options{
		Addr:       cfg.Addr,
		Queries:    queries,
		Controller: controller,
		Tracker:    tracker,
		Engine:     bulk.NewEngine(queries, logger.With().Str("component", "bulk").Logger()),
		Hub:        hub,
		Logger:     logger.With().Str("component", "server").Logger(),
	})
	if err := srv.Listen(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return controller.Run(ctx) })
	g.Go(func() error { return srv.Serve(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
