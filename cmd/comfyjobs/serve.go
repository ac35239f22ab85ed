package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/richinsley/comfyjobs/client"
	"github.com/richinsley/comfyjobs/coordinator"
	"github.com/richinsley/comfyjobs/history"
	"github.com/richinsley/comfyjobs/server"
)

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control server for editor documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), a)
		},
	}
}

func runServe(ctx context.Context, a *app) error {
	cfg, log := a.cfg, a.log

	opts := cfg.CoordinatorOptions()
	if cfg.History.Path != "" {
		store, err := history.OpenSQLite(ctx, cfg.History.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		opts.Persister = store
		log.Info().Str("path", cfg.History.Path).Msg("persistent history enabled")
	}

	presets := cfg.PresetRegistry()
	registry := coordinator.NewRegistry(func(doc string) (coordinator.Backend, error) {
		return client.NewComfyClient(cfg.Backend, presets, log.With().Str("document", doc).Logger())
	}, opts, log)

	srv := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		Token:           cfg.Server.Token,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, registry, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		probeBackend(gctx, cfg.Backend, log)
		return nil
	})
	err := g.Wait()

	if cerr := registry.CloseAll(); cerr != nil {
		log.Warn().Err(cerr).Msg("closing documents")
	}
	return err
}

// probeBackend reports whether the backend answers at startup. Documents
// connect lazily, so an unreachable backend is not fatal here.
func probeBackend(ctx context.Context, cfg client.Config, log zerolog.Logger) {
	c, err := client.NewComfyClient(cfg, nil, log)
	if err != nil {
		log.Warn().Err(err).Msg("backend probe")
		return
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	stats, err := c.GetSystemStats(ctx)
	if err != nil {
		log.Warn().Err(err).Str("url", cfg.URL).Msg("backend not reachable yet")
		return
	}
	ev := log.Info().Str("url", cfg.URL).Str("os", stats.System.OS).Int("devices", len(stats.Devices))
	if stats.System.ComfyUIVersion != "" {
		ev = ev.Str("version", stats.System.ComfyUIVersion)
	}
	ev.Msg("backend reachable")
}
