package vllmmanager

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ddunford/vllmmanager/internal/apiserver"
	"github.com/ddunford/vllmmanager/internal/config"
	"github.com/ddunford/vllmmanager/internal/dockerutil"
	"github.com/ddunford/vllmmanager/internal/engine"
	"github.com/ddunford/vllmmanager/internal/gpu"
	"github.com/ddunford/vllmmanager/internal/instance"
	"github.com/ddunford/vllmmanager/internal/logging"
	"github.com/ddunford/vllmmanager/internal/portalloc"
	"github.com/ddunford/vllmmanager/internal/puller"
	"github.com/ddunford/vllmmanager/internal/reconciler"
	"github.com/ddunford/vllmmanager/internal/store"
	"github.com/ddunford/vllmmanager/internal/types"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the control plane HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// serve wires every component leaves-first: Store, Port Allocator, GPU
// Inventory, Docker client, Engine Drivers, Reconciler, Instance
// Manager, Model Puller, Control API, HTTP server.
func serve(ctx context.Context, cfg config.Config) error {
	logging.Setup(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	if cfg.Store.AutoMigrate {
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("failed to migrate store: %w", err)
		}
	}

	ports, err := portalloc.New(ctx, db, cfg.Ports.Min, cfg.Ports.Max)
	if err != nil {
		return fmt.Errorf("failed to load port allocator: %w", err)
	}

	gpus, err := gpu.New()
	if err != nil {
		return fmt.Errorf("failed to construct GPU inventory: %w", err)
	}

	docker, err := dockerutil.NewClient(cfg.Docker.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to construct docker client: %w", err)
	}

	drivers := map[types.Kind]engine.Driver{
		types.KindVLLM: engine.NewVLLMDriver(
			docker,
			cfg.VLLM.Image,
			cfg.VLLM.HuggingFaceToken,
			cfg.VLLM.DefaultGPUMemUtil,
			cfg.VLLM.DefaultMaxNumSeqs,
			cfg.VLLM.APIKeyPrefix,
			func(ctx context.Context) int {
				devices, err := gpus.Devices(ctx)
				if err != nil {
					return 0
				}
				return len(devices)
			},
		),
		types.KindOllama: engine.NewOllamaDriver(docker, cfg.Ollama.Image, cfg.Ollama.VolumeName),
	}

	recon := reconciler.New(db, drivers)
	mgr := instance.New(db, ports, gpus, drivers, recon, cfg.VLLM.APIKeyPrefix, cfg.Server.DefaultAPIKey)
	pull := puller.New(db)

	if cfg.Reconcile.AutoImportOnStart {
		report, err := recon.Run(ctx)
		if err != nil {
			log.Error().Err(err).Msg("startup reconciliation failed")
		} else {
			log.Info().
				Int("imported", len(report.Imported)).
				Int("stale_released", len(report.StaleReleased)).
				Msg("startup reconciliation complete")
		}
	}

	stopCron, err := startReconcileSchedule(ctx, cfg.Reconcile, recon)
	if err != nil {
		return fmt.Errorf("failed to start reconcile schedule: %w", err)
	}
	defer stopCron()

	apiSrv := apiserver.New(mgr, pull, gpus, recon, cfg.Server.FrontendURL,
		time.Duration(cfg.Reconcile.ReadPathTimeoutMS)*time.Millisecond)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.DefaultHostname, cfg.Server.Port),
		Handler: withAPIPrefix(apiSrv.Router()),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("vllmmanager listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
		return nil
	case err := <-serveErr:
		return err
	}
}

// withAPIPrefix mounts the router under /api per spec.md §6 ("All paths
// under /api").
func withAPIPrefix(h http.Handler) http.Handler {
	return http.StripPrefix("/api", h)
}

// startReconcileSchedule runs a periodic reconciliation sweep on
// cfg.Interval (a standard cron spec); an empty or "0" interval
// disables the schedule and relies on read-path reconciliation alone.
func startReconcileSchedule(ctx context.Context, cfg config.Reconcile, recon *reconciler.Reconciler) (func(), error) {
	if cfg.Interval == "" || cfg.Interval == "0" {
		return func() {}, nil
	}

	c := cron.New()
	_, err := c.AddFunc(cfg.Interval, func() {
		report, err := recon.Run(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("scheduled reconciliation failed")
			return
		}
		log.Debug().
			Int("imported", len(report.Imported)).
			Int("stale_released", len(report.StaleReleased)).
			Msg("scheduled reconciliation complete")
	})
	if err != nil {
		return nil, fmt.Errorf("invalid reconcile interval %q: %w", cfg.Interval, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}
