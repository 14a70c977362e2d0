package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/galaxy-org/galaxy/internal/build"
	"github.com/galaxy-org/galaxy/internal/common/logger"
	"github.com/galaxy-org/galaxy/internal/common/logger/tag"
	"github.com/galaxy-org/galaxy/internal/core"
	"github.com/galaxy-org/galaxy/internal/device"
	"github.com/galaxy-org/galaxy/internal/eventbus"
	"github.com/galaxy-org/galaxy/internal/orchestrator"
	"github.com/galaxy-org/galaxy/internal/persistence"
	"github.com/galaxy-org/galaxy/internal/planner"
	"github.com/galaxy-org/galaxy/internal/telemetry"
)

// Run creates the command that executes one user request end to end.
func Run() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flags] <request>",
		Short: "Decompose a request and execute it across the device fleet",
		Long: `Decompose a natural language request into a constellation of task stars and
execute it across the configured devices.

The request is sent to the planner service, which returns the initial task
graph. Tasks are dispatched to devices over persistent AIP sessions as their
dependencies complete, and the planner is consulted again when execution gets
stuck or a completed task asks for a plan revision.

Example:
  galaxy run --config galaxy.yaml "back up the photos from my laptop to the NAS"
`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := NewContext(cmd)
			if err != nil {
				return err
			}
			return runRun(ctx, strings.Join(args, " "))
		},
	}
	commonFlags(cmd)
	return cmd
}

func runRun(cmdCtx *Context, request string) error {
	ctx, stop := signal.NotifyContext(cmdCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := cmdCtx.Config

	bus := eventbus.New(ctx)
	defer bus.Close()

	fleet, err := device.NewManager(ctx, bus, cfg)
	if err != nil {
		return fmt.Errorf("failed to build device manager: %w", err)
	}
	fleet.Start(ctx)
	defer fleet.Stop()

	orc := orchestrator.New(cfg, bus, fleet, planner.NewHTTPPlanner(cfg))

	collector := telemetry.NewCollector(build.Version, orc, fleet, bus)
	unsubscribe := bus.Subscribe("telemetry",
		func(_ context.Context, event core.Event) { collector.Observe(event) },
		core.EventTaskStarted, core.EventTaskCompleted, core.EventTaskFailed,
	)
	defer unsubscribe()

	if addr := cfg.Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           apiRouter(fleet, telemetry.NewRegistry(collector)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info(ctx, "Serving inbound endpoint", tag.Addr, addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(ctx, "Inbound server stopped", tag.Error, err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var store *persistence.Store
	if cfg.Persistence.Enabled {
		store = persistence.NewStore(cfg.Persistence.Dir)
		recorder, err := persistence.NewRecorder(cfg.Persistence.Dir, cfg.ConstellationID, bus)
		if err != nil {
			return fmt.Errorf("failed to start trajectory recorder: %w", err)
		}
		defer func() { _ = recorder.Close() }()
	}

	result, runErr := orc.Run(ctx, request)
	if store != nil && result != nil {
		if err := store.SaveResult(result); err != nil {
			logger.Error(ctx, "Failed to save run result", tag.Error, err)
		}
	}
	if runErr != nil {
		return fmt.Errorf("run failed: %w", runErr)
	}

	logger.Info(ctx, "Run finished",
		tag.Constellation, result.ConstellationID,
		tag.Status, string(result.Outcome),
		tag.Reason, result.Reason,
	)
	if result.Outcome != core.StateCompleted {
		return fmt.Errorf("run ended %s: %s", result.Outcome, result.Reason)
	}
	return nil
}

// apiRouter serves the inbound device endpoint next to Prometheus metrics.
func apiRouter(fleet *device.Manager, registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/aip/v1/connect", fleet.HandleConnect)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return r
}
