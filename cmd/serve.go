package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"storekeeper/internal/application"
	apperrors "storekeeper/internal/errors"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open the store, run startup migrations and serve metrics and health checks",
		Long: `Serve opens the store, applies pending migrations when migration.run_on_startup
is set, and keeps the store open until SIGINT or SIGTERM. When metrics are
enabled it listens on metrics.address and exposes:

  <metrics.path>  Prometheus metrics
  /healthz        store health (pool connection and backup catalog)
  /readyz         readiness (fails while a migration run is unresolved)`,
		Args: cobra.NoArgs,
		RunE: c.runServe,
	}
	cmd.Flags().String("listen", "", "listen address for metrics and health checks (overrides metrics.address)")
	_ = c.loader.Viper().BindPFlag("metrics.address", cmd.Flags().Lookup("listen"))
	return cmd
}

func (c *cli) runServe(cmd *cobra.Command, _ []string) (err error) {
	app, err := c.open(cmd, application.WithRuntimeCollectors())
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, app.Close())
	}()

	report, err := app.Startup(cmd.Context())
	switch {
	case err != nil:
		// The store keeps serving at its previous version; /readyz reports
		// an unresolved run.
		c.printer.Warning("startup migration failed: %v", err)
	case report == nil:
		c.printer.Info("startup migrations disabled")
	case report.Skipped:
		c.printer.Info("schema is at version %d", report.Version.Current)
	default:
		c.printer.Success("migrated to schema version %d", report.Version.Current)
	}

	shutdown := apperrors.NewGracefulShutdownHandler()
	cfg := app.Config()
	if !cfg.Metrics.Enabled {
		c.printer.Info("metrics disabled; press Ctrl+C to stop")
		shutdown.Start()
		shutdown.WaitForShutdown()
		return nil
	}

	srv := &http.Server{
		Addr:              cfg.Metrics.Address,
		Handler:           newServeMux(app),
		ReadHeaderTimeout: 5 * time.Second,
	}
	shutdown.RegisterShutdownFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})
	shutdown.Start()

	c.printer.Info("serving metrics on %s%s", cfg.Metrics.Address, cfg.Metrics.Path)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		shutdown.Stop()
		return fmt.Errorf("metrics listener failed: %w", err)
	}
	shutdown.WaitForShutdown()
	c.printer.Info("shut down")
	return nil
}

// newServeMux routes metrics and the health endpoints.
func newServeMux(app *application.Application) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(app.Config().Metrics.Path, promhttp.HandlerFor(app.Registry(), promhttp.HandlerOpts{
		Registry: app.Registry(),
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, app.Health(r.Context()))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, app.Ready())
	})
	return mux
}

type statusBody struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func writeStatus(w http.ResponseWriter, err error) {
	body := statusBody{Status: "ok"}
	code := http.StatusOK
	if err != nil {
		body = statusBody{Status: "unavailable", Error: err.Error()}
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
