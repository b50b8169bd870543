package cmd

import (
	"strconv"

	"github.com/spf13/cobra"

	"storekeeper/internal/application"
	"storekeeper/internal/migration"
	"storekeeper/internal/pool"
)

type statusView struct {
	Store       string                  `json:"store" yaml:"store"`
	Provider    string                  `json:"provider" yaml:"provider"`
	Version     migration.SchemaVersion `json:"version" yaml:"version"`
	Target      int                     `json:"target" yaml:"target"`
	Ready       bool                    `json:"ready" yaml:"ready"`
	Healthy     bool                    `json:"healthy" yaml:"healthy"`
	HealthError string                  `json:"health_error,omitempty" yaml:"health_error,omitempty"`
	Backups     int                     `json:"backups" yaml:"backups"`
	Pool        pool.Stats              `json:"pool" yaml:"pool"`
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show store, pool and backup health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(app *application.Application) error {
				ctx := cmd.Context()
				v, err := app.Orchestrator().Version(ctx)
				if err != nil {
					return err
				}
				backups, err := app.Backups().ListBackups(ctx)
				if err != nil {
					return err
				}
				view := statusView{
					Store:    app.Engine().Path(),
					Provider: string(app.Config().BlobStore.Provider),
					Version:  v,
					Target:   app.Orchestrator().TargetVersion(),
					Ready:    app.Ready() == nil,
					Healthy:  true,
					Backups:  len(backups),
					Pool:     app.Pool().Stats(),
				}
				if err := app.Health(ctx); err != nil {
					view.Healthy = false
					view.HealthError = err.Error()
				}

				return c.printer.Value(view, func() {
					c.printer.Header("Store")
					c.printer.KeyValues([][2]string{
						{"path", view.Store},
						{"schema", strconv.Itoa(v.Current) + "/" + strconv.Itoa(view.Target)},
						{"backups", strconv.Itoa(view.Backups) + " (" + view.Provider + ")"},
					})
					c.printer.Header("Pool")
					c.printer.KeyValues([][2]string{
						{"open", strconv.Itoa(view.Pool.Open)},
						{"idle", strconv.Itoa(view.Pool.Idle)},
						{"created", strconv.FormatInt(view.Pool.Created, 10)},
						{"evictions", strconv.FormatInt(view.Pool.Evictions, 10)},
					})
					if view.Healthy && view.Ready {
						c.printer.Success("store is healthy")
						return
					}
					if !view.Ready {
						c.printer.Error("a migration run is unresolved")
					}
					if !view.Healthy {
						c.printer.Error("health check failed: %s", view.HealthError)
					}
				})
			})
		},
	}
}
