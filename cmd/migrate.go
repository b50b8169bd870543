package cmd

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"storekeeper/internal/application"
	"storekeeper/internal/migration"
)

const progressPollInterval = 100 * time.Millisecond

func newMigrateCmd(c *cli) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply and inspect schema migrations",
		Long: `Schema migrations run as one guarded run: a full backup is taken first,
each migrator is applied, the results are validated and scored, and the new
version is recorded. A failed run restores the pre-migration backup; if that
restore also fails the run is marked unresolved until 'migrate resolve'.`,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, c.runMigrate(cmd))
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the schema version and the last migration run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, c.migrateStatus(cmd))
		},
	}

	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "List the steps of a migration run and their progress weights",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, c.migratePlan)
		},
	}

	var note string
	resolveCmd := &cobra.Command{
		Use:   "resolve",
		Short: "Clear an unresolved migration run after repairing the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(app *application.Application) error {
				if err := app.Orchestrator().Resolve(cmd.Context(), note); err != nil {
					return err
				}
				c.printer.Success("unresolved migration run cleared")
				return nil
			})
		},
	}
	resolveCmd.Flags().StringVar(&note, "note", "", "what was done to repair the store")
	_ = resolveCmd.MarkFlagRequired("note")

	migrateCmd.AddCommand(runCmd, statusCmd, planCmd, resolveCmd)
	return migrateCmd
}

func (c *cli) runMigrate(cmd *cobra.Command) func(*application.Application) error {
	return func(app *application.Application) error {
		orch := app.Orchestrator()
		var previous string
		if last := orch.LastRun(); last != nil {
			previous = last.ID
		}

		bar := c.printer.Progress()
		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(progressPollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					p := orch.GetProgress()
					if p.RunID != "" && p.RunID != previous && p.State == migration.StateRunning {
						bar.Update(p.Progress, p.CurrentStep)
					}
				}
			}
		}()

		report, err := orch.Migrate(cmd.Context())
		close(stop)
		wg.Wait()

		if err != nil {
			if p := orch.GetProgress(); p.RunID != previous {
				bar.Finish(p.Progress, string(p.State))
			}
			return err
		}
		if report.Skipped {
			c.printer.Info("schema is already at version %d", report.Version.Current)
			return c.printer.Value(report, func() {})
		}
		bar.Finish(report.Run.Progress, string(report.Run.State))
		return c.printer.Value(report, func() {
			c.printer.Success("migrated from version %d to %d", report.Run.FromVersion, report.Run.ToVersion)
			c.printRun(report.Run)
		})
	}
}

// migrateStatusView is the structured form of 'migrate status'.
type migrateStatusView struct {
	Version migration.SchemaVersion `json:"version" yaml:"version"`
	Target  int                     `json:"target" yaml:"target"`
	Pending bool                    `json:"pending" yaml:"pending"`
	Ready   bool                    `json:"ready" yaml:"ready"`
	LastRun *migration.Run          `json:"last_run,omitempty" yaml:"last_run,omitempty"`
}

func (c *cli) migrateStatus(cmd *cobra.Command) func(*application.Application) error {
	return func(app *application.Application) error {
		orch := app.Orchestrator()
		v, err := orch.Version(cmd.Context())
		if err != nil {
			return err
		}
		view := migrateStatusView{
			Version: v,
			Target:  orch.TargetVersion(),
			Pending: v.Current < orch.TargetVersion(),
			Ready:   orch.CheckReady() == nil,
			LastRun: orch.LastRun(),
		}
		return c.printer.Value(view, func() {
			c.printer.Header("Schema")
			c.printer.KeyValues([][2]string{
				{"version", strconv.Itoa(v.Current)},
				{"target", strconv.Itoa(view.Target)},
				{"description", orDash(v.Description)},
				{"applied at", formatTime(v.AppliedAt)},
			})
			switch {
			case !view.Ready:
				c.printer.Error("last run %s is unresolved; repair the store and run 'storekeeper migrate resolve'", view.LastRun.ID)
			case view.Pending:
				c.printer.Warning("%d migration(s) pending", view.Target-v.Current)
			default:
				c.printer.Success("schema is up to date")
			}
			if view.LastRun != nil {
				c.printer.Header("Last run")
				c.printRun(view.LastRun)
			}
		})
	}
}

func (c *cli) migratePlan(app *application.Application) error {
	plan := app.Orchestrator().Plan()
	rows := make([][]string, 0, len(plan))
	for i, s := range plan {
		rows = append(rows, []string{strconv.Itoa(i + 1), s.Name, strconv.Itoa(s.Weight)})
	}
	return c.printer.Table([]string{"#", "STEP", "WEIGHT"}, rows)
}

func (c *cli) printRun(r *migration.Run) {
	pairs := [][2]string{
		{"id", r.ID},
		{"state", string(r.State)},
		{"progress", fmt.Sprintf("%d%%", r.Progress)},
		{"versions", fmt.Sprintf("%d -> %d", r.FromVersion, r.ToVersion)},
		{"backup", orDash(r.BackupID)},
		{"started", formatTime(r.StartedAt)},
		{"finished", formatTime(r.FinishedAt)},
	}
	if r.Validation != nil {
		pairs = append(pairs, [2]string{"score", fmt.Sprintf("%.1f", r.Validation.Score)})
	}
	if r.Resolution != "" {
		pairs = append(pairs, [2]string{"resolution", r.Resolution})
	}
	c.printer.KeyValues(pairs)

	rows := make([][]string, 0, len(r.Steps))
	for _, s := range r.Steps {
		rows = append(rows, []string{s.Name, strconv.Itoa(s.Weight), s.State, orDash(s.Error)})
	}
	_ = c.printer.Table([]string{"STEP", "WEIGHT", "STATE", "ERROR"}, rows)

	for _, e := range r.Errors {
		c.printer.Error("%s", e)
	}
	if r.Validation != nil {
		for _, w := range r.Validation.Warnings {
			c.printer.Warning("%s", w)
		}
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
