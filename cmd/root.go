package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"storekeeper/internal/application"
	"storekeeper/internal/config"
	"storekeeper/internal/display"
	apperrors "storekeeper/internal/errors"
	"storekeeper/internal/logging"
)

// Version information, set from main.
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
	goVersion = "unknown"
)

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, bt, gc, gv string) {
	version = v
	buildTime = bt
	gitCommit = gc
	goVersion = gv
}

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configFile string
	format     string
	noColor    bool
}

// cli holds the state of one command tree: flags, the lazily loaded
// configuration and the printer built before each run.
type cli struct {
	flags   globalFlags
	loader  *config.Loader
	cfg     *config.Config
	printer *display.Printer
	retry   *apperrors.RetryHandler
}

// NewRootCmd builds the storekeeper command tree.
func NewRootCmd() *cobra.Command {
	c := &cli{
		loader: config.NewLoader(),
		retry: apperrors.NewRetryHandler(apperrors.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Multiplier:  2.0,
		}),
	}

	root := &cobra.Command{
		Use:   "storekeeper",
		Short: "Lifecycle tooling for an embedded SQLite store",
		Long: `Storekeeper opens an embedded SQLite store behind a bounded connection pool,
takes checksummed backups to local disk, badger, S3, Azure or GCS, and runs
versioned schema migrations guarded by a pre-migration backup and automatic
rollback.

Examples:
  # Write a commented configuration file
  storekeeper config init

  # Apply pending migrations with a progress bar
  storekeeper migrate run

  # Take a tagged backup and list the catalog as JSON
  storekeeper backup create --description "before import" --tag env=prod
  storekeeper backup list --format json

  # Run migrations on startup and expose /metrics and /healthz
  storekeeper serve --listen :9090`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.flags.configFile, "config", "", "config file (default is ./storekeeper.yaml or $HOME/.config/storekeeper/storekeeper.yaml)")
	pf.StringVarP(&c.flags.format, "format", "o", "table", "output format (table, json, yaml)")
	pf.BoolVar(&c.flags.noColor, "no-color", false, "disable color output")
	pf.String("log-level", "", "log level (quiet, normal, verbose, debug)")
	pf.String("data-dir", "", "directory holding the store file and local backups")

	v := c.loader.Viper()
	_ = v.BindPFlag("logging.level", pf.Lookup("log-level"))
	_ = v.BindPFlag("data_dir", pf.Lookup("data-dir"))

	root.AddCommand(
		newServeCmd(c),
		newStatusCmd(c),
		newMigrateCmd(c),
		newBackupCmd(c),
		newConfigCmd(c),
		newVersionCmd(c),
	)
	return root
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		reportError(root.ErrOrStderr(), err)
		os.Exit(1)
	}
}

// reportError prints the operator-facing message and, when it hides
// detail, the underlying error.
func reportError(w io.Writer, err error) {
	p := display.NewPrinter(w, w, display.FormatTable, false)
	appErr := apperrors.NewErrorClassifier().ClassifyError(err)
	if appErr.Type == apperrors.ErrorTypeUnknown {
		p.Error("%v", appErr.Cause)
		return
	}
	p.Error("%s", apperrors.FormatUserError(appErr))
	if appErr.IsRecoverable() {
		fmt.Fprintln(w, "  The operation can be retried.")
	}
	if appErr.Cause != nil {
		fmt.Fprintf(w, "  cause: %v\n", appErr.Cause)
	}
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	format, err := display.ParseFormat(c.flags.format)
	if err != nil {
		return err
	}
	c.printer = display.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), format, c.flags.noColor)
	return nil
}

// config loads the configuration once per invocation.
func (c *cli) config() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, err := c.loader.Load(c.flags.configFile)
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	return cfg, nil
}

// open builds the application graph. Opening is retried while another
// process holds the store lock.
func (c *cli) open(cmd *cobra.Command, opts ...application.Option) (*application.Application, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logCfg := cfg.Logging.Logger()
	logCfg.Output = cmd.ErrOrStderr()
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	opts = append([]application.Option{application.WithLogger(logger)}, opts...)

	var app *application.Application
	err = c.retry.Retry(cmd.Context(), func() error {
		var openErr error
		app, openErr = application.New(cmd.Context(), cfg, opts...)
		return openErr
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// withApp opens the application, runs fn and closes it again.
func (c *cli) withApp(cmd *cobra.Command, fn func(app *application.Application) error) (err error) {
	app, err := c.open(cmd)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, app.Close())
	}()
	return fn(app)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
