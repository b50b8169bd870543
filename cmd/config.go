package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"storekeeper/internal/config"
	"storekeeper/internal/display"
)

func newConfigCmd(c *cli) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create configuration files",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with credentials masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			redacted := cfg.Redacted()
			data, err := config.Marshal(&redacted)
			if err != nil {
				return err
			}
			if used := c.loader.ConfigFileUsed(); used != "" {
				c.printer.Info("loaded from %s", used)
			} else {
				c.printer.Info("no configuration file found; showing defaults")
			}
			if c.printer.Format() == display.FormatJSON {
				// Round-trip through YAML to keep the snake_case keys.
				var doc map[string]any
				if err := yaml.Unmarshal(data, &doc); err != nil {
					return err
				}
				return display.Encode(cmd.OutOrStdout(), display.FormatJSON, doc)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a commented configuration file with the defaults",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := config.FileName + ".yaml"
			if c.flags.configFile != "" {
				path = c.flags.configFile
			}
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteTemplate(path, force); err != nil {
				return err
			}
			c.printer.Success("configuration written to %s", path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			err = cfg.Validate()
			var problems config.ValidationErrors
			if errors.As(err, &problems) {
				for _, p := range problems {
					c.printer.Error("%s", p)
				}
				return fmt.Errorf("configuration has %d problem(s)", len(problems))
			}
			if err != nil {
				return err
			}
			c.printer.Success("configuration is valid")
			return nil
		},
	}

	configCmd.AddCommand(showCmd, initCmd, validateCmd)
	return configCmd
}
