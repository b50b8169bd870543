package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

type versionView struct {
	Version   string `json:"version" yaml:"version"`
	BuildTime string `json:"build_time" yaml:"build_time"`
	GitCommit string `json:"git_commit" yaml:"git_commit"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Platform  string `json:"platform" yaml:"platform"`
}

func newVersionCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := versionView{
				Version:   version,
				BuildTime: buildTime,
				GitCommit: gitCommit,
				GoVersion: goVersion,
				Platform:  runtime.GOOS + "/" + runtime.GOARCH,
			}
			if v.GoVersion == "unknown" {
				v.GoVersion = runtime.Version()
			}
			return c.printer.Value(v, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "storekeeper %s\n", v.Version)
				c.printer.KeyValues([][2]string{
					{"build time", v.BuildTime},
					{"git commit", v.GitCommit},
					{"go version", v.GoVersion},
					{"platform", v.Platform},
				})
			})
		},
	}
}
