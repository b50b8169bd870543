package cmd

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"storekeeper/internal/application"
	"storekeeper/internal/backup"
	"storekeeper/internal/display"
)

func newBackupCmd(c *cli) *cobra.Command {
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Backup management commands",
		Long: `Create, list, verify, restore and delete store backups. Every backup is a
full snapshot stored in the configured blob store with a checksum that is
verified before any restore touches the store.`,
	}

	var (
		description string
		kind        string
		tags        map[string]string
	)
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Take a full backup of the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(app *application.Application) error {
				b, err := app.Backups().CreateBackup(cmd.Context(), backup.CreateOptions{
					Kind:        backup.Kind(kind),
					Description: description,
					Tags:        tags,
				})
				if err != nil {
					return err
				}
				c.printer.Success("backup %s created (%s)", b.ID, display.FormatBytes(b.SizeBytes))
				return c.printer.Value(b, func() { c.printBackup(b) })
			})
		},
	}
	createCmd.Flags().StringVarP(&description, "description", "d", "", "backup description")
	createCmd.Flags().StringVar(&kind, "kind", string(backup.KindFull), "backup kind (only full is supported)")
	createCmd.Flags().StringToStringVar(&tags, "tag", nil, "tag as key=value (repeatable)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(app *application.Application) error {
				backups, err := app.Backups().ListBackups(cmd.Context())
				if err != nil {
					return err
				}
				if len(backups) == 0 && !c.printer.Structured() {
					c.printer.Info("no backups found")
					return nil
				}
				rows := make([][]string, 0, len(backups))
				for _, b := range backups {
					rows = append(rows, []string{
						b.ID,
						formatTime(b.CreatedAt),
						display.FormatBytes(b.SizeBytes),
						strconv.Itoa(b.RowCount),
						formatTags(b.Tags),
						b.Description,
					})
				}
				return c.printer.Table([]string{"ID", "CREATED", "SIZE", "ROWS", "TAGS", "DESCRIPTION"}, rows)
			})
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <backup-id>",
		Short: "Show a backup's catalog entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(app *application.Application) error {
				b, err := app.Backups().GetBackup(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return c.printer.Value(b, func() { c.printBackup(b) })
			})
		},
	}

	verifyCmd := &cobra.Command{
		Use:   "verify <backup-id>",
		Short: "Check a backup's checksum and decode it without restoring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(app *application.Application) error {
				b, err := app.Backups().VerifyBackup(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				c.printer.Success("backup %s is intact (%s)", b.ID, b.ChecksumAlgorithm)
				return nil
			})
		},
	}

	var skipRecoveryPoint bool
	restoreCmd := &cobra.Command{
		Use:   "restore <backup-id>",
		Short: "Replace the store contents with a verified backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(app *application.Application) error {
				err := app.Backups().RestoreBackup(cmd.Context(), args[0], backup.RestoreOptions{
					SkipRecoveryPoint: skipRecoveryPoint,
				})
				if err != nil {
					return err
				}
				c.printer.Success("store restored from backup %s", args[0])
				return nil
			})
		},
	}
	restoreCmd.Flags().BoolVar(&skipRecoveryPoint, "no-recovery-point", false, "do not snapshot the current store before restoring")

	deleteCmd := &cobra.Command{
		Use:   "delete <backup-id>",
		Short: "Delete a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(app *application.Application) error {
				if err := app.Backups().DeleteBackup(cmd.Context(), args[0]); err != nil {
					return err
				}
				c.printer.Success("backup %s deleted", args[0])
				return nil
			})
		},
	}

	backupCmd.AddCommand(createCmd, listCmd, showCmd, verifyCmd, restoreCmd, deleteCmd)
	return backupCmd
}

func (c *cli) printBackup(b *backup.Backup) {
	compression := "none"
	if b.Compressed {
		compression = fmt.Sprintf("%s (%s -> %s)", b.Compression,
			display.FormatBytes(b.OriginalSize), display.FormatBytes(b.SizeBytes))
	}
	encryption := "none"
	if b.Encrypted {
		encryption = b.Encryption
	}
	c.printer.KeyValues([][2]string{
		{"id", b.ID},
		{"source", b.Source},
		{"created", formatTime(b.CreatedAt)},
		{"kind", string(b.Kind)},
		{"status", string(b.Status)},
		{"size", display.FormatBytes(b.SizeBytes)},
		{"rows", strconv.Itoa(b.RowCount)},
		{"compression", compression},
		{"encryption", encryption},
		{"checksum", fmt.Sprintf("%s:%s", b.ChecksumAlgorithm, b.Checksum)},
		{"description", orDash(b.Description)},
		{"tags", orDash(formatTags(b.Tags))},
	})
}

func formatTags(tags map[string]string) string {
	parts := make([]string, 0, len(tags))
	for _, k := range slices.Sorted(maps.Keys(tags)) {
		parts = append(parts, k+"="+tags[k])
	}
	return strings.Join(parts, ",")
}
