package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/forest6511/twopass/pkg/backup"
	"github.com/forest6511/twopass/pkg/vault"
)

var restoreYes bool

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupRestoreCmd, backupVerifyCmd)

	backupRestoreCmd.Flags().BoolVarP(&restoreYes, "yes", "y", false, "Do not ask for confirmation")
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, list, verify and restore vault snapshots",
	Long: `Snapshots are encrypted copies of the vault, protected by the master
secret that was current when they were taken. The newest backup.keep
snapshots are kept in backup.dir.`,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot the vault",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd.Context(), func(ctx context.Context, v *vault.Vault) error {
			info, err := backup.Create(v, cfg.Backup.Dir, cfg.Backup.Keep, backup.WithJournal(journal))
			if err != nil {
				return err
			}
			fmt.Printf("Snapshot written to %s (%s)\n", info.Path, humanize.Bytes(uint64(info.Size)))
			return nil
		})
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		snapshots, err := backup.List(cfg.Backup.Dir)
		if err != nil {
			return err
		}
		if len(snapshots) == 0 {
			fmt.Printf("No snapshots in %s\n", cfg.Backup.Dir)
			return nil
		}
		now := time.Now()
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "FILE\tCREATED\tSIZE")
		for _, s := range snapshots {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Path, when(s.CreatedAt, now), humanize.Bytes(uint64(s.Size)))
		}
		return tw.Flush()
	},
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify <snapshot>",
	Short: "Check that a snapshot opens and every record decrypts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := verifySnapshot(cmd.Context(), args[0]); err != nil {
			return cancelled(err)
		}
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <snapshot>",
	Short: "Replace the vault with a snapshot",
	Long: `Replace the vault with a snapshot. The snapshot is verified with its
master secret first, and the replaced vault is kept next to it with a .prev
suffix.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		snapshot := args[0]

		if err := verifySnapshot(ctx, snapshot); err != nil {
			return cancelled(err)
		}
		if !restoreYes {
			ok, err := newTerminalPrompter().confirm(ctx, fmt.Sprintf("Replace %s with this snapshot?", cfg.Vault.Path))
			if err != nil || !ok {
				return cancelled(err)
			}
		}
		if err := backup.Restore(snapshot, cfg.Vault.Path, backup.WithJournal(journal)); err != nil {
			return err
		}
		fmt.Printf("Vault restored from %s\n", snapshot)
		return nil
	},
}

func verifySnapshot(ctx context.Context, snapshot string) error {
	secret, err := newTerminalPrompter().readHidden(ctx, "Master secret of the snapshot: ")
	if err != nil {
		return err
	}
	report, err := backup.Verify(snapshot, secret)
	if err != nil {
		return fmt.Errorf("snapshot check failed: %w", err)
	}
	if !report.OK() {
		return fmt.Errorf("snapshot is damaged: sqlite %q, %d unreadable records", report.SQLite, len(report.Unreadable))
	}
	fmt.Printf("Snapshot OK: %d accounts\n", report.Accounts)
	return nil
}
