package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/forest6511/twopass/pkg/audit"
	"github.com/forest6511/twopass/pkg/importer"
	"github.com/forest6511/twopass/pkg/vault"
)

var (
	importFormat string
	importDryRun bool
	exportYes    bool
)

func init() {
	rootCmd.AddCommand(importCmd, exportCmd)

	importCmd.Flags().StringVarP(&importFormat, "format", "f", "",
		"Source format: "+strings.Join(importer.ValidSources(), ", ")+" (detected when omitted)")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Parse and report without opening the vault")
	exportCmd.Flags().BoolVarP(&exportYes, "yes", "y", false, "Do not ask before writing plaintext secrets")
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import accounts from a twopass, Bitwarden, LastPass or 1Password export",
	Long: `Import accounts from an unencrypted export file.

Labels that already exist in the vault get a " (2)", " (3)", ... suffix.
Cards and identities are skipped; extra URLs, TOTP seeds and custom fields
are kept in the notes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := parseImport(args[0], importFormat)
		if err != nil {
			return err
		}
		if importDryRun {
			reportImport(len(res.Accounts), res)
			return nil
		}

		return withVault(cmd.Context(), func(ctx context.Context, v *vault.Vault) error {
			added, err := importer.Apply(v, res)
			if err != nil {
				_ = journal.Failure(audit.OpVaultImport, "", err)
				return err
			}
			_ = journal.Record(audit.OpVaultImport, audit.ResultSuccess, "", nil,
				map[string]any{"added": added, "skipped": len(res.Skipped)})
			reportImport(added, res)
			return nil
		})
	},
}

func parseImport(path, format string) (*importer.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read import file: %w", err)
	}

	source := importer.Source(strings.ToLower(format))
	if format == "" {
		source, err = importer.DetectSource(path, data)
		if err != nil {
			return nil, fmt.Errorf("%w (use --format)", err)
		}
	}
	parser, err := importer.GetParser(source)
	if err != nil {
		return nil, err
	}
	logger.Debug("parsing import", "path", path, "format", source, "size", humanize.Bytes(uint64(len(data))))
	return parser.Parse(data)
}

func reportImport(added int, res *importer.Result) {
	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", w)
	}
	for _, s := range res.Skipped {
		fmt.Printf("Skipped %q: %s\n", s.Name, s.Reason)
	}
	if importDryRun {
		fmt.Printf("%d accounts would be imported.\n", added)
		return
	}
	fmt.Printf("Imported %d accounts.\n", added)
}

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write every account, secrets included, to a JSON file",
	Long: `Write every account to a JSON file in the native twopass format.

The file holds the secrets in plaintext and is created readable by the owner
only. Move it somewhere safe or delete it when done.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		return withVault(cmd.Context(), func(ctx context.Context, v *vault.Vault) error {
			if !exportYes {
				ok, err := newTerminalPrompter().confirm(ctx, "The export contains every secret in plaintext. Continue?")
				if err != nil || !ok {
					return cancelled(err)
				}
			}
			accounts, err := v.ListAll()
			if err != nil {
				return err
			}
			if err := importer.ExportFile(path, accounts); err != nil {
				_ = journal.Failure(audit.OpVaultExport, "", err)
				return err
			}
			_ = journal.Record(audit.OpVaultExport, audit.ResultSuccess, "", nil, map[string]any{"count": len(accounts)})
			fmt.Printf("Exported %d accounts to %s\n", len(accounts), path)
			return nil
		})
	},
}
