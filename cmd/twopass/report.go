package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/twopass/pkg/security"
	"github.com/forest6511/twopass/pkg/vault"
)

const defaultReportLimit = 10

var (
	reportJSON bool
	reportAll  bool
)

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "Print the report as JSON")
	reportCmd.Flags().BoolVar(&reportAll, "all", false, fmt.Sprintf("Show every issue (default: %d per kind)", defaultReportLimit))
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report weak, reused and stale secrets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd.Context(), func(ctx context.Context, v *vault.Vault) error {
			accounts, err := v.ListAll()
			if err != nil {
				return err
			}
			var opts []security.Option
			if !reportAll {
				opts = append(opts, security.WithLimit(defaultReportLimit))
			}
			report, err := security.Analyze(accounts, time.Now(), opts...)
			if err != nil {
				return err
			}
			if reportJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printReport(os.Stdout, report)
			return nil
		})
	},
}

func printReport(w io.Writer, r *security.Report) {
	c := r.Components
	fmt.Fprintf(w, "Security score: %d/100 (%d accounts)\n", r.Score, r.Accounts)
	fmt.Fprintf(w, "  strength %d/25  uniqueness %d/25  freshness %d/25  completeness %d/25\n",
		c.Strength, c.Uniqueness, c.Freshness, c.Completeness)

	if len(r.Issues) > 0 {
		fmt.Fprintln(w, "\nIssues:")
	}
	for _, issue := range r.Issues {
		labels := make([]string, len(issue.Accounts))
		for i, a := range issue.Accounts {
			labels[i] = a.Label
		}
		fmt.Fprintf(w, "  [%s] %s: %s\n", issue.Severity, strings.Join(labels, ", "), issue.Description)
	}
	if r.Limited {
		fmt.Fprintln(w, "  ... more issues hidden, use --all")
	}

	if len(r.Suggestions) > 0 {
		fmt.Fprintln(w, "\nSuggestions:")
	}
	for _, s := range r.Suggestions {
		fmt.Fprintf(w, "  - %s\n", s)
	}
}
