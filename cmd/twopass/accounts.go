package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/atotto/clipboard"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/forest6511/twopass/internal/cli"
	"github.com/forest6511/twopass/pkg/audit"
	"github.com/forest6511/twopass/pkg/security"
	"github.com/forest6511/twopass/pkg/vault"
)

const secretMask = "********"

// Account command flags
var (
	showFuzzy  bool
	showReveal bool
	copyFuzzy  bool

	addLabel    string
	addURL      string
	addUsername string
	addNotes    string
	addGenerate string
	addLength   int

	updateGenerate string
	updateLength   int

	deleteYes bool
	clearYes  bool
)

func init() {
	rootCmd.AddCommand(listCmd, showCmd, searchCmd, addCmd, updateCmd, deleteCmd, clearCmd, copyCmd)

	showCmd.Flags().BoolVar(&showFuzzy, "fuzzy", false, "Match the first label containing the argument, ignoring case")
	showCmd.Flags().BoolVar(&showReveal, "reveal", false, "Print the secret instead of a mask")
	copyCmd.Flags().BoolVar(&copyFuzzy, "fuzzy", false, "Match the first label containing the argument, ignoring case")

	addCmd.Flags().StringVar(&addLabel, "label", "", "Account label (required)")
	addCmd.Flags().StringVar(&addURL, "url", "", "Site URL")
	addCmd.Flags().StringVar(&addUsername, "username", "", "Login name")
	addCmd.Flags().StringVar(&addNotes, "notes", "", "Free-form notes")
	addCmd.Flags().StringVar(&addGenerate, "generate", "", "Generate the secret in this style (random, phrase, pin) instead of prompting")
	addCmd.Flags().IntVar(&addLength, "length", 0, "Length for --generate")
	_ = addCmd.MarkFlagRequired("label")

	updateCmd.Flags().StringVar(&updateGenerate, "generate", "", "Generate the new secret in this style instead of prompting")
	updateCmd.Flags().IntVar(&updateLength, "length", 0, "Length for --generate")

	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "Do not ask for confirmation")
	clearCmd.Flags().BoolVarP(&clearYes, "yes", "y", false, "Do not ask for confirmation")
}

var listCmd = &cobra.Command{
	Use:   "list [pattern...]",
	Short: "List accounts, optionally only those whose label matches a glob",
	Example: `  twopass list
  twopass list 'aws*' bank`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd.Context(), func(ctx context.Context, v *vault.Vault) error {
			accounts, err := v.ListAll()
			if err != nil {
				return err
			}
			accounts, err = cli.FilterAccounts(args, accounts)
			if err != nil {
				return err
			}
			if len(accounts) == 0 {
				fmt.Println("No accounts stored.")
				return nil
			}
			return printAccounts(os.Stdout, accounts, time.Now())
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show <label>",
	Short: "Show one account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd.Context(), func(ctx context.Context, v *vault.Vault) error {
			a, err := findAccount(v, args[0], showFuzzy)
			if err != nil {
				return err
			}
			if showReveal {
				_ = journal.Success(audit.OpSecretRevealed, a.Label)
			}
			printAccount(os.Stdout, a, showReveal, time.Now())
			return nil
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <substring>",
	Short: "Find accounts whose label, URL or username contains a substring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd.Context(), func(ctx context.Context, v *vault.Vault) error {
			accounts, err := v.Search(args[0])
			if err != nil {
				return err
			}
			if len(accounts) == 0 {
				fmt.Printf("No accounts match %q.\n", args[0])
				return nil
			}
			return printAccounts(os.Stdout, accounts, time.Now())
		})
	},
}

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an account",
	Long: `Add an account. The secret is prompted for unless --generate is given.

Examples:
  twopass add --label GitHub --url https://github.com --username octocat
  twopass add --label Bank --url https://bank.example --username me --generate phrase`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd.Context(), func(ctx context.Context, v *vault.Vault) error {
			secret, err := obtainSecret(ctx, addGenerate, addLength, "secret for "+addLabel)
			if err != nil {
				return cancelled(err)
			}
			a := &vault.Account{
				Label:    addLabel,
				URL:      addURL,
				Username: addUsername,
				Secret:   secret,
				Notes:    addNotes,
			}
			if err := v.Add(a); err != nil {
				return fmt.Errorf("failed to add account: %w", err)
			}
			fmt.Printf("Account '%s' added (strength: %s)\n", a.Label, security.Strength(secret))
			return nil
		})
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <url> <username>",
	Short: "Replace the secret of the account with this URL and username",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := vault.Identity{URL: args[0], Username: args[1]}
		return withVault(cmd.Context(), func(ctx context.Context, v *vault.Vault) error {
			secret, err := obtainSecret(ctx, updateGenerate, updateLength, "new secret for "+id.String())
			if err != nil {
				return cancelled(err)
			}
			if err := v.UpdateSecret(id, secret); err != nil {
				return fmt.Errorf("failed to update %s: %w", id, err)
			}
			fmt.Printf("Secret for %s updated (strength: %s)\n", id, security.Strength(secret))
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <url> <username>",
	Short: "Delete the account with this URL and username",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := vault.Identity{URL: args[0], Username: args[1]}
		return withVault(cmd.Context(), func(ctx context.Context, v *vault.Vault) error {
			if !deleteYes {
				ok, err := newTerminalPrompter().confirm(ctx, fmt.Sprintf("Delete %s?", id))
				if err != nil || !ok {
					return cancelled(err)
				}
			}
			if err := v.Delete(id); err != nil {
				return fmt.Errorf("failed to delete %s: %w", id, err)
			}
			fmt.Printf("Deleted %s\n", id)
			return nil
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every account, keeping the vault",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd.Context(), func(ctx context.Context, v *vault.Vault) error {
			if !clearYes {
				n, err := v.Count()
				if err != nil {
					return err
				}
				ok, err := newTerminalPrompter().confirm(ctx, fmt.Sprintf("Delete all %d accounts?", n))
				if err != nil || !ok {
					return cancelled(err)
				}
			}
			if err := v.Clear(); err != nil {
				return fmt.Errorf("failed to clear vault: %w", err)
			}
			fmt.Println("Vault cleared.")
			return nil
		})
	},
}

var copyCmd = &cobra.Command{
	Use:   "copy <label>",
	Short: "Copy an account's secret to the clipboard",
	Long: `Copy an account's secret to the clipboard.

The clipboard is readable by every process of the desktop session; clear it
when you are done.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd.Context(), func(ctx context.Context, v *vault.Vault) error {
			a, err := findAccount(v, args[0], copyFuzzy)
			if err != nil {
				return err
			}
			if err := clipboard.WriteAll(a.Secret); err != nil {
				return fmt.Errorf("failed to copy to clipboard: %w", err)
			}
			_ = journal.Success(audit.OpSecretCopied, a.Label)
			fmt.Printf("Secret for '%s' copied to the clipboard.\n", a.Label)
			return nil
		})
	},
}

func findAccount(v *vault.Vault, label string, fuzzy bool) (*vault.Account, error) {
	if fuzzy {
		return v.FindByLabelFuzzy(label)
	}
	return v.FindByLabelExact(label)
}

// obtainSecret generates a secret when style is set and prompts otherwise.
func obtainSecret(ctx context.Context, style string, length int, what string) (string, error) {
	if style != "" {
		return generateSecret(style, length)
	}
	return newTerminalPrompter().readNewSecret(ctx, what)
}

// cancelled maps a declined confirmation to a clean exit.
func cancelled(err error) error {
	if err != nil && !isUserCancel(err) {
		return err
	}
	fmt.Fprintln(os.Stderr, "Cancelled.")
	return nil
}

func printAccounts(w io.Writer, accounts []*vault.Account, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LABEL\tURL\tUSERNAME\tMODIFIED")
	for _, a := range accounts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Label, dash(a.URL), dash(a.Username), when(a.ModifiedAt, now))
	}
	return tw.Flush()
}

func printAccount(w io.Writer, a *vault.Account, reveal bool, now time.Time) {
	secret := secretMask
	if reveal {
		secret = a.Secret
	}
	fmt.Fprintf(w, "Label:    %s\n", a.Label)
	fmt.Fprintf(w, "URL:      %s\n", dash(a.URL))
	fmt.Fprintf(w, "Username: %s\n", dash(a.Username))
	fmt.Fprintf(w, "Secret:   %s\n", secret)
	fmt.Fprintf(w, "Strength: %s\n", security.Strength(a.Secret))
	fmt.Fprintf(w, "Created:  %s\n", when(a.CreatedAt, now))
	fmt.Fprintf(w, "Modified: %s\n", when(a.ModifiedAt, now))
	if a.Notes != "" {
		fmt.Fprintf(w, "Notes:\n  %s\n", strings.ReplaceAll(a.Notes, "\n", "\n  "))
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// when renders a timestamp relative to now, with the date for context.
func when(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", humanize.RelTime(t, now, "ago", "from now"), t.Local().Format("2006-01-02"))
}
