package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/forest6511/twopass/pkg/audit"
	"github.com/forest6511/twopass/pkg/vault"
)

var errNoWebsite = errors.New("account has no website")

// Open flags
var (
	openFuzzy  bool
	openNoCopy bool
)

// openBrowser is replaced in tests.
var openBrowser = browser.OpenURL

func init() {
	rootCmd.AddCommand(openCmd)
	openCmd.Flags().BoolVar(&openFuzzy, "fuzzy", false, "Match the first label containing the argument, ignoring case")
	openCmd.Flags().BoolVar(&openNoCopy, "no-copy", false, "Do not copy the secret to the clipboard")
}

var openCmd = &cobra.Command{
	Use:   "open <label>",
	Short: "Open an account's website in the default browser",
	Long: `Open an account's website in the default browser and copy its secret to
the clipboard, ready to paste into the login form.

Only http and https addresses are opened. An address without a scheme is
opened over https.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd.Context(), func(ctx context.Context, v *vault.Vault) error {
			a, err := findAccount(v, args[0], openFuzzy)
			if err != nil {
				return err
			}
			return openAccount(a, !openNoCopy)
		})
	},
}

func openAccount(a *vault.Account, copySecret bool) error {
	target, err := websiteURL(a.URL)
	if err != nil {
		return fmt.Errorf("%s: %w", a.Label, err)
	}
	if copySecret {
		if err := clipboard.WriteAll(a.Secret); err != nil {
			return fmt.Errorf("failed to copy to clipboard: %w", err)
		}
		_ = journal.Success(audit.OpSecretCopied, a.Label)
	}
	if err := openBrowser(target); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	logger.Debug("website opened", "host", hostOf(target))
	if copySecret {
		fmt.Printf("Opened %s; secret for '%s' copied to the clipboard.\n", target, a.Label)
	} else {
		fmt.Printf("Opened %s\n", target)
	}
	return nil
}

// websiteURL turns a stored URL into something safe to hand to the browser.
func websiteURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errNoWebsite
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid website %q: %w", raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", fmt.Errorf("refusing to open %q: only http and https are supported", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid website %q: no host", raw)
	}
	return u.String(), nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
