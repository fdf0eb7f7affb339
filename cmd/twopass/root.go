package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/forest6511/twopass/internal/config"
	"github.com/forest6511/twopass/internal/logging"
	"github.com/forest6511/twopass/pkg/audit"
	"github.com/forest6511/twopass/pkg/vault"
)

var (
	cfg     *config.Config
	logger  *slog.Logger
	journal *audit.Logger
)

// Global flags
var (
	configFile string
	vaultFlag  string
	logLevel   string
	logJSON    bool
)

var rootCmd = &cobra.Command{
	Use:   "twopass",
	Short: "twopass is a two-factor password manager",
	Long: `twopass keeps your accounts in an encrypted vault that opens only after
your face is recognised and the master secret is entered. Three failed
attempts lock the vault and mail a report with the last captured image.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	// PersistentPreRunE loads the configuration, the logger and the audit
	// journal before every subcommand.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup(cmd)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Config file (default ~/.twopass/config.yaml)")
	pf.StringVar(&vaultFlag, "vault", "", "Vault file (overrides vault.path)")
	pf.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	pf.BoolVar(&logJSON, "log-json", false, "Log in JSON")
}

func setup(cmd *cobra.Command) error {
	c, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	cfg = c

	logger, err = logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	journal, err = audit.Open(cfg.Audit.Path)
	if err != nil {
		// The journal is best effort: a nil Logger records nothing.
		logger.Warn("audit journal unavailable", "path", cfg.Audit.Path, "error", err)
		journal = nil
	}
	logger.Debug("config loaded", "vault", cfg.Vault.Path, "face_mode", cfg.Face.Mode, "email", cfg.Email.Enabled)
	return nil
}

// vaultOptions are the options every vault handle is opened with.
func vaultOptions() []vault.Option {
	return []vault.Option{vault.WithJournal(journal), vault.WithLogger(logger)}
}

// configPath is where init writes the default configuration.
func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	dir, err := config.HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, config.FileName), nil
}

func requireVault() error {
	if !vault.Exists(cfg.Vault.Path) {
		return fmt.Errorf("%w: %s (run 'twopass init' first)", vault.ErrVaultNotFound, cfg.Vault.Path)
	}
	return nil
}

// ignoreExists treats an existing file as success.
func ignoreExists(err error) error {
	if errors.Is(err, config.ErrExists) {
		return nil
	}
	return err
}
