package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forest6511/twopass/internal/config"
	"github.com/forest6511/twopass/pkg/audit"
	"github.com/forest6511/twopass/pkg/security"
	"github.com/forest6511/twopass/pkg/vault"
)

var (
	initSkipFace bool
	destroyYes   bool
)

func init() {
	rootCmd.AddCommand(initCmd, enrollCmd, passwdCmd, destroyCmd)

	initCmd.Flags().BoolVar(&initSkipFace, "skip-face", false, "Do not enroll a reference face now (run 'twopass enroll' later)")
	destroyCmd.Flags().BoolVarP(&destroyYes, "yes", "y", false, "Do not ask for confirmation")
}

// initCmd creates the config, the reference face and the vault.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Set up twopass: config, reference face and vault",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := writeDefaultConfig(); err != nil {
			return err
		}
		if vault.Exists(cfg.Vault.Path) {
			return fmt.Errorf("%w: %s", vault.ErrAlreadyExists, cfg.Vault.Path)
		}

		if cfg.Face.Mode == config.FaceModeCommand && !initSkipFace {
			if err := enrollFace(ctx); err != nil {
				return err
			}
		}

		fmt.Println("Choose the master secret. It cannot be recovered if forgotten.")
		secret, err := newTerminalPrompter().readNewSecret(ctx, "master secret")
		if err != nil {
			return cancelled(err)
		}
		strength := security.Strength(secret)
		fmt.Printf("Master secret strength: %s\n", strength)
		if strength == security.PasswordWeak {
			fmt.Println("Warning: consider a passphrase of at least 14 characters ('twopass generate --style phrase').")
		}

		if err := vault.Create(cfg.Vault.Path, secret, vaultOptions()...); err != nil {
			return fmt.Errorf("failed to create vault: %w", err)
		}
		fmt.Printf("Vault created at %s\n", cfg.Vault.Path)
		return nil
	},
}

func writeDefaultConfig() error {
	path, err := configPath()
	if err != nil {
		return err
	}
	dir, err := config.HomeDir()
	if err != nil {
		return err
	}
	err = config.WriteDefault(path, dir)
	if err == nil {
		fmt.Printf("Wrote default configuration to %s\n", path)
	}
	return ignoreExists(err)
}

func enrollFace(ctx context.Context) error {
	fv, err := commandVerifier()
	if err != nil {
		return err
	}
	fmt.Println("Look at the camera to register your face...")
	ref, err := fv.Enroll(ctx)
	if err != nil {
		_ = journal.Failure(audit.OpFaceEnroll, "", err)
		return fmt.Errorf("failed to enroll face: %w", err)
	}
	_ = journal.Success(audit.OpFaceEnroll, "")
	fmt.Printf("Reference face saved to %s\n", ref)
	return nil
}

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Replace the reference face",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Face.Mode != config.FaceModeCommand {
			return errors.New("face verification is disabled in the configuration")
		}
		return withVault(cmd.Context(), func(ctx context.Context, v *vault.Vault) error {
			return enrollFace(ctx)
		})
	},
}

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the master secret",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd.Context(), func(ctx context.Context, v *vault.Vault) error {
			p := newTerminalPrompter()
			current, err := p.readHidden(ctx, "Current master secret: ")
			if err != nil {
				return cancelled(err)
			}
			next, err := p.readNewSecret(ctx, "new master secret")
			if err != nil {
				return cancelled(err)
			}
			if err := v.ChangeSecret(current, next); err != nil {
				return fmt.Errorf("failed to change master secret: %w", err)
			}
			fmt.Printf("Master secret changed (strength: %s)\n", security.Strength(next))
			return nil
		})
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Remove the vault and the reference face",
	Long: `Remove the vault file and the enrolled face images. The audit journal,
the configuration and any backups are kept.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd.Context(), func(ctx context.Context, v *vault.Vault) error {
			if !destroyYes {
				ok, err := newTerminalPrompter().confirm(ctx, fmt.Sprintf("Permanently remove %s?", cfg.Vault.Path))
				if err != nil || !ok {
					return cancelled(err)
				}
			}
			if err := v.Close(); err != nil {
				return err
			}
			if err := removeFiles(cfg.Vault.Path, vault.LockPath(cfg.Vault.Path), cfg.Face.ReferenceImage, cfg.Face.LastImage); err != nil {
				_ = journal.Failure(audit.OpVaultDestroy, "", err)
				return err
			}
			_ = journal.Success(audit.OpVaultDestroy, "")
			fmt.Println("Vault removed.")
			return nil
		})
	},
}

// removeFiles deletes every path that exists, joining the failures.
func removeFiles(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
