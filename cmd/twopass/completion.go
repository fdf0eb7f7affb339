package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/forest6511/twopass/pkg/importer"
	"github.com/forest6511/twopass/pkg/passgen"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script for your shell",
	Long: `To load completions:

Bash:
  $ source <(twopass completion bash)

  # To load for each session (Linux):
  $ twopass completion bash > ~/.local/share/bash-completion/completions/twopass

Zsh:
  $ twopass completion zsh > ~/.zsh/completions/_twopass
  # (create ~/.zsh/completions if needed, add to fpath in .zshrc)

Fish:
  $ twopass completion fish > ~/.config/fish/completions/twopass.fish

PowerShell:
  PS> twopass completion powershell >> $PROFILE

Account labels are not completed: reading them needs an unlocked vault.
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	// No config, logger or journal needed to print a script.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(os.Stdout)
		case "zsh":
			return cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			return cmd.Root().GenFishCompletion(os.Stdout, true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}

func registerCompletionFunctions() {
	styles := fixedValues(string(passgen.StyleRandom), string(passgen.StylePhrase), string(passgen.StylePin))
	_ = generateCmd.RegisterFlagCompletionFunc("style", styles)
	_ = addCmd.RegisterFlagCompletionFunc("generate", styles)
	_ = updateCmd.RegisterFlagCompletionFunc("generate", styles)
	_ = importCmd.RegisterFlagCompletionFunc("format", fixedValues(importer.ValidSources()...))
	_ = rootCmd.RegisterFlagCompletionFunc("log-level", fixedValues("debug", "info", "warn", "error"))

	// Only the file arguments of these commands complete to paths.
	for _, c := range []*cobra.Command{listCmd, showCmd, searchCmd, copyCmd, openCmd, updateCmd, deleteCmd} {
		c.ValidArgsFunction = cobra.NoFileCompletions
	}
}

func fixedValues(values ...string) cobra.CompletionFunc {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return values, cobra.ShellCompDirectiveNoFileComp
	}
}
