package main

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/spf13/cobra"

	"github.com/forest6511/twopass/pkg/audit"
	"github.com/forest6511/twopass/pkg/passgen"
	"github.com/forest6511/twopass/pkg/vault"
)

const (
	maxFillCount = 1000
	sampleNote   = "sample account created by twopass fill"
	sampleLength = 16
)

var fillCount int

func init() {
	rootCmd.AddCommand(fillCmd)
	fillCmd.Flags().IntVarP(&fillCount, "count", "n", 10, fmt.Sprintf("Number of sample accounts (1-%d)", maxFillCount))
}

var fillCmd = &cobra.Command{
	Use:   "fill",
	Short: "Add sample accounts for trying twopass out",
	Long: `Add made-up accounts with generated secrets. Useful for trying the
commands and the security report on a throwaway vault. Sample accounts carry
a note saying where they came from.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if fillCount < 1 || fillCount > maxFillCount {
			return fmt.Errorf("--count must be between 1 and %d", maxFillCount)
		}
		return withVault(cmd.Context(), func(ctx context.Context, v *vault.Vault) error {
			accounts, err := sampleAccounts(newGenerator(), fillCount)
			if err != nil {
				return err
			}
			for _, a := range accounts {
				if err := v.Add(a); err != nil {
					return err
				}
			}
			_ = journal.Record(audit.OpVaultFill, audit.ResultSuccess, "", nil, map[string]any{"added": len(accounts)})
			fmt.Printf("Added %d sample accounts.\n", len(accounts))
			return nil
		})
	},
}

// sampleAccounts builds n accounts from the generator's word list. Labels are
// unique within the batch; secrets come from the generator.
func sampleAccounts(g *passgen.Generator, n int) ([]*vault.Account, error) {
	words, err := g.Words()
	if err != nil {
		return nil, err
	}
	pick := func() string { return words[rand.IntN(len(words))] }

	seen := make(map[string]bool, n)
	out := make([]*vault.Account, 0, n)
	for i := 0; i < n; i++ {
		site, user := pick(), pick()
		label := capitalize(site)
		for k := 2; seen[label]; k++ {
			label = fmt.Sprintf("%s %d", capitalize(site), k)
		}
		seen[label] = true

		secret, err := g.Generate(passgen.Policy{Style: passgen.StyleRandom, Length: sampleLength})
		if err != nil {
			return nil, err
		}
		out = append(out, &vault.Account{
			Label:    label,
			URL:      fmt.Sprintf("https://www.%s.example", site),
			Username: fmt.Sprintf("%s%d@%s.example", user, rand.IntN(100), site),
			Secret:   secret,
			Notes:    sampleNote,
		})
	}
	return out, nil
}
