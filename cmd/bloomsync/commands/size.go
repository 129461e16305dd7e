package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendermint/bloomsync/bloom"
)

// MakeSizeCommand returns the command that computes filter parameters for
// an expected number of keys and target false positive rate.
func MakeSizeCommand() *cobra.Command {
	var (
		elements uint64
		fpRate   float64
	)
	cmd := &cobra.Command{
		Use:   "size",
		Short: "Compute filter parameters for a number of keys and false positive rate",
		Long: `Compute the number of bits and hashes that minimize the filter size for
the given number of keys and target false positive rate. The output can be
pasted into the [filter] section of config.toml.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, k, err := bloom.OptimalSize(elements, fpRate)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "bits = %d\n", m)
			fmt.Fprintf(out, "hashes = %d\n", k)
			fmt.Fprintf(out, "# expected false positive rate: %.3g\n", bloom.FalsePositiveRate(m, k, elements))
			return nil
		},
	}
	cmd.Flags().Uint64Var(&elements, "elements", 10000, "expected number of distinct keys")
	cmd.Flags().Float64Var(&fpRate, "fp-rate", 1e-4, "target false positive rate")
	return cmd
}
