package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendermint/bloomsync/version"
)

// VersionCmd ...
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",

	RunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			values, err := json.MarshalIndent(struct {
				Bloomsync    string `json:"bloomsync"`
				WireProtocol uint64 `json:"wire_protocol"`
			}{
				Bloomsync:    version.Version,
				WireProtocol: version.WireProtocol.Uint64(),
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(values))
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
		}
		return nil
	},
}

var verbose bool

func init() {
	VersionCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show protocol version")
}
