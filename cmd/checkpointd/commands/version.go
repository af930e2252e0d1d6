package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendermint/checkpointbft/version"
)

var verbose bool

// VersionCmd prints the node version.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !verbose {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
			return nil
		}
		values, err := json.MarshalIndent(struct {
			CheckpointBFT    string `json:"checkpointbft"`
			GitCommit        string `json:"git_commit,omitempty"`
			P2PProtocol      uint64 `json:"p2p_protocol"`
			FinalityProtocol uint64 `json:"finality_protocol"`
		}{
			CheckpointBFT:    version.CBSemVer,
			GitCommit:        version.GitCommit,
			P2PProtocol:      version.P2PProtocol.Uint64(),
			FinalityProtocol: version.FinalityProtocol.Uint64(),
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(values))
		return nil
	},
}

func init() {
	VersionCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show protocol versions")
}
