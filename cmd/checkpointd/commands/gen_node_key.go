package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendermint/checkpointbft/config"
	tmos "github.com/tendermint/checkpointbft/libs/os"
	"github.com/tendermint/checkpointbft/types"
)

// MakeGenNodeKeyCommand allows the generation of a node key. It prints the
// node's ID to the standard output.
func MakeGenNodeKeyCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "gen-node-key",
		Short: "Generate a node key for this node and print its ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeKeyFile := conf.NodeKeyFile()
			if tmos.FileExists(nodeKeyFile) {
				return fmt.Errorf("node key at %s already exists", nodeKeyFile)
			}

			nodeKey, err := types.LoadOrGenNodeKey(nodeKeyFile)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), nodeKey.ID)
			return nil
		},
	}
}
