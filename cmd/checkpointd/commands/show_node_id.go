package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendermint/checkpointbft/config"
	"github.com/tendermint/checkpointbft/types"
)

// MakeShowNodeIDCommand dumps the node's ID to the standard output.
func MakeShowNodeIDCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "show-node-id",
		Short: "Show this node's ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeKey, err := types.LoadNodeKey(conf.NodeKeyFile())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), nodeKey.ID)
			return nil
		},
	}
}
