package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendermint/checkpointbft/config"
	"github.com/tendermint/checkpointbft/libs/log"
	"github.com/tendermint/checkpointbft/node"
)

// AddNodeFlags exposes some common configuration options on the command-line
// These are exposed for convenience of commands embedding a checkpoint node
func AddNodeFlags(cmd *cobra.Command, conf *config.Config) {
	cmd.Flags().String("moniker", conf.Moniker, "node name")
	cmd.Flags().String("mode", conf.Mode, "node mode (director | validator)")
	cmd.Flags().String("network", conf.Network, "network identifier, peers on other networks are rejected")

	// p2p flags
	cmd.Flags().String(
		"p2p.laddr",
		conf.P2P.ListenAddress,
		"node listen address. (0.0.0.0:0 means any interface, any port)")
	cmd.Flags().String("p2p.external_address", conf.P2P.ExternalAddress, "address advertised to peers")
	cmd.Flags().String("p2p.persistent_peers", conf.P2P.PersistentPeers, "comma-delimited ID@host:port persistent peers")
	cmd.Flags().String("p2p.directors", conf.P2P.Directors, "comma-delimited director peer IDs")

	// storage flags
	cmd.Flags().Bool("storage.enabled", conf.Storage.Enabled, "persist checkpoints, votes and evidence")

	// instrumentation flags
	cmd.Flags().Bool("instrumentation.prometheus", conf.Instrumentation.Prometheus, "serve Prometheus metrics")

	addDBFlags(cmd, conf)
}

func addDBFlags(cmd *cobra.Command, conf *config.Config) {
	cmd.Flags().String(
		"db_backend",
		conf.DBBackend,
		"database backend: goleveldb | memdb")
	cmd.Flags().String(
		"db_dir",
		conf.DBPath,
		"database directory")
}

// MakeRunNodeCommand returns the command that allows the CLI to start a node.
func MakeRunNodeCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the checkpoint node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			n, err := node.NewDefault(conf, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			if err := n.Start(ctx); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			logger.Info("started node", "node", n.NodeInfo().PeerID, "mode", conf.Mode, "network", conf.Network)

			// The node stops itself once ctx is canceled.
			select {
			case <-ctx.Done():
			case <-n.Quit():
			}
			n.Wait()
			logger.Info("node stopped", "last_finalized", n.LastFinalized())
			return nil
		},
	}

	AddNodeFlags(cmd, conf)
	return cmd
}
