package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tendermint/checkpointbft/config"
	"github.com/tendermint/checkpointbft/libs/cli"
	"github.com/tendermint/checkpointbft/libs/log"
)

// ParseConfig retrieves the default environment configuration,
// sets up the root and ensures that the root exists
func ParseConfig(conf *config.Config) (*config.Config, error) {
	if err := viper.Unmarshal(conf); err != nil {
		return nil, err
	}

	conf.SetRoot(conf.RootDir)

	if err := conf.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("error in config file: %w", err)
	}
	return conf, nil
}

// RootCommand constructs the root command-line entry point for the node.
func RootCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpointd",
		Short: "Checkpoint BFT finality node",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == VersionCmd.Name() {
				return nil
			}

			if err := cli.BindFlagsLoadViper(cmd, args); err != nil {
				return err
			}

			pconf, err := ParseConfig(conf)
			if err != nil {
				return err
			}
			*conf = *pconf
			config.EnsureRoot(conf.RootDir)
			return log.OverrideWithNewLogger(logger, conf.LogFormat, conf.LogLevel)
		},
	}
	cmd.PersistentFlags().StringP(cli.HomeFlag, "", os.ExpandEnv(filepath.Join("$HOME", config.DefaultCheckpointDir)), "directory for config and data")
	cmd.PersistentFlags().String("log_level", conf.LogLevel, "log level (debug | info | warn | error)")
	cmd.PersistentFlags().String("log_format", conf.LogFormat, "log format (plain | text | json)")
	cobra.OnInitialize(func() { cli.InitEnv("CB") })
	return cmd
}
