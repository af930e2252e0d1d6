package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendermint/checkpointbft/config"
	"github.com/tendermint/checkpointbft/libs/log"
	tmos "github.com/tendermint/checkpointbft/libs/os"
	"github.com/tendermint/checkpointbft/types"
)

// MakeInitFilesCommand returns the command to initialize a fresh node home.
func MakeInitFilesCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "init [director|validator]",
		Short:     "Initializes a checkpoint node",
		ValidArgs: []string{config.ModeDirector, config.ModeValidator},
		Args:      cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				switch args[0] {
				case config.ModeDirector, config.ModeValidator:
					conf.Mode = args[0]
				default:
					return errors.New("must specify a node type: checkpointd init [director|validator]")
				}
			}
			return initFilesWithConfig(conf, logger)
		},
	}
	return cmd
}

func initFilesWithConfig(conf *config.Config, logger log.Logger) error {
	nodeKeyFile := conf.NodeKeyFile()
	nodeKey, err := types.LoadOrGenNodeKey(nodeKeyFile)
	if err != nil {
		return fmt.Errorf("can't load or generate node key: %w", err)
	}
	logger.Info("node key", "path", nodeKeyFile, "id", nodeKey.ID)

	setFile := conf.AuthoritySetFile()
	if tmos.FileExists(setFile) {
		logger.Info("found authority set", "path", setFile)
	} else {
		// A fresh home starts as the only member of authority set 1.
		vals, err := types.NewValidatorSet(1, []types.Validator{types.NewValidator(nodeKey.PubKey())})
		if err != nil {
			return err
		}
		if err := vals.SaveAs(setFile); err != nil {
			return fmt.Errorf("can't write authority set: %w", err)
		}
		logger.Info("generated authority set", "path", setFile, "id", vals.ID)
	}

	configFile := config.ConfigFilePath(conf.RootDir)
	if tmos.FileExists(configFile) {
		logger.Info("found config file", "path", configFile)
		return nil
	}
	if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
		return err
	}
	logger.Info("generated config", "path", configFile, "mode", conf.Mode)
	return nil
}
