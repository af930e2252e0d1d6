package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tendermint/checkpointbft/cmd/checkpointd/commands"
	"github.com/tendermint/checkpointbft/config"
	"github.com/tendermint/checkpointbft/libs/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conf := config.DefaultConfig()
	logger := log.MustNewDefaultLogger(log.LogFormatPlain, log.LogLevelInfo)

	rcmd := commands.RootCommand(conf, logger)
	rcmd.AddCommand(
		commands.MakeInitFilesCommand(conf, logger),
		commands.MakeRunNodeCommand(conf, logger),
		commands.MakeGenNodeKeyCommand(conf),
		commands.MakeShowNodeIDCommand(conf),
		commands.VersionCmd,
	)

	if err := rcmd.ExecuteContext(ctx); err != nil {
		logger.Error("command failed", "err", err)
		stop()
		os.Exit(1)
	}
}
