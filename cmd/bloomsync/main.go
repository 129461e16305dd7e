package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tendermint/bloomsync/cmd/bloomsync/commands"
	"github.com/tendermint/bloomsync/config"
	"github.com/tendermint/bloomsync/libs/cli"
	"github.com/tendermint/bloomsync/libs/log"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conf, err := commands.ParseConfig(config.DefaultConfig())
	if err != nil {
		panic(err)
	}

	logger, err := log.NewDefaultLogger(conf.LogFormat, conf.LogLevel)
	if err != nil {
		panic(err)
	}

	rcmd := commands.RootCommand(conf, logger)
	rcmd.AddCommand(
		commands.MakeInitFilesCommand(conf, logger),
		commands.MakeRelayCommand(conf, logger),
		commands.MakeStartCommand(conf, logger),
		commands.MakeDemoCommand(conf, logger),
		commands.MakeSizeCommand(),
		commands.VersionCmd,
	)

	if err := cli.RunWithTrace(ctx, rcmd); err != nil {
		os.Exit(2)
	}
}
