package commands

import (
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tendermint/bloomsync/config"
	"github.com/tendermint/bloomsync/libs/log"
	tmos "github.com/tendermint/bloomsync/libs/os"
)

// MakeInitFilesCommand returns the command that writes the configuration
// file of a new replica.
func MakeInitFilesCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initializes a bloomsync home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return initFilesWithConfig(conf, logger)
		},
	}
}

func initFilesWithConfig(conf *config.Config, logger log.Logger) error {
	cfgFile := conf.ConfigFile()
	if tmos.FileExists(cfgFile) {
		logger.Info("found config file", "path", cfgFile)
		return nil
	}

	if conf.ReplicaID == "" {
		conf.ReplicaID = uuid.NewString()
	}
	if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
		return err
	}
	logger.Info("generated config file", "path", cfgFile, "replica_id", conf.ReplicaID)
	return nil
}
