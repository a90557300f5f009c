// Copyright (c) OpenMMLab. All rights reserved.

package cli

import (
	"fmt"
	"io"
	"strings"

	"oamix/pkg/cli/checkhang"
	"oamix/pkg/cli/events"
	"oamix/pkg/cli/logs"
	"oamix/pkg/cli/ranks"
	"oamix/pkg/cli/stacks"
	"oamix/pkg/cli/train"
	"oamix/pkg/cli/version"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "OAMIX"

// readConfig reads parameters from the configuration file
func readConfig(configPath string, out io.Writer) {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("oamix")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	if err := viper.ReadInConfig(); err != nil {
		if configPath != "" {
			fmt.Fprintf(out, "Error reading configuration file %s: %v\n", configPath, err)
		}
		return
	}
	fmt.Fprintf(out, "Using configuration file %s\n", viper.ConfigFileUsed())
}

func NewOamixRunCommand() *cobra.Command {
	var configPath string

	cmds := &cobra.Command{
		Use:   "oamix-run",
		Short: "Distributed training launcher for OA-Mix detectors",
		Long: `Launch and inspect distributed OA-Mix detector training.
Usage:
  oamix-run [subcommand] [parameters]

Node settings come from NNODES, NODE_RANK, PORT and MASTER_ADDR.

Example:
  NNODES=2 NODE_RANK=0 MASTER_ADDR=10.0.0.1 oamix-run train configs/oamix/my_config.py 8
  oamix-run check-hang -a nodes.txt --threshold 300`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			readConfig(configPath, cmd.ErrOrStderr())
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Disable auto-completion command
	cmds.CompletionOptions.DisableDefaultCmd = true

	cmds.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Specify the path to the configuration file (default ./oamix.yaml)")
	cmds.PersistentFlags().StringP("port", "p", "", "Specify the status server port of remote nodes")
	cmds.PersistentFlags().StringP("address-list", "a", "", "Specify the file listing node addresses, one per line")
	cmds.PersistentFlags().String("work-dir", "", "Specify the training work directory")

	cmds.AddCommand(
		train.NewCmdTrain(),
		logs.NewCmdLogs(),
		ranks.NewCmdRanks(),
		stacks.NewCmdStacks(),
		checkhang.NewCmdCheckHang(),
		events.NewCmdEvents(),
		version.NewCmdVersion(),
	)

	return cmds
}
