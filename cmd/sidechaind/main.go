package main

import (
	"os"

	"github.com/celer-network/go-sidechain/log"
	"github.com/spf13/cobra"
)

const (
	flagConfig = "config"
)

var logger = log.NewLogger("sidechaind")

func main() {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "sidechaind",
		Short:         "sidechain stage commitment daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String(flagConfig, "/tmp/sidechain/config", "Config directory")

	rootCmd.AddCommand(
		runCommand(),
		statusCommand(),
		sliceCommand(),
		clearHaltCommand(),
		printConfigCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		logger.Error().Err(err).Send()
		os.Exit(1)
	}
}
