package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "epix",
		Short:         "entity component system runtime",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	rootCmd.AddCommand(newDemoCmd())
	return rootCmd
}
