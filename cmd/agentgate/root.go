package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/agentgate/agentgate/internal/version"
)

var configRoot string

var rootCmd = &cobra.Command{
	Use:   "agentgate",
	Short: "OpenAI-compatible gateway for a local agent CLI",
	Long: `Agentgate exposes an OpenAI-compatible Chat Completions API while
delegating generation to a locally installed agent CLI.

It translates request/response shapes (including tool calling), keeps
multi-turn session state so stateless OpenAI clients can continue a prior
conversation, and streams incremental CLI output back as Server-Sent Events.`,
	Version: version.Info(),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Optional; absence of a .env file is not an error.
		_ = godotenv.Load()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configRoot, "config-root", "c", ".", "directory containing the config/ tree")
}
