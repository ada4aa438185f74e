package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentgate/agentgate/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("agentgate " + version.FullInfo())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
