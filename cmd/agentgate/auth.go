package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentgate/agentgate/internal/auth"
	"github.com/agentgate/agentgate/internal/config"
)

var authJSON bool

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Show which credential mechanism the backend will use",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadGatewayConfig(configRoot)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		resolver := auth.NewResolver(auth.Options{
			CLIPath:    cfg.BackendCLIPath,
			UseBedrock: cfg.UseBedrock,
			UseVertex:  cfg.UseVertex,
		})

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		status := resolver.Detect(ctx)

		if authJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		}

		fmt.Printf("method: %s\n", status.Method)
		fmt.Printf("valid:  %v\n", status.Valid)
		for k, v := range status.Config {
			fmt.Printf("  %s: %s\n", k, v)
		}
		for _, e := range status.Errors {
			fmt.Printf("error: %s\n", e)
		}
		if !status.Valid {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	authCmd.Flags().BoolVar(&authJSON, "json", false, "print status as JSON")
	rootCmd.AddCommand(authCmd)
}
