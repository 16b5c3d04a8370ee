package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ananta",
	Short: "Ananta - multi-agent task orchestration",
	Long: `Ananta is a hub-and-worker control plane: a hub keeps the task queue,
workers claim tasks under leases, plan them with a model and run the plan
through a policy-checked tool gateway.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr    string
	apiToken   string
	configPath string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7466", "API server address")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "Bearer token (defaults to the stored login for --api)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (defaults to ~/.ananta/config.yaml merged with .ananta.yaml)")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(readModelCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(topCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
