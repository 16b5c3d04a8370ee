package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ananta888/ananta/internal/auth"
	"github.com/ananta888/ananta/internal/config"
	"github.com/ananta888/ananta/internal/controlplane"
)

var loginCmd = &cobra.Command{
	Use:   "login [token]",
	Short: "Save a bearer token for --api",
	Long: `Verifies the token against the node at --api and stores it in
~/.ananta/credentials.json for later commands.`,
	Args: cobra.ExactArgs(1),
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the saved bearer token",
	RunE:  runLogout,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of Ananta",
	Run:   runVersion,
}

func runLogin(cmd *cobra.Command, args []string) error {
	apiToken = args[0]
	if _, err := apiGet("/tools/capabilities"); err != nil {
		return fmt.Errorf("token rejected: %w", err)
	}

	m, err := auth.NewManager(config.HomeDir())
	if err != nil {
		return err
	}
	if err := m.Login(apiBase(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Logged in to %s\n", green(apiBase()))
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	m, err := auth.NewManager(config.HomeDir())
	if err != nil {
		return err
	}
	if err := m.Logout(); err != nil {
		return err
	}
	fmt.Println("Logged out")
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("Ananta version %s\n", controlplane.Version)
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go version: %s\n", runtime.Version())
	if health, err := CheckHealth(); err == nil {
		fmt.Printf("  Node %s: %s (db %s)\n", apiBase(), health.Version, health.DB)
	}
}
