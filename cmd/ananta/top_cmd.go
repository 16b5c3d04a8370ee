package main

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/ananta888/ananta/internal/tui"
)

var topRefresh time.Duration

var topCmd = &cobra.Command{
	Use:     "top",
	Aliases: []string{"tui"},
	Short:   "Launch the interactive dashboard",
	RunE:    runTop,
}

func init() {
	topCmd.Flags().DurationVar(&topRefresh, "refresh", tui.DefaultRefresh, "Dashboard refresh interval")
}

func runTop(cmd *cobra.Command, args []string) error {
	if !isDaemonRunning(apiBase()) {
		fmt.Println("⚡ Ananta node not running. Starting background service...")
		if err := startDaemon(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	app := tui.New(tui.NewClient(apiBase(), resolveToken()), topRefresh)
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func isDaemonRunning(addr string) bool {
	client := http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Get(addr + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// startDaemon starts "ananta daemon" detached from the terminal and waits
// for its health endpoint.
func startDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{"daemon"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	cmd := exec.Command(exe, args...)
	configureDaemonProc(cmd)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}

	fmt.Print("   Waiting for node...")
	for i := 0; i < 20; i++ {
		if isDaemonRunning(apiBase()) {
			fmt.Println(" Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" Timeout!")
	return fmt.Errorf("daemon started but API not reachable at %s", apiBase())
}
