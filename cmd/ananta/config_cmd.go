package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ananta888/ananta/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or initialize node configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to the user config file",
	RunE:  runConfigInit,
}

var configForce bool

func init() {
	configCmd.AddCommand(configShowCmd, configInitCmd)
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Tokens never leave the node config file.
	for i := range cfg.Auth.Tokens {
		cfg.Auth.Tokens[i].Token = "***"
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if path := config.ProjectConfigPath(); path != "" && configPath == "" {
		fmt.Println(gray("# merged with " + path))
	}
	fmt.Print(string(data))
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.UserConfigPath()
	}
	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Save(path, config.Default()); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
