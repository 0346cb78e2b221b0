package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/alantheprice/commentgen/pkg/configuration"
)

var (
	initJSON  bool
	initForce bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration",
	Long:  `Creates .commentgen/config.yaml (or config.json with --json) in the workspace with every default spelled out.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := initConfig(workspaceDir, initJSON, initForce)
		if err != nil {
			return err
		}
		cmd.Printf("Wrote %s\n", path)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initJSON, "json", false, "write JSON instead of YAML")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing configuration")
	rootCmd.AddCommand(initCmd)
}

func initConfig(workspace string, asJSON, force bool) (string, error) {
	name := "config.yaml"
	if asJSON {
		name = "config.json"
	}
	path := filepath.Join(workspace, configuration.ConfigDirName, name)
	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := configuration.NewConfig().Save(path); err != nil {
		return "", err
	}
	return path, nil
}
