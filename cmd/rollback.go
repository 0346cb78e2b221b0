package cmd

import (
	"bufio"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alantheprice/commentgen/pkg/changetracker"
	"github.com/alantheprice/commentgen/pkg/configuration"
)

var rollbackYes bool

// rollbackCmd represents the rollback command
var rollbackCmd = &cobra.Command{
	Use:   "rollback <change-id>",
	Short: "Revert a recorded change",
	Long: `Restores the content a file had before a recorded change. Change ids are
listed by the log command.

Examples:
  commentgen log
  commentgen rollback 01J9Z3Q6W8N4T5Y2X7K1M0P3RS`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := changetracker.NewStore(filepath.Join(workspaceDir, configuration.ConfigDirName))
		id := args[0]
		c, err := store.Get(id)
		if err != nil {
			return err
		}

		if !rollbackYes {
			cmd.Printf("About to restore %s to its state before change %s.\n", displayName(c.Filename), id)
			cmd.Print("Are you sure? (y/N): ")
			response, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			response = strings.ToLower(strings.TrimSpace(response))
			if response != "y" && response != "yes" {
				cmd.Println("Rollback cancelled")
				return nil
			}
		}

		if _, err := store.Revert(id); err != nil {
			return fmt.Errorf("failed to roll back %s: %w", id, err)
		}
		cmd.Printf("Restored %s\n", displayName(c.Filename))
		return nil
	},
}

func init() {
	rollbackCmd.Flags().BoolVarP(&rollbackYes, "yes", "y", false, "skip the confirmation prompt")
	rootCmd.AddCommand(rollbackCmd)
}
