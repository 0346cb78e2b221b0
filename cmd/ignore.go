package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alantheprice/commentgen/pkg/configuration"
)

var ignoreCmd = &cobra.Command{
	Use:   "ignore <pattern>",
	Short: "Add a pattern to .commentgen/.ignore",
	Long: `Adds a gitignore-style pattern to .commentgen/.ignore, which is used in
addition to .gitignore when run, watch and scan walk directories.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ignoreFile := filepath.Join(workspaceDir, configuration.ConfigDirName, ".ignore")
		added, err := addIgnorePattern(ignoreFile, args[0])
		if err != nil {
			return err
		}
		if added {
			cmd.Printf("Added '%s' to %s\n", args[0], ignoreFile)
		} else {
			cmd.Printf("'%s' is already in %s\n", args[0], ignoreFile)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ignoreCmd)
}

// addIgnorePattern appends pattern unless the file already lists it.
func addIgnorePattern(ignoreFile, pattern string) (bool, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false, fmt.Errorf("empty pattern")
	}
	if err := os.MkdirAll(filepath.Dir(ignoreFile), 0755); err != nil {
		return false, fmt.Errorf("failed to create %s: %w", filepath.Dir(ignoreFile), err)
	}
	existing, err := os.ReadFile(ignoreFile)
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}
	for _, l := range strings.Split(string(existing), "\n") {
		if strings.TrimSpace(l) == pattern {
			return false, nil
		}
	}
	f, err := os.OpenFile(ignoreFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return false, err
	}
	defer f.Close()
	prefix := ""
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		prefix = "\n"
	}
	_, err = f.WriteString(prefix + pattern + "\n")
	return err == nil, err
}
