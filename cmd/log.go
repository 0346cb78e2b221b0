package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/alantheprice/commentgen/pkg/changetracker"
	"github.com/alantheprice/commentgen/pkg/configuration"
	"github.com/alantheprice/commentgen/pkg/utils"
)

var (
	rawLog   bool // Flag to indicate if raw verbose log should be displayed
	showDiff bool
	logLimit int
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show changes written to files",
	Long: `Lists the file changes recorded by run and watch, most recent first. Use
rollback with a change id to restore a file. Use --raw-log to view the tail of
the internal log file instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if rawLog {
			return displayVerboseLog(cmd.OutOrStdout(), logLimit)
		}
		store := changetracker.NewStore(filepath.Join(workspaceDir, configuration.ConfigDirName))
		return printRevisionHistory(cmd.OutOrStdout(), store, logLimit, showDiff)
	},
}

func init() {
	logCmd.Flags().BoolVar(&rawLog, "raw-log", false, "display the tail of the internal log file")
	logCmd.Flags().BoolVar(&showDiff, "diff", false, "print the diff of every change")
	logCmd.Flags().IntVarP(&logLimit, "number", "n", 20, "entries (or log lines with --raw-log) to show")
	rootCmd.AddCommand(logCmd)
}

func printRevisionHistory(w io.Writer, store *changetracker.Store, limit int, diff bool) error {
	changes, err := store.List()
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		fmt.Fprintln(w, "No changes recorded.")
		return nil
	}
	if limit > 0 && len(changes) > limit {
		changes = changes[:limit]
	}
	color := colorEnabled(w)
	for _, c := range changes {
		status := c.Status
		if color && status != "active" {
			status = changetracker.YellowColor + status + changetracker.ResetColor
		}
		fmt.Fprintf(w, "%s  %s  %s  +%d -%d  %d comments  %s\n",
			c.ID, c.Timestamp.Format(time.RFC3339), displayName(c.Filename), c.Added, c.Removed, c.Comments, status)
		if diff {
			changetracker.PrintDiff(w, displayName(c.Filename), c.OriginalCode, c.NewCode, color)
			fmt.Fprintln(w, strings.Repeat("-", 80))
		}
	}
	return nil
}

// displayVerboseLog prints the last limit lines of the workspace log.
func displayVerboseLog(w io.Writer, limit int) error {
	logFilePath := currentConfig().Logging.File
	if logFilePath == "" {
		logFilePath = utils.DefaultLogFile
	}
	if !filepath.IsAbs(logFilePath) {
		logFilePath = filepath.Join(workspaceDir, logFilePath)
	}
	file, err := os.Open(logFilePath)
	if os.IsNotExist(err) {
		fmt.Fprintf(w, "Log file not found at %s. No log entries yet.\n", logFilePath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logFilePath, err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if limit > 0 && len(lines) > limit {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
	return nil
}
