package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/alantheprice/commentgen/pkg/buffer"
	"github.com/alantheprice/commentgen/pkg/filediscovery"
	"github.com/alantheprice/commentgen/pkg/trigger"
	"github.com/alantheprice/commentgen/pkg/utils"
)

var scanJSON bool

// scanEntry is one trigger comment found by scan. Line is 1-based.
type scanEntry struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Style  string `json:"style"`
	Prompt string `json:"prompt"`
}

var scanCmd = &cobra.Command{
	Use:   "scan [paths...]",
	Short: "List trigger comments",
	Long:  `Lists every trigger comment under the given files and directories without generating anything.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := trigger.New(currentConfig().Trigger)
		if err != nil {
			return utils.NewConfigError("trigger", err)
		}
		fd := filediscovery.NewFileDiscovery(filediscovery.DiscoveryOptions{}, utils.GetLogger())
		files, err := fd.Expand(args)
		if err != nil {
			return err
		}
		entries, err := scanFiles(g, files)
		if err != nil {
			return err
		}
		return printScan(cmd.OutOrStdout(), entries, scanJSON)
	},
}

func init() {
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "print one JSON object per comment")
	rootCmd.AddCommand(scanCmd)
}

func scanFiles(g *trigger.Grammar, files []string) ([]scanEntry, error) {
	var entries []scanEntry
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		for _, c := range g.Scan(buffer.SplitText(string(data))) {
			entries = append(entries, scanEntry{
				File:   displayName(path),
				Line:   c.Line + 1,
				Style:  c.Style,
				Prompt: c.Prompt,
			})
		}
	}
	return entries, nil
}

func printScan(w io.Writer, entries []scanEntry, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s:%d: [%s] %s\n", e.File, e.Line, e.Style, e.Prompt)
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No trigger comments found.")
	}
	return nil
}
