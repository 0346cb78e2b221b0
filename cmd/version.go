package cmd

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	// configuration is not needed to print a version
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		printVersionInfo(cmd.OutOrStdout())
	},
}

// versionInfo holds the build-time version information
var (
	// These variables are set at build time using -ldflags
	version   = "dev"     // Semantic version (e.g., "v1.0.0")
	buildDate = "unknown" // Build timestamp
	gitCommit = ""        // Git commit hash
	goVersion = runtime.Version()
)

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.Version = version
	rootCmd.SetVersionTemplate("commentgen version {{.Version}}\n")
}

// printVersionInfo prints comprehensive version information
func printVersionInfo(w io.Writer) {
	fmt.Fprintf(w, "commentgen version %s\n", version)

	if buildDate != "unknown" {
		fmt.Fprintf(w, "Build date: %s\n", buildDate)
	}
	if gitCommit != "" {
		fmt.Fprintf(w, "Git commit: %s\n", gitCommit)
	}
	fmt.Fprintf(w, "Go version: %s\n", goVersion)

	if info, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(w, "Module: %s\n", info.Main.Path)
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			fmt.Fprintf(w, "Module version: %s\n", info.Main.Version)
		}
	}
	fmt.Fprintf(w, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
