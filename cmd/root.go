package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/alantheprice/commentgen/pkg/activation"
	"github.com/alantheprice/commentgen/pkg/configuration"
	"github.com/alantheprice/commentgen/pkg/utils"
)

var (
	workspaceDir string
	configFile   string
	debugLogs    bool

	// appConfig is loaded once by the root pre-run hook.
	appConfig *configuration.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "commentgen",
	Short: "Turn trigger comments into generated code",
	Long: `commentgen watches source buffers for trigger comments such as

    # @ai: add two numbers

and asks an external code-generation tool (or a local Ollama model) to write
the code the comment describes. Results are inserted below the comment, or
replace the code that is already there.

Available commands:
  serve    - Host-editor bridge over stdio or websocket
  run      - Process trigger comments in files once
  watch    - Process trigger comments as files are saved
  scan     - List trigger comments
  log      - Show changes written to files
  rollback - Revert a recorded change
  init     - Write a starter configuration
  ignore   - Add a pattern to .commentgen/.ignore`,
	SilenceUsage:      true,
	PersistentPreRunE: loadEnvironment,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspaceDir, "workspace", "w", ".", "workspace root holding .commentgen/")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: layered ~/.commentgen and workspace config)")
	rootCmd.PersistentFlags().BoolVar(&debugLogs, "debug", false, "write debug entries to the log")
	rootCmd.PersistentFlags().String("policy", "", "activation policy: manual, linear or nonlinear")
}

// loadEnvironment reads configuration and installs the workspace logger.
func loadEnvironment(cmd *cobra.Command, args []string) error {
	var err error
	if configFile != "" {
		appConfig = configuration.NewConfig()
		if err = appConfig.LoadFile(configFile); err == nil {
			err = appConfig.Validate()
		}
	} else {
		appConfig, err = configuration.Load(workspaceDir)
	}
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if p, _ := cmd.Flags().GetString("policy"); p != "" {
		if !activation.Valid(p) {
			return utils.NewConfigError("policy", fmt.Errorf("unknown policy %q", p))
		}
		appConfig.Policy = activation.Normalize(p)
	}
	if debugLogs {
		appConfig.Logging.Debug = true
	}

	logFile := appConfig.Logging.File
	if logFile == "" {
		logFile = utils.DefaultLogFile
	}
	if !filepath.IsAbs(logFile) {
		logFile = filepath.Join(workspaceDir, logFile)
	}
	utils.SetLogger(utils.NewLogger(utils.LoggerOptions{
		File:  logFile,
		JSON:  appConfig.Logging.JSON,
		Debug: appConfig.Logging.Debug,
	}))
	utils.GetLogger().Debugf("config: backend=%s policy=%s trigger=%q", appConfig.Backend, appConfig.Policy, appConfig.Trigger)
	return nil
}

// currentConfig returns the loaded configuration, or defaults when the pre-run hook
// was skipped.
func currentConfig() *configuration.Config {
	if appConfig == nil {
		return configuration.NewConfig()
	}
	return appConfig
}
