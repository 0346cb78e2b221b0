package configuration

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alantheprice/commentgen/pkg/activation"
	"github.com/alantheprice/commentgen/pkg/utils"
)

const (
	ConfigDirName  = ".commentgen"
	ConfigFileName = "config.json"

	DefaultTrigger    = "@ai:"
	DefaultDebounceMs = 1500
	DefaultExecutable = "opencode"

	BackendCLI    = "cli"
	BackendOllama = "ollama"
)

// configNames are tried in order inside a config directory.
var configNames = []string{"config.json", "config.yaml", "config.yml"}

// Config is the application configuration.
type Config struct {
	// Trigger is the literal marker that turns a comment into a request.
	Trigger    string `json:"trigger" yaml:"trigger"`
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Policy     string `json:"policy" yaml:"policy"`
	DebounceMs int    `json:"debounce_ms" yaml:"debounce_ms"`
	Backend    string `json:"backend" yaml:"backend"`

	Command CommandConfig `json:"command" yaml:"command"`
	Ollama  OllamaConfig  `json:"ollama" yaml:"ollama"`
	Context ContextConfig `json:"context" yaml:"context"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// CommandConfig describes the external generation tool.
type CommandConfig struct {
	Executable    string   `json:"executable" yaml:"executable"`
	Subcommand    string   `json:"subcommand" yaml:"subcommand"`
	ModelFlag     string   `json:"model_flag" yaml:"model_flag"`
	Model         string   `json:"model" yaml:"model"`
	FallbackPaths []string `json:"fallback_paths,omitempty" yaml:"fallback_paths,omitempty"`
	TimeoutSec    int      `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`
}

// OllamaConfig selects a local Ollama model.
type OllamaConfig struct {
	Model string `json:"model" yaml:"model"`
	Host  string `json:"host,omitempty" yaml:"host,omitempty"`
}

// ContextConfig bounds the surrounding lines sent with a prompt.
type ContextConfig struct {
	Before int `json:"before" yaml:"before"`
	After  int `json:"after" yaml:"after"`
}

// LoggingConfig controls the log sink.
type LoggingConfig struct {
	File  string `json:"file,omitempty" yaml:"file,omitempty"`
	JSON  bool   `json:"json,omitempty" yaml:"json,omitempty"`
	Debug bool   `json:"debug,omitempty" yaml:"debug,omitempty"`
}

// NewConfig creates a new configuration with defaults
func NewConfig() *Config {
	return &Config{
		Trigger:    DefaultTrigger,
		Enabled:    true,
		Policy:     activation.NameManual,
		DebounceMs: DefaultDebounceMs,
		Backend:    BackendCLI,
		Command: CommandConfig{
			Executable: DefaultExecutable,
			Subcommand: "run",
			ModelFlag:  "--model",
		},
		Ollama: OllamaConfig{
			Model: "qwen2.5-coder:7b",
		},
		Context: ContextConfig{
			Before: 30,
			After:  10,
		},
		Logging: LoggingConfig{
			File: filepath.Join(ConfigDirName, "commentgen.log"),
		},
	}
}

// Debounce returns the automatic-trigger quiet period.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// CommandTimeout returns the per-call limit for the external tool; zero means none.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Command.TimeoutSec) * time.Second
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Trigger) == "" {
		errs = append(errs, utils.NewConfigError("trigger", errors.New("trigger marker cannot be empty")))
	}
	if !activation.Valid(c.Policy) {
		errs = append(errs, utils.NewConfigError("policy", fmt.Errorf("unknown policy %q", c.Policy)))
	}
	if c.DebounceMs < 0 {
		errs = append(errs, utils.NewConfigError("debounce_ms", errors.New("debounce cannot be negative")))
	}
	switch c.Backend {
	case BackendCLI:
		if strings.TrimSpace(c.Command.Executable) == "" {
			errs = append(errs, utils.NewConfigError("command.executable", errors.New("executable cannot be empty")))
		}
	case BackendOllama:
		if strings.TrimSpace(c.Ollama.Model) == "" {
			errs = append(errs, utils.NewConfigError("ollama.model", errors.New("model cannot be empty")))
		}
	default:
		errs = append(errs, utils.NewConfigError("backend", fmt.Errorf("unknown backend %q", c.Backend)))
	}
	if c.Context.Before < 0 || c.Context.After < 0 {
		errs = append(errs, utils.NewConfigError("context", errors.New("context window cannot be negative")))
	}
	if c.Command.TimeoutSec < 0 {
		errs = append(errs, utils.NewConfigError("command.timeout_sec", errors.New("timeout cannot be negative")))
	}
	return errors.Join(errs...)
}

// GetConfigDir returns the per-user configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ConfigDirName), nil
}

// Load builds the effective configuration: defaults, then the user's
// ~/.commentgen/config.*, then the workspace's .commentgen/config.*, then
// environment overrides.
func Load(workspace string) (*Config, error) {
	cfg := NewConfig()

	var dirs []string
	if home, err := GetConfigDir(); err == nil {
		dirs = append(dirs, home)
	}
	if workspace != "" {
		dirs = append(dirs, filepath.Join(workspace, ConfigDirName))
	}
	seen := make(map[string]bool)
	for _, dir := range dirs {
		abs, err := filepath.Abs(dir)
		if err == nil {
			if seen[abs] {
				continue
			}
			seen[abs] = true
		}
		if path := findConfigFile(dir); path != "" {
			if err := cfg.LoadFile(path); err != nil {
				return nil, err
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.Policy = activation.Normalize(cfg.Policy)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile(dir string) string {
	for _, name := range configNames {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// LoadFile overlays the values present in a JSON or YAML file onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return utils.NewConfigError(path, fmt.Errorf("failed to parse config file: %w", err))
	}
	return nil
}

// Save writes c to path, as YAML when the extension says so and JSON otherwise.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("COMMENTGEN_TRIGGER"); v != "" {
		c.Trigger = v
	}
	if v := os.Getenv("COMMENTGEN_POLICY"); v != "" {
		c.Policy = v
	}
	if v := os.Getenv("COMMENTGEN_COMMAND"); v != "" {
		c.Command.Executable = v
	}
	if v := os.Getenv("COMMENTGEN_MODEL"); v != "" {
		c.Command.Model = v
		c.Ollama.Model = v
	}
	if v := os.Getenv("COMMENTGEN_BACKEND"); v != "" {
		c.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("COMMENTGEN_DEBOUNCE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.DebounceMs = ms
		}
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" && c.Ollama.Host == "" {
		c.Ollama.Host = v
	}
}
