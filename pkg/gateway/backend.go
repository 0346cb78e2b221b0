package gateway

import (
	"fmt"

	"github.com/alantheprice/commentgen/pkg/configuration"
)

// NewFromConfig builds the generator selected by cfg.Backend.
func NewFromConfig(cfg *configuration.Config) (Generator, error) {
	switch cfg.Backend {
	case configuration.BackendOllama:
		return NewOllamaGenerator(cfg.Ollama.Model, cfg.Ollama.Host)
	case configuration.BackendCLI, "":
		c := NewCLIGenerator(cfg.Command.Executable, cfg.Command.Model)
		if cfg.Command.Subcommand != "" {
			c.Subcommand = cfg.Command.Subcommand
		}
		if cfg.Command.ModelFlag != "" {
			c.ModelFlag = cfg.Command.ModelFlag
		}
		if len(cfg.Command.FallbackPaths) > 0 {
			c.FallbackDirs = append(append([]string(nil), cfg.Command.FallbackPaths...), DefaultFallbackDirs...)
		}
		c.Timeout = cfg.CommandTimeout()
		return c, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}
