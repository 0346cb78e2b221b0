package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/alantheprice/commentgen/pkg/utils"
)

// DefaultFallbackDirs are searched, in order, when the executable is not on PATH.
// A leading "~" expands to the user's home directory.
var DefaultFallbackDirs = []string{
	"~/.opencode/bin",
	"~/.local/bin",
	"~/go/bin",
	"~/.npm-global/bin",
	"/usr/local/bin",
	"/opt/homebrew/bin",
}

// CLIGenerator runs an external command-line generation tool:
//
//	<executable> <subcommand> [<model flag> <model>] <prompt>
type CLIGenerator struct {
	Executable   string
	Subcommand   string
	ModelFlag    string
	Model        string
	FallbackDirs []string
	Timeout      time.Duration
	Env          []string

	lookPath func(string) (string, error)
}

// NewCLIGenerator returns a generator for executable with default fallbacks.
func NewCLIGenerator(executable, model string) *CLIGenerator {
	return &CLIGenerator{
		Executable:   executable,
		Subcommand:   "run",
		ModelFlag:    "--model",
		Model:        model,
		FallbackDirs: DefaultFallbackDirs,
	}
}

func (c *CLIGenerator) Name() string {
	return filepath.Base(c.Executable)
}

// Resolve locates the executable on PATH, then in the fallback directories.
func (c *CLIGenerator) Resolve() (string, error) {
	if c.Executable == "" {
		return "", utils.NewToolNotFoundError("", ErrToolNotFound)
	}
	lookPath := c.lookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if p, err := lookPath(c.Executable); err == nil {
		return p, nil
	}
	if filepath.IsAbs(c.Executable) || strings.ContainsRune(c.Executable, os.PathSeparator) {
		return "", utils.NewToolNotFoundError(c.Executable, ErrToolNotFound)
	}

	home, _ := os.UserHomeDir()
	for _, dir := range c.FallbackDirs {
		if strings.HasPrefix(dir, "~") {
			if home == "" {
				continue
			}
			dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
		}
		candidate := filepath.Join(dir, c.Executable)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", utils.NewToolNotFoundError(c.Executable, ErrToolNotFound)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}

// Args returns the argument list for prompt.
func (c *CLIGenerator) Args(prompt string) []string {
	var args []string
	if c.Subcommand != "" {
		args = append(args, c.Subcommand)
	}
	if c.Model != "" && c.ModelFlag != "" {
		args = append(args, c.ModelFlag, c.Model)
	}
	return append(args, prompt)
}

// Generate runs the tool and returns its stdout. stdout and stderr are
// captured separately; a non-zero exit or empty stdout is ErrNonZeroExit
// carrying stderr.
func (c *CLIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	path, err := c.Resolve()
	if err != nil {
		return "", err
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, path, c.Args(prompt)...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", utils.NewExecutionError(c.Name(), "generate",
				fmt.Errorf("%w: timed out after %s", ErrNonZeroExit, c.Timeout))
		}
		return "", ctx.Err()
	}
	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return "", utils.NewExecutionError(c.Name(), "generate",
				fmt.Errorf("%w (exit %d): %s", ErrNonZeroExit, exitErr.ExitCode(), msg))
		}
		return "", utils.NewExecutionError(c.Name(), "generate", fmt.Errorf("%w: %v", ErrNonZeroExit, runErr))
	}
	if strings.TrimSpace(stdout.String()) == "" {
		return "", utils.NewExecutionError(c.Name(), "generate",
			fmt.Errorf("%w: no output: %s", ErrNonZeroExit, strings.TrimSpace(stderr.String())))
	}
	return stdout.String(), nil
}
