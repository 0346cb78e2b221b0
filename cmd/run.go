package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alantheprice/commentgen/pkg/buffer"
	"github.com/alantheprice/commentgen/pkg/changetracker"
	"github.com/alantheprice/commentgen/pkg/configuration"
	"github.com/alantheprice/commentgen/pkg/filediscovery"
	"github.com/alantheprice/commentgen/pkg/gateway"
	"github.com/alantheprice/commentgen/pkg/session"
	"github.com/alantheprice/commentgen/pkg/utils"
)

type runOptions struct {
	Force     bool
	DryRun    bool
	Jobs      int
	NoJournal bool
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run [paths...]",
	Short: "Process trigger comments in files once",
	Long: `Loads each file into a buffer, processes every trigger comment top to
bottom and writes the result back. Directories are walked honoring .gitignore
and .commentgen/.ignore.

Comments that already have code beneath them are skipped unless --force is
given, in which case that code is regenerated in place. With --dry-run nothing
is written; a diff of what would change is printed instead.

Each file gets its own session, so at most --jobs generation processes run at
once.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := currentConfig()
		gen, err := newGenerator(cfg)
		if err != nil {
			return err
		}
		fd := filediscovery.NewFileDiscovery(filediscovery.DiscoveryOptions{}, utils.GetLogger())
		files, err := fd.Expand(args)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			cmd.Println("No files to process.")
			return nil
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		var store *changetracker.Store
		if !runOpts.NoJournal && !runOpts.DryRun {
			store = changetracker.NewStore(filepath.Join(workspaceDir, configuration.ConfigDirName))
		}
		printer := newNoticePrinter(cmd.ErrOrStderr())
		results, err := runFiles(ctx, cfg, gen, files, runOpts, cmd.OutOrStdout(), printer, store)
		if err != nil {
			return err
		}

		var comments, changed int
		for _, r := range results {
			comments += r.Comments
			if r.Changed {
				changed++
			}
		}
		verb := "updated"
		if runOpts.DryRun {
			verb = "would update"
		}
		printer.printf("%d trigger comments in %d files, %s %d files\n", comments, len(files), verb, changed)
		if n := printer.errors.Load(); n > 0 {
			return fmt.Errorf("%d comments failed", n)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVarP(&runOpts.Force, "force", "f", false, "regenerate comments that already have code beneath them")
	runCmd.Flags().BoolVar(&runOpts.DryRun, "dry-run", false, "print a diff instead of writing files")
	runCmd.Flags().IntVarP(&runOpts.Jobs, "jobs", "j", 1, "files processed concurrently")
	runCmd.Flags().BoolVar(&runOpts.NoJournal, "no-journal", false, "do not record changes for rollback")
	rootCmd.AddCommand(runCmd)
}

type fileResult struct {
	Path     string
	Comments int
	Changed  bool
	ChangeID string
}

// runFiles processes files with at most opts.Jobs sessions alive at once.
func runFiles(ctx context.Context, cfg *configuration.Config, gen gateway.Generator, files []string, opts runOptions,
	out io.Writer, printer *noticePrinter, store *changetracker.Store) ([]fileResult, error) {
	results := make([]fileResult, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, opts.Jobs))
	for i, path := range files {
		g.Go(func() error {
			r, err := processFile(ctx, cfg, gen, path, opts, out, printer, store)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			results[i] = r
			return nil
		})
	}
	return results, g.Wait()
}

func processFile(ctx context.Context, cfg *configuration.Config, gen gateway.Generator, path string, opts runOptions,
	out io.Writer, printer *noticePrinter, store *changetracker.Store) (fileResult, error) {
	res := fileResult{Path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		return res, err
	}
	original := string(data)
	name := displayName(path)

	s, err := session.New(cfg, gen, printer.forFile(name), session.WithLogger(utils.GetLogger()))
	if err != nil {
		return res, err
	}
	defer s.Close()

	b := buffer.FromText(buffer.ID(path), path, filediscovery.LanguageFor(path), original)
	s.OpenBuffer(b)
	res.Comments, err = s.ProcessAll(b.ID(), opts.Force)
	if err != nil || res.Comments == 0 {
		return res, err
	}
	if err := s.Wait(ctx); err != nil {
		return res, err
	}

	lines := b.Lines(0, -1)
	if slices.Equal(lines, buffer.SplitText(original)) {
		return res, nil
	}
	res.Changed = true
	updated := renderLike(original, lines)

	if opts.DryRun {
		printer.mu.Lock()
		changetracker.PrintDiff(out, name, original, updated, colorEnabled(out))
		printer.mu.Unlock()
		return res, nil
	}

	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(path, []byte(updated), mode); err != nil {
		return res, err
	}
	if store != nil {
		if res.ChangeID, err = store.Record(path, original, updated, res.Comments); err != nil {
			utils.GetLogger().Logf("run: could not journal %s: %v", path, err)
		}
	}
	return res, nil
}

// renderLike joins lines using the line ending and final-newline convention
// of original.
func renderLike(original string, lines []string) string {
	sep := "\n"
	if strings.Contains(original, "\r\n") {
		sep = "\r\n"
	}
	text := strings.Join(lines, sep)
	if len(lines) > 0 && (original == "" || strings.HasSuffix(original, "\n")) {
		text += sep
	}
	return text
}

func displayName(path string) string {
	if wd, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(wd, path); err == nil && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	return path
}
