package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/alantheprice/commentgen/pkg/changetracker"
	"github.com/alantheprice/commentgen/pkg/configuration"
	"github.com/alantheprice/commentgen/pkg/events"
	"github.com/alantheprice/commentgen/pkg/filediscovery"
	"github.com/alantheprice/commentgen/pkg/session"
	"github.com/alantheprice/commentgen/pkg/utils"
	"github.com/alantheprice/commentgen/pkg/watch"
)

var watchInitial bool

var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Process trigger comments as files are saved",
	Long: `Watches a directory tree. When a tracked file is saved, its trigger comments
are processed once the file has been quiet for the configured debounce, and the
generated code is written back to the file. Ignore rules are honored.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		cfg := currentConfig()
		gen, err := newGenerator(cfg)
		if err != nil {
			return err
		}
		logger := utils.GetLogger()
		printer := newNoticePrinter(cmd.ErrOrStderr())

		bus := events.NewEventBus()
		progress := bus.Subscribe("watch")
		go printProgress(printer, progress)
		defer bus.Unsubscribe("watch")

		s, err := session.New(cfg, gen, printer, session.WithLogger(logger), session.WithEventBus(bus))
		if err != nil {
			return err
		}
		defer s.Close()

		opts := []watch.Option{
			watch.WithDebounce(cfg.Debounce()),
			watch.WithJournal(changetracker.NewStore(filepath.Join(workspaceDir, configuration.ConfigDirName))),
			watch.WithLogger(logger),
		}
		if watchInitial {
			opts = append(opts, watch.WithInitialScan())
		}
		fd := filediscovery.NewFileDiscovery(filediscovery.DiscoveryOptions{}, logger)
		w, err := watch.New(dir, s, fd, opts...)
		if err != nil {
			return err
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()
		if err := w.Start(ctx); err != nil {
			return err
		}
		printer.printf("watching %d files under %s with %s (Ctrl-C to stop)\n", len(w.Tracked()), dir, gen.Name())
		<-ctx.Done()
		w.Stop()

		st := w.Stats()
		printer.printf("stopped: %d saves seen, %d write-backs\n", st.FilesModified, st.WriteBacks)
		return nil
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchInitial, "initial", false, "process every tracked file once at start")
	rootCmd.AddCommand(watchCmd)
}

// printProgress reports each generation as it starts; completion is already
// covered by the session's notice.
func printProgress(p *noticePrinter, ch <-chan events.Event) {
	for ev := range ch {
		if ev.Type != events.EventTypeGenerationStarted {
			continue
		}
		if data, ok := ev.Data.(map[string]any); ok {
			line, _ := data["line"].(int)
			p.printf("%v:%d: generating %q\n", data["buffer"], line+1, data["prompt"])
		}
	}
}
