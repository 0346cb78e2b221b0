package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/alantheprice/commentgen/pkg/hostbridge"
	"github.com/alantheprice/commentgen/pkg/utils"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the host-editor bridge",
	Long: `Runs a session for a host editor. By default the protocol is spoken over
stdin and stdout, one JSON object per line, which is how editor plugins spawn
commentgen. With --listen a websocket server is started instead; each
connection at /ws gets its own session.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := currentConfig()
		gen, err := newGenerator(cfg)
		if err != nil {
			return err
		}
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		logger := utils.GetLogger()
		factory := sessionFactory(cfg, gen)
		if serveListen != "" {
			cmd.PrintErrf("commentgen: websocket bridge on ws://%s/ws (%s)\n", serveListen, gen.Name())
			return hostbridge.NewServer(factory, logger).ListenAndServe(ctx, serveListen)
		}
		return hostbridge.ServeStdio(ctx, os.Stdin, os.Stdout, factory, logger)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "serve websocket on this address (e.g. 127.0.0.1:7777) instead of stdio")
	rootCmd.AddCommand(serveCmd)
}
