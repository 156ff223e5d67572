package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/neutrinoguy/timeprobe/internal/config"
	"github.com/neutrinoguy/timeprobe/internal/responder"
)

var (
	serveListen  string
	serveSkew    time.Duration
	serveStratum int
	serveKiss    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local NTP responder",
	Long: `Answer client requests with the local clock, shifted by --skew, so
clients can be tested against a known offset. --kiss makes every reply a
Kiss-of-Death packet with the given code.

Examples:
  timeprobe serve --listen 127.0.0.1:1123 --skew 2s
  timeprobe serve --kiss RATE`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		flags := cmd.Flags()
		if flags.Changed("listen") {
			appCfg.Responder.Listen = serveListen
		}
		if flags.Changed("skew") {
			appCfg.Responder.Skew = serveSkew
		}
		if flags.Changed("stratum") {
			appCfg.Responder.Stratum = serveStratum
		}
		if flags.Changed("kiss") {
			appCfg.Responder.KissCode = serveKiss
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, appCfg, cmd.OutOrStdout())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (default from config)")
	serveCmd.Flags().DurationVar(&serveSkew, "skew", 0, "offset added to the reported time")
	serveCmd.Flags().IntVar(&serveStratum, "stratum", 1, "stratum to report")
	serveCmd.Flags().StringVar(&serveKiss, "kiss", "", "reply with this Kiss-of-Death code")
}

// runServe runs the responder until ctx is done.
func runServe(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	r := responder.New(cfg.Responder)
	if err := r.Start(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Responder listening on %s, press Ctrl+C to stop...\n", r.Addr())

	<-ctx.Done()

	st := r.Stats()
	if err := r.Stop(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Answered %d of %d requests (%d ignored, %d errors)\n",
		st.Responses, st.Requests, st.Ignored, st.Errors)
	return nil
}
