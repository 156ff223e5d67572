package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/neutrinoguy/timeprobe/internal/config"
	"github.com/neutrinoguy/timeprobe/internal/logger"
	"github.com/neutrinoguy/timeprobe/internal/metrics"
	"github.com/neutrinoguy/timeprobe/internal/ntp"
	"github.com/neutrinoguy/timeprobe/internal/session"
	"github.com/neutrinoguy/timeprobe/internal/tui"
)

var (
	watchHeadless bool
	watchMetrics  string
)

var watchCmd = &cobra.Command{
	Use:   "watch [server]",
	Short: "Poll continuously and show the dashboard",
	Long: `Poll the servers every client.poll_interval. Without --headless a
terminal dashboard is shown; with it, results are logged to stderr.

Examples:
  timeprobe watch
  timeprobe watch --headless --metrics 127.0.0.1:9123`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		applyClientFlags(cmd, appCfg, args)
		if watchMetrics != "" {
			appCfg.Metrics.Enabled = true
			appCfg.Metrics.Listen = watchMetrics
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runWatch(ctx, appCfg, dataDir, watchHeadless, cmd.OutOrStdout())
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchHeadless, "headless", false, "log results instead of showing the dashboard")
	watchCmd.Flags().StringVar(&watchMetrics, "metrics", "", "serve Prometheus metrics on this address")
	watchCmd.Flags().IntVarP(&querySamples, "samples", "n", 0, "samples per server (default from config)")
	watchCmd.Flags().DurationVarP(&queryTimeout, "timeout", "t", 0, "per-datagram timeout (default from config)")
}

func runWatch(ctx context.Context, cfg *config.Config, dir string, headless bool, out io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := logger.GetLogger()

	rec := session.NewRecorder(filepath.Join(dir, config.SessionDirName))
	if cfg.Session.Record {
		if err := rec.Start("watch"); err != nil {
			return err
		}
		defer func() {
			if sess, err := rec.Stop(); err == nil {
				fmt.Fprintf(out, "Session saved as %s (%d exchanges)\n", sess.ID, len(sess.Events))
			}
		}()
	}

	opts := []ntp.Option{ntp.WithRecorder(rec)}
	if cfg.Metrics.Enabled {
		collector := metrics.New()
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, collector)
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Stop(context.Background())
		opts = append(opts, ntp.WithMetrics(collector))
	}

	poller := ntp.NewPoller(cfg, opts...)

	if headless {
		poller.Start()
		defer poller.Stop()
		fmt.Fprintln(out, "Polling, press Ctrl+C to stop...")
		<-ctx.Done()
		return nil
	}

	// The dashboard owns the terminal; keep log lines off it.
	log.SetOutput(io.Discard)
	defer log.SetOutput(os.Stderr)

	app := tui.NewApp(cfg, poller, rec, dir)
	poller.Start()
	defer poller.Stop()
	return app.Run()
}
