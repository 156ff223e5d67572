package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/neutrinoguy/timeprobe/internal/config"
	"github.com/neutrinoguy/timeprobe/internal/ntp"
	"github.com/neutrinoguy/timeprobe/internal/session"
)

var (
	querySamples int
	queryTimeout time.Duration
	queryRecord  bool
)

var queryCmd = &cobra.Command{
	Use:   "query [server]",
	Short: "Poll once and print the clock offset",
	Long: `Poll the configured servers once, or only the given server, and print
the selected sample.

Examples:
  timeprobe query
  timeprobe query time.cloudflare.com --samples 8
  timeprobe query 127.0.0.1:1123 --record`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		applyClientFlags(cmd, appCfg, args)
		if queryRecord {
			appCfg.Session.Record = true
		}
		return runQuery(cmd.Context(), appCfg, dataDir, cmd.OutOrStdout())
	},
}

func init() {
	queryCmd.Flags().IntVarP(&querySamples, "samples", "n", 0, "samples per server (default from config)")
	queryCmd.Flags().DurationVarP(&queryTimeout, "timeout", "t", 0, "per-datagram timeout (default from config)")
	queryCmd.Flags().BoolVar(&queryRecord, "record", false, "record the exchanges as a session")
}

// applyClientFlags overrides config values with the flags set on cmd.
func applyClientFlags(cmd *cobra.Command, cfg *config.Config, args []string) {
	if cmd.Flags().Changed("samples") {
		cfg.Client.Samples = querySamples
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Client.Timeout = queryTimeout
	}
	if len(args) == 1 {
		cfg.SetServers([]config.ServerConfig{{Address: args[0], Priority: 1, Enabled: true}})
	}
}

func runQuery(ctx context.Context, cfg *config.Config, dir string, out io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var opts []ntp.Option
	var rec *session.Recorder
	if cfg.Session.Record {
		rec = session.NewRecorder(filepath.Join(dir, config.SessionDirName))
		if err := rec.Start("query"); err != nil {
			return err
		}
		opts = append(opts, ntp.WithRecorder(rec))
	}

	poller := ntp.NewPoller(cfg, opts...)
	sample, err := poller.SyncNow(ctx)

	if rec != nil {
		sess, serr := rec.Stop()
		if serr != nil {
			return serr
		}
		fmt.Fprintf(out, "Session:   %s (%d exchanges)\n", sess.ID, len(sess.Events))
	}
	if err != nil {
		return err
	}

	printSample(out, sample)
	return nil
}

func printSample(out io.Writer, s ntp.Sample) {
	fmt.Fprintf(out, "Server:    %s\n", s.Server)
	fmt.Fprintf(out, "Stratum:   %d (%s)\n", s.Stratum, s.ReferenceID.Format(s.Stratum))
	fmt.Fprintf(out, "Offset:    %+.6fs\n", s.Offset)
	fmt.Fprintf(out, "Delay:     %.6fs\n", s.Delay)
	if s.NegativeDelay() {
		fmt.Fprintln(out, "Warning:   negative delay, sample is unreliable")
	}
	fmt.Fprintf(out, "Root dist: %.6fs\n", s.RootDistance())
	fmt.Fprintf(out, "Leap:      %s\n", s.Leap)
	fmt.Fprintf(out, "Time:      %s\n", s.T3.Time().Local().Format(time.RFC3339Nano))
}
