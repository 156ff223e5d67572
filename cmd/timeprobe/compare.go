package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/neutrinoguy/timeprobe/internal/config"
	"github.com/neutrinoguy/timeprobe/internal/ntp"
)

var compareCmd = &cobra.Command{
	Use:   "compare [server]",
	Short: "Compare our exchange with an independent NTP client",
	Long: `Run one exchange against the server and one query through the
beevik/ntp client, then print both offsets and their difference.
Without an argument the highest priority configured server is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server := ""
		if len(args) == 1 {
			server = args[0]
		} else if active := appCfg.ActiveServers(); len(active) > 0 {
			server = active[0].HostPort()
		}
		if server == "" {
			return ntp.ErrNoServers
		}
		return runCompare(cmd.Context(), appCfg, server, cmd.OutOrStdout())
	},
}

func runCompare(ctx context.Context, cfg *config.Config, server string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := ntp.Compare(ctx, server, cfg.Client.Timeout, nil)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Server:     %s\n", c.Server)
	fmt.Fprintf(out, "timeprobe:  offset %+v  delay %v  stratum %d\n",
		c.Ours.OffsetDuration(), c.Ours.DelayDuration(), c.Ours.Stratum)
	fmt.Fprintf(out, "beevik/ntp: offset %+v  delay %v  stratum %d\n",
		c.Reference.Offset, c.Reference.RTT, c.Reference.Stratum)
	fmt.Fprintf(out, "Difference: %v\n", c.OffsetDelta().Round(time.Microsecond))
	return nil
}
