// timeprobe - NTP clock offset probe
// Queries NTP servers, measures clock offset and round-trip delay, and
// serves a local responder for testing clients.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/neutrinoguy/timeprobe/internal/config"
	"github.com/neutrinoguy/timeprobe/internal/logger"
)

const (
	AppName    = "timeprobe"
	AppVersion = "1.0.0"
	AppDesc    = "NTP clock offset and delay probe"
)

var (
	// Global flags
	configPath string
	logLevel   string

	// Loaded by the root pre-run hook
	appCfg  *config.Config
	dataDir string
)

var rootCmd = &cobra.Command{
	Use:   AppName,
	Short: AppName + " - " + AppDesc,
	Long: `timeprobe sends SNTP client requests to NTP servers and computes the
local clock offset and round-trip delay from the four exchange timestamps.

Servers are tried in priority order; each poll takes several samples and
keeps the one with the lowest delay.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file path (default ./"+config.DataDirName+"/"+config.ConfigFileName+")")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "",
		"log level override (debug, info, warn, error)")

	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(compareCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	if cmd == versionCmd {
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = strings.ToLower(logLevel)
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	if configPath != "" {
		dataDir = filepath.Dir(configPath)
	} else if dataDir, err = config.EnsureDataDir(); err != nil {
		return err
	}

	log := logger.GetLogger()
	log.SetOutput(os.Stderr)
	if err := log.Initialize(cfg); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	log.Debugf(logger.CategorySystem, "%s v%s on %s, data directory %s", AppName, AppVersion, config.GetOSInfo(), dataDir)

	appCfg = cfg
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n%s\n", AppName, AppVersion, AppDesc)
	},
}

func main() {
	err := rootCmd.Execute()
	logger.GetLogger().Close()
	if err != nil {
		os.Exit(1)
	}
}
