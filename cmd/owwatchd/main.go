package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/your-org/owwatchd/internal/config"
	"github.com/your-org/owwatchd/internal/daemon"
	"github.com/your-org/owwatchd/internal/notify"
)

const version = "1.0.0"

var (
	flagConfig      string
	flagDirs        []string
	flagServer      string
	flagPort        int
	flagTCP         bool
	flagLogFile     string
	flagArchiveDir  string
	flagMetricsAddr string
	flagDebug       bool
)

var rootCmd = &cobra.Command{
	Use:   "owwatchd",
	Short: "Alert on world-writable files appearing in watched directories",
	Long: `owwatchd watches directory trees through inotify and reports every file
or directory that appears with world-writable permissions to a syslog
collector. It is a tripwire for vulnerability research on shared
systems: anything any user can modify is worth a look.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and exit",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, missing, err := mergedConfig()
		if err != nil {
			return err
		}
		if missing {
			fmt.Fprintf(os.Stderr, "config file %s not found, checking defaults and flags\n", flagConfig)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
		if _, err := notify.NewSyslog(cfg.Syslog, quiet); err != nil {
			return err
		}
		fmt.Println("configuration ok")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print owwatchd version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println("owwatchd " + version)
	},
}

func init() {
	// Assigned here rather than in the literal: run reaches rootCmd's
	// flags through mergedConfig, which would otherwise be an
	// initialization cycle.
	rootCmd.RunE = run

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", config.DefaultPath(), "path to YAML configuration file")
	pf.StringSliceVarP(&flagDirs, "dirs", "d", nil, "directories to watch (comma separated)")
	pf.StringVarP(&flagServer, "syslog-server", "s", "", "syslog collector host")
	pf.IntVarP(&flagPort, "syslog-port", "p", 0, "syslog collector port")
	pf.BoolVarP(&flagTCP, "tcp", "t", false, "use TCP instead of UDP for syslog delivery")
	pf.StringVarP(&flagLogFile, "log-file", "l", "", "write logs to this file in addition to stderr")
	pf.StringVar(&flagArchiveDir, "archive-dir", "", "copy alerted files into this directory")
	pf.StringVar(&flagMetricsAddr, "metrics-addr", "", "serve /healthz, /api/status and /metrics on this address")
	pf.BoolVar(&flagDebug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	cfg, missing, err := mergedConfig()
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	if missing {
		logger.Warn("config file not found, using defaults and flags", "path", flagConfig)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("owwatchd starting", "version", version)

	runErr := d.Run(ctx)
	if cerr := d.Close(); cerr != nil {
		logger.Warn("shutdown cleanup", "err", cerr)
	}
	if runErr != nil {
		return runErr
	}
	logger.Info("owwatchd stopped")
	return nil
}

// mergedConfig loads the config file and lays changed flags over it.
// A missing file is only an error when --config was given explicitly;
// the default path being absent just means defaults.
func mergedConfig() (*config.Config, bool, error) {
	explicit := rootCmd.PersistentFlags().Changed("config")
	cfg, err := config.Load(flagConfig)
	missing := false
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		cfg = config.Default()
		missing = true
	default:
		return nil, false, err
	}
	return applyFlags(cfg), missing, nil
}

func applyFlags(cfg *config.Config) *config.Config {
	pf := rootCmd.PersistentFlags()
	if pf.Changed("dirs") {
		cfg.Dirs = flagDirs
	}
	if pf.Changed("syslog-server") {
		cfg.Syslog.Server = flagServer
	}
	if pf.Changed("syslog-port") {
		cfg.Syslog.Port = flagPort
	}
	if pf.Changed("tcp") {
		if flagTCP {
			cfg.Syslog.Protocol = "tcp"
		} else {
			cfg.Syslog.Protocol = "udp"
		}
	}
	if pf.Changed("log-file") {
		cfg.LogFile = flagLogFile
	}
	if pf.Changed("archive-dir") {
		cfg.Archive.Dir = flagArchiveDir
	}
	if pf.Changed("metrics-addr") {
		cfg.MetricsAddr = flagMetricsAddr
	}
	if pf.Changed("debug") {
		cfg.Debug = flagDebug
	}
	return cfg
}

func newLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	var w io.Writer = os.Stderr
	closeLog := func() {}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closeLog = func() { f.Close() }
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeLog, nil
}
