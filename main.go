package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mil-ad/r2d2ctl/internal/bridge"
	"github.com/mil-ad/r2d2ctl/internal/config"
	"github.com/mil-ad/r2d2ctl/internal/robot"
)

// clientTimeout bounds a CLI call to the daemon.
const clientTimeout = 90 * time.Second

var (
	configPath string
	verbose    bool
	directMode bool
)

var rootCmd = &cobra.Command{
	Use:   "r2d2ctl",
	Short: "Control a BLE robot and serve audio for it",
	Long: `r2d2ctl drives a Pico robot over Bluetooth Low Energy.

The daemon owns the single BLE session; the express, stream, status and
disconnect commands talk to it over a Unix socket. The bridge command runs
the HTTP service that converts remote audio into 8 kHz mono 8-bit WAV for
the robot to stream.

Moods: ` + moodList(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Own the robot session and accept commands",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runDaemon(ctx, cfg, logger)
	},
}

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Serve GET /play?url=... as robot-playable WAV",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv := bridge.NewServer(bridge.Config{
			UserAgent:      cfg.Bridge.UserAgent,
			FetchTimeout:   cfg.Bridge.FetchTimeout,
			MaxSourceBytes: cfg.Bridge.MaxSourceBytes,
		}, logger)
		return srv.ListenAndServe(ctx, cfg.Bridge.Addr)
	},
}

var expressCmd = &cobra.Command{
	Use:   "express <mood>",
	Short: "Make the robot express a mood (" + moodList() + ")",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mood, err := robot.ParseMood(args[0])
		if err != nil {
			return err
		}
		return sendCommand(cmd, IPCRequest{Command: cmdExpress, Mood: string(mood)},
			func(ctx context.Context, r *robot.Relay) (string, error) {
				return r.Express(ctx, string(mood))
			})
	},
}

var streamCmd = &cobra.Command{
	Use:     "stream",
	Aliases: []string{"stream_audio"},
	Short:   "Tell the robot to start streaming audio from the bridge",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommand(cmd, IPCRequest{Command: cmdStream},
			func(ctx context.Context, r *robot.Relay) (string, error) {
				return r.StreamAudio(ctx)
			})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the daemon's session state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := setup()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
		defer cancel()
		return runStatus(ctx, cmd.OutOrStdout(), cfg.Daemon.Socket)
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Ask the daemon to release the BLE session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := setup()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
		defer cancel()
		return runCommand(ctx, cmd.OutOrStdout(), cfg.Daemon.Socket, IPCRequest{Command: cmdDisconnect})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+config.Path()+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	for _, c := range []*cobra.Command{expressCmd, streamCmd} {
		c.Flags().BoolVar(&directMode, "direct", false, "connect directly instead of through the daemon")
	}

	rootCmd.AddCommand(daemonCmd, bridgeCmd, expressCmd, streamCmd, statusCmd, disconnectCmd)
}

func sendCommand(cmd *cobra.Command, req IPCRequest, send func(context.Context, *robot.Relay) (string, error)) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
	defer cancel()

	if directMode {
		return runDirect(ctx, cmd.OutOrStdout(), cfg, logger, send)
	}
	return runCommand(ctx, cmd.OutOrStdout(), cfg.Daemon.Socket, req)
}

func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	logger := newLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func moodList() string {
	names := make([]string, 0, 4)
	for _, m := range robot.Moods() {
		names = append(names, string(m))
	}
	return strings.Join(names, ", ")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
