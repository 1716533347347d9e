package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	config "github.com/cochaviz/preview/config"
	"github.com/cochaviz/preview/internal/logging"
	"github.com/cochaviz/preview/internal/setup"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "cli"
)

// logState is shared between the root command and its subcommands so the
// logger can be reconfigured once flags are parsed.
type logState struct {
	level  slog.LevelVar
	logger *slog.Logger
}

func main() {
	state := &logState{}
	state.level.Set(slog.LevelInfo)
	state.logger = logging.NewCLI(os.Stderr, &state.level)
	slog.SetDefault(state.logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(state)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			state.logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		state.logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(state *logState) *cobra.Command {
	var (
		logLevel  string
		logFormat string
	)

	root := &cobra.Command{
		Use:           "preview",
		Short:         "Install, start and preview a JavaScript project's dev server",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", defaultLogFormat, "Set log format (cli, json)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		mode, err := logging.ParseMode(logFormat)
		if err != nil {
			return err
		}
		state.level.Set(level)
		if mode != logging.ModeCLI {
			state.logger = logging.New(mode, os.Stderr, &state.level)
			slog.SetDefault(state.logger)
		}
		setup.SetLogger(state.logger.With("component", "setup"))
		return nil
	}

	root.AddCommand(
		newRunCommand(state),
		newCheckCommand(state),
	)
	return root
}

func newRunCommand(state *logState) *cobra.Command {
	var (
		configPath     string
		listen         string
		readyTimeout   time.Duration
		installTimeout time.Duration
		strictInstall  bool
		usePTY         bool
	)

	cmd := &cobra.Command{
		Use:   "run [project-dir]",
		Args:  cobra.MaximumNArgs(1),
		Short: "Install dependencies, start the dev server and present it once ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.LoadSettings(configPath)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				settings.ProjectDir = strings.TrimSpace(args[0])
			}
			if err := applyRunFlags(cmd, &settings, listen, readyTimeout, installTimeout, strictInstall, usePTY); err != nil {
				return err
			}
			if err := applyLogSettings(cmd, state, settings); err != nil {
				return err
			}

			cmdLogger := state.logger.With("command", "run", "project_dir", settings.ProjectDir)
			cmdLogger.Info("starting preview; press Ctrl+C to stop")

			if err := config.RunPreview(cmd.Context(), settings, cmd.OutOrStdout(), cmdLogger); err != nil {
				cmdLogger.Error("preview failed", "error", err)
				return err
			}

			cmdLogger.Info("preview stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML settings file")
	cmd.Flags().StringVar(&listen, "listen", config.DefaultListenAddress, "Address for the preview web view; empty disables it")
	cmd.Flags().DurationVar(&readyTimeout, "ready-timeout", 0, "Fail when the dev server is not ready within this duration (0 waits forever)")
	cmd.Flags().DurationVar(&installTimeout, "install-timeout", 0, "Fail when dependency installation takes longer than this duration (0 waits forever)")
	cmd.Flags().BoolVar(&strictInstall, "strict-install", false, "Treat a failing dependency install as fatal")
	cmd.Flags().BoolVar(&usePTY, "pty", false, "Run commands attached to a pseudo terminal")

	return cmd
}

// applyRunFlags overlays the flags the user actually set onto settings.
func applyRunFlags(cmd *cobra.Command, settings *config.Settings, listen string, readyTimeout, installTimeout time.Duration, strictInstall, usePTY bool) error {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		settings.Listen = strings.TrimSpace(listen)
	}
	if flags.Changed("ready-timeout") {
		settings.ReadyTimeout = readyTimeout
	}
	if flags.Changed("install-timeout") {
		settings.InstallTimeout = installTimeout
	}
	if flags.Changed("strict-install") {
		settings.StrictInstall = strictInstall
	}
	if flags.Changed("pty") {
		settings.UsePTY = usePTY
	}
	return settings.Validate()
}

// applyLogSettings honours log settings from the file or environment unless
// the corresponding flag was given explicitly.
func applyLogSettings(cmd *cobra.Command, state *logState, settings config.Settings) error {
	flags := cmd.Flags()
	if !flags.Changed("log-level") {
		level, err := logging.ParseLevel(settings.LogLevel)
		if err != nil {
			return err
		}
		state.level.Set(level)
	}
	if !flags.Changed("log-format") {
		mode, err := logging.ParseMode(settings.LogFormat)
		if err != nil {
			return err
		}
		if mode != logging.ModeCLI {
			state.logger = logging.New(mode, os.Stderr, &state.level)
			slog.SetDefault(state.logger)
			setup.SetLogger(state.logger.With("component", "setup"))
		}
	}
	return nil
}

func newCheckCommand(state *logState) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check [project-dir]",
		Args:  cobra.MaximumNArgs(1),
		Short: "Verify that a project directory can be bootstrapped",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.LoadSettings(configPath)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				settings.ProjectDir = strings.TrimSpace(args[0])
			}

			if err := applyLogSettings(cmd, state, settings); err != nil {
				return err
			}

			cmdLogger := state.logger.With("command", "check")
			if err := config.Check(settings, cmdLogger); err != nil {
				cmdLogger.Error("project verification failed", "error", err)
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML settings file")

	return cmd
}
