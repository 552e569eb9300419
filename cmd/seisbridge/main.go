// Package main is the seisbridge command: the station connection dispatcher,
// the record storage consumers and their development tools.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/config"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/service"
)

// Build information, set with -ldflags.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "seisbridge"

// options holds the persistent flags.
type options struct {
	configPaths     []string
	logLevel        string
	logFormat       string
	shutdownTimeout time.Duration

	logger *slog.Logger
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("Command failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func version() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   appName,
		Short: "Route seismic stations to their data consumers and persist bus records",
		Long: `seisbridge runs two kinds of process:

  dispatcher  answers connecting stations with the address and port of
              their data consumer
  consume     persists one or more record kinds from the message bus into
              local storage, acknowledging only after a durable write`,
		Example: `  seisbridge dispatcher --config /etc/seisbridge/base.yaml --config site.yaml
  seisbridge consume --kind station-soh --kind system-message
  seisbridge validate --config site.yaml`,
		Version:       fmt.Sprintf("%s (%s) %s/%s", version(), BuildTime, runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := setupLogger(cmd.ErrOrStderr(), opts.logLevel, opts.logFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			opts.logger = logger
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringArrayVarP(&opts.configPaths, "config", "c", envList("SEISBRIDGE_CONFIG"),
		"Configuration file, repeat to layer files (env: SEISBRIDGE_CONFIG, comma separated)")
	flags.StringVar(&opts.logLevel, "log-level", envOr("SEISBRIDGE_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: SEISBRIDGE_LOG_LEVEL)")
	flags.StringVar(&opts.logFormat, "log-format", envOr("SEISBRIDGE_LOG_FORMAT", "json"),
		"Log format: json, text (env: SEISBRIDGE_LOG_FORMAT)")
	flags.DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 0,
		"Graceful shutdown timeout, overrides the configuration")

	root.AddCommand(
		newDispatcherCmd(opts),
		newConsumeCmd(opts),
		newPublishCmd(opts),
		newQueryCmd(opts),
		newStationsCmd(opts),
		newValidateCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig merges the configured layers over the defaults and validates
// the result.
func (o *options) loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range o.configPaths {
		loader.AddLayer(path)
	}
	loader.EnableValidation(true)
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if o.shutdownTimeout > 0 {
		cfg.ShutdownTimeout = config.Duration(o.shutdownTimeout)
	}
	return cfg, nil
}

// runServices runs the services built by build until SIGINT or SIGTERM.
// After the signal, services get the shutdown timeout to finish in-flight
// work.
func (o *options) runServices(
	parent context.Context,
	cfg *config.Config,
	build func(ctx context.Context, rt *service.Runtime) ([]service.Service, error),
) error {
	logger := o.logger
	logger.Info("Starting "+appName,
		"version", version(),
		"build_time", BuildTime,
		"config", o.configPaths,
		"instance", cfg.Instance())

	rt := service.NewRuntime(cfg, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), 5*time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.Warn("Close NATS connection", "error", err)
		}
	}()

	services, err := build(parent, rt)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- rt.Run(signalCtx, services...) }()

	select {
	case err := <-done:
		return err
	case <-signalCtx.Done():
		logger.Info("Received shutdown signal")
	}

	timeout := cfg.ShutdownTimeout.Std()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case err := <-done:
		logger.Info("Shutdown complete")
		return err
	case <-time.After(timeout):
		return errors.WrapFatal(errors.ErrShuttingDown, "main", "runServices",
			fmt.Sprintf("stop within %v", timeout))
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	return splitList(v)
}
