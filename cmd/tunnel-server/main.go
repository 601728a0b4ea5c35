package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/TONresistor/tonnet-tunnel/internal/server"
	"github.com/TONresistor/tonnet-tunnel/internal/tunnelerr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

const usage = "Usage: tunnel-server <port> <config-file>"

type options struct {
	logLevel    string
	logLevelSet bool
	metricsAddr string
	noAdvertise bool
	exitOnStop  bool
}

// serverOptions maps flags onto the bootstrap. The configuration file's
// log level applies unless --log-level was given.
func (o *options) serverOptions(level *zap.AtomicLevel) server.Options {
	so := server.Options{
		ExitOnStop:  o.exitOnStop,
		NoAdvertise: o.noAdvertise,
		MetricsAddr: o.metricsAddr,
	}
	if !o.logLevelSet {
		so.LogLevel = level
	}
	return so
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the server and returns the process exit code
func run(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	return tunnelerr.ExitCode(cmd.Execute())
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "tunnel-server <port> <config-file>",
		Short:         "Tonnet tunnel server",
		Long:          "Listens for tunnel clients on <port>, advertises the service on the local network and serves provider messages until SIGINT or SIGTERM.",
		Version:       version,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.logLevelSet = cmd.Flags().Changed("log-level")
			return serve(opts, args, stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		fmt.Fprintln(stderr, err)
		fmt.Fprintln(stdout, usage)
		return fmt.Errorf("%w: %v", tunnelerr.ErrUsage, err)
	})

	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&opts.noAdvertise, "no-advertise", false, "do not advertise the service on the local network")
	cmd.Flags().BoolVar(&opts.exitOnStop, "exit-on-stop", false, "exit once the listener stops instead of keeping the main loop running")
	return cmd
}

func serve(opts *options, args []string, stdout, stderr io.Writer) error {
	if len(args) != 2 {
		fmt.Fprintln(stdout, usage)
		return fmt.Errorf("%w: expected 2 arguments, got %d", tunnelerr.ErrUsage, len(args))
	}

	logger, level, err := createLogger(opts.logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "failed to create logger: %v\n", err)
		return err
	}
	defer logger.Sync()

	b := server.New(opts.serverOptions(&level), nil, logger)

	err = b.Run(context.Background(), args)
	switch {
	case err == nil:
	case errors.Is(err, tunnelerr.ErrConfig):
		fmt.Fprintf(stderr, "Invalid config file path: %s\n", args[1])
		logger.Debug("config load failed", zap.Error(err))
	case errors.Is(err, tunnelerr.ErrUsage):
		fmt.Fprintf(stderr, "Invalid port: %s\n", args[0])
	default:
		fmt.Fprintf(stderr, "tunnel-server: %v\n", err)
	}
	return err
}

func createLogger(level string) (*zap.Logger, zap.AtomicLevel, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	logger, err := cfg.Build()
	return logger, cfg.Level, err
}
