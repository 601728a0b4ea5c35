package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/TONresistor/tonnet-tunnel/internal/provider"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

var (
	storePath   string
	redisAddr   string
	redisDB     int
	redisPrefix string
	profileName string
	timeout     time.Duration
	secret      string
	logLevel    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "tunnelctl",
	Short:         "Control a tonnet tunnel",
	Long:          "Client for tonnet tunnel servers. Manages tunnel profiles and drives a tunnel connection.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active tunnel profile",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable the tunnel profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSetEnabled(cmd, true)
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable the tunnel profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSetEnabled(cmd, false)
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Start the tunnel and follow its state until SIGINT or SIGTERM",
	Args:  cobra.NoArgs,
	RunE:  runConnect,
}

var sendCmd = &cobra.Command{
	Use:   "send [payload]",
	Short: "Connect, send one provider message and print the reply",
	Args:  cobra.ExactArgs(1),
	RunE:  runSend,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "profile file (default ~/.tonnet-tunnel/profiles.json)")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", "", "keep profiles in redis at this address instead of a file")
	rootCmd.PersistentFlags().IntVar(&redisDB, "redis-db", 0, "redis database")
	rootCmd.PersistentFlags().StringVar(&redisPrefix, "redis-prefix", "tonnet-tunnel:", "redis key prefix")
	rootCmd.PersistentFlags().StringVar(&profileName, "profile", "", "profile name (default: first stored profile)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", provider.DefaultTimeout, "provider reply and store timeout")
	rootCmd.PersistentFlags().StringVar(&secret, "secret", "", "shared secret for sealed frames")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug|info|warn|error")

	rootCmd.AddCommand(statusCmd, enableCmd, disableCmd, connectCmd, sendCmd)
}

func getStorePath() string {
	if storePath != "" {
		return storePath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".tonnet-tunnel", "profiles.json")
	}
	return filepath.Join(home, ".tonnet-tunnel", "profiles.json")
}

func createLogger() (*zap.Logger, error) {
	var cfg zap.Config

	switch logLevel {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch logLevel {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	return cfg.Build()
}
