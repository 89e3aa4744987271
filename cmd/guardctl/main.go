package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"nameguard-service/internal/config"
	"nameguard-service/internal/factory"
	"nameguard-service/internal/service"
	"nameguard-service/internal/util"
)

var (
	logLevel string
	timeout  time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "guardctl",
	Short:         "Administer NameGuard identity bindings",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		util.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level for service components")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "deadline for each command")
}

// loadConfig reads the same environment and policy file as the server.
func loadConfig() *config.Config {
	cfg := config.LoadConfig()
	cfg.Logging.Level = logLevel
	// stdout carries command output such as exports.
	util.InitWithOutput(cfg.Environment, cfg.Logging.Level, "console", "stderr")
	return cfg
}

// withService builds the full dependency graph and hands the verification
// service to fn.
func withService(fn func(ctx context.Context, svc *service.VerificationService) error) error {
	f, err := factory.New(loadConfig(), util.Get())
	if err != nil {
		return fmt.Errorf("initializing: %w", err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return fn(ctx, f.ServiceFactory().VerificationService())
}

func exactArgs(n int, usage string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return fmt.Errorf("usage: guardctl %s", usage)
		}
		return nil
	}
}
