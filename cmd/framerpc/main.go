package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"frame-rpc/config"
	"frame-rpc/logging"
	"frame-rpc/registry"
)

var configFlag string

func main() {
	rootCmd := &cobra.Command{
		Use:           "framerpc",
		Short:         "Length-prefixed JSON RPC renderer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "TOML config file (defaults apply when empty)")

	rootCmd.AddCommand(
		serveCmd(),
		callCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "framerpc:", err)
		os.Exit(1)
	}
}

// loadConfig reads --config, or returns the defaults when it is unset.
func loadConfig() (*config.Config, error) {
	if configFlag == "" {
		return config.Default(), nil
	}
	return config.Load(configFlag)
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("building logger: %w", err)
	}
	return cfg, logger, nil
}

// openRegistry connects to etcd when endpoints are configured, and returns nil otherwise.
func openRegistry(cfg *config.Config, logger *zap.Logger) (*registry.EtcdRegistry, error) {
	if len(cfg.Registry.Endpoints) == 0 {
		return nil, nil
	}
	reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout.Duration, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd: %w", err)
	}
	return reg, nil
}
