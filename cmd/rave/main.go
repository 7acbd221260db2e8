// rave is the operator CLI for the tenant VM control plane: VM lifecycle,
// override layers, and guest secrets.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/raveos/rave/internal/config"
	"github.com/raveos/rave/internal/logging"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "rave",
		Short:         "rave - tenant VM control plane",
		Long:          "Provision and operate per-tenant QEMU microVMs with declarative override layers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to JSON or YAML config file")

	rootCmd.AddCommand(
		vmCmd(),
		overrideCmd(),
		secretsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig layers file and environment settings over the defaults.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	logging.SetLevelFromString(cfg.LogLevel)
	return cfg, nil
}
