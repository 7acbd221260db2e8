// rave-bridge is the chat command bridge daemon: it accepts webhook and
// Matrix appservice traffic and drives agent operations on the host.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           "rave-bridge",
		Short:         "rave chat command bridge",
		Long:          "Run the chat bridge: webhook + Matrix appservice ingress for agent control commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to JSON or YAML config file")
	rootCmd.AddCommand(daemonCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
