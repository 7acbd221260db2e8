package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raveos/rave/internal/override"
)

func overrideCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "override",
		Short: "Manage guest configuration override layers",
	}
	cmd.AddCommand(
		overrideInitCmd(),
		overrideCreateCmd(),
		overrideApplyCmd(),
		overridePreviewCmd(),
	)
	return cmd
}

func overrideInitCmd() *cobra.Command {
	var priority int

	cmd := &cobra.Command{
		Use:   "init <layer-name>",
		Short: "Scaffold a new override layer directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			layer, err := override.InitLayer(cfg.VM.OverridesDir, args[0], priority)
			if err != nil {
				return err
			}
			fmt.Printf("Initialized layer %s at %s\n", layer.Config.Name, layer.Dir)
			return nil
		},
	}

	cmd.Flags().IntVar(&priority, "priority", 100, "application order (lower applies first)")
	return cmd
}

func overrideCreateCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "create <layer-name>",
		Short: "Build a layer into a deterministic package archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			layer, err := override.Find(cfg.VM.OverridesDir, args[0])
			if err != nil {
				return err
			}
			pkg, err := override.Build(layer)
			if err != nil {
				return err
			}
			if out == "" {
				out = args[0] + ".tar.gz"
			}
			if err := os.WriteFile(out, pkg.Archive, 0o644); err != nil {
				return fmt.Errorf("write archive %s: %w", out, err)
			}
			fmt.Printf("Packaged layer %s: %d entries, %d bytes -> %s\n",
				pkg.Manifest.Layer, len(pkg.Manifest.Entries), len(pkg.Archive), out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "output", "o", "", "archive output path (default <layer>.tar.gz)")
	return cmd
}

func overrideApplyCmd() *cobra.Command {
	var applyRestarts bool

	cmd := &cobra.Command{
		Use:   "apply <layer-name> <tenant>",
		Short: "Apply a layer to a running tenant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := runOverride(cmd, args[0], args[1], applyRestarts, false)
			if err != nil {
				return err
			}
			printSummary(summary)
			return nil
		},
	}

	cmd.Flags().BoolVar(&applyRestarts, "restart", true, "restart/reload affected units after applying")
	return cmd
}

func overridePreviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preview <layer-name> <tenant>",
		Short: "Show what applying a layer would change, without writing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := runOverride(cmd, args[0], args[1], false, true)
			if err != nil {
				return err
			}
			printSummary(summary)
			return nil
		},
	}
}

func runOverride(cmd *cobra.Command, layerName, tenantName string, applyRestarts, preview bool) (*override.Summary, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	m, err := newManagerFrom(cfg)
	if err != nil {
		return nil, err
	}
	layer, err := override.Find(cfg.VM.OverridesDir, layerName)
	if err != nil {
		return nil, err
	}
	pkg, err := override.Build(layer)
	if err != nil {
		return nil, err
	}
	return m.ApplyOverrideLayer(cmd.Context(), tenantName, pkg, applyRestarts, preview)
}

func printSummary(s *override.Summary) {
	verb := "Applied"
	if s.Preview {
		verb = "Would apply"
	}
	fmt.Printf("%s layer %s: %d changed, %d removed\n",
		verb, s.Layer, len(s.Changed), len(s.Removed))
	for _, path := range s.Changed {
		fmt.Printf("  ~ %s\n", path)
	}
	for _, path := range s.Removed {
		fmt.Printf("  - %s\n", path)
	}
	if len(s.RestartUnits) > 0 {
		fmt.Printf("  restart: %s\n", strings.Join(s.RestartUnits, ", "))
	}
	if len(s.ReloadUnits) > 0 {
		fmt.Printf("  reload:  %s\n", strings.Join(s.ReloadUnits, ", "))
	}
	if s.DaemonReload {
		fmt.Println("  daemon-reload required")
	}
}
