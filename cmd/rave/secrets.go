package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raveos/rave/internal/vm"
)

func secretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Install and verify secret files on tenant guests",
	}
	cmd.AddCommand(
		secretsInstallCmd(),
		secretsDiffCmd(),
	)
	return cmd
}

// parseSecretFiles turns repeated --file local:remote[:mode] flags into
// SecretFile entries.
func parseSecretFiles(specs []string) ([]vm.SecretFile, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("at least one --file local:remote is required")
	}
	files := make([]vm.SecretFile, 0, len(specs))
	for _, raw := range specs {
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed --file %q, want local:remote[:mode]", raw)
		}
		f := vm.SecretFile{LocalPath: parts[0], RemotePath: parts[1]}
		if len(parts) == 3 {
			f.Mode = parts[2]
		}
		files = append(files, f)
	}
	return files, nil
}

func secretsInstallCmd() *cobra.Command {
	var (
		specs []string
		owner string
		group string
	)

	cmd := &cobra.Command{
		Use:   "install <tenant>",
		Short: "Install secret files on a running tenant in one batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := parseSecretFiles(specs)
			if err != nil {
				return err
			}
			for i := range files {
				files[i].Owner = owner
				files[i].Group = group
			}
			m, err := newManager()
			if err != nil {
				return err
			}
			if err := m.InstallSecretFiles(cmd.Context(), args[0], files); err != nil {
				return err
			}
			fmt.Printf("Installed %d secret file(s) on %s\n", len(files), args[0])
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&specs, "file", nil, "secret to install as local:remote[:mode] (repeatable)")
	cmd.Flags().StringVar(&owner, "owner", "", "guest-side owner (default root)")
	cmd.Flags().StringVar(&group, "group", "", "guest-side group (default root)")
	return cmd
}

func secretsDiffCmd() *cobra.Command {
	var specs []string

	cmd := &cobra.Command{
		Use:   "diff <tenant>",
		Short: "Compare local secret files against the guest without transferring them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := parseSecretFiles(specs)
			if err != nil {
				return err
			}
			m, err := newManager()
			if err != nil {
				return err
			}
			diffs, err := m.DiffSecretFiles(cmd.Context(), args[0], files)
			if err != nil {
				return err
			}
			dirty := 0
			for _, d := range diffs {
				switch {
				case d.Match:
					fmt.Printf("  ok      %s\n", d.RemotePath)
				case d.RemoteHash == "":
					fmt.Printf("  missing %s\n", d.RemotePath)
					dirty++
				default:
					fmt.Printf("  differs %s\n", d.RemotePath)
					dirty++
				}
			}
			if dirty > 0 {
				return fmt.Errorf("%d of %d secret file(s) out of sync", dirty, len(diffs))
			}
			fmt.Printf("All %d secret file(s) in sync\n", len(diffs))
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&specs, "file", nil, "secret to compare as local:remote (repeatable)")
	return cmd
}
