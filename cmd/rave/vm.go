package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/raveos/rave/internal/config"
	"github.com/raveos/rave/internal/vm"
)

func vmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vm",
		Short: "Manage tenant VMs",
	}
	cmd.AddCommand(
		vmCreateCmd(),
		vmStartCmd(),
		vmStopCmd(),
		vmResetCmd(),
		vmStatusCmd(),
		vmDeleteCmd(),
		vmSSHCmd(),
		vmLogsCmd(),
		vmInstallAgeKeyCmd(),
	)
	return cmd
}

func newManager() (*vm.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newManagerFrom(cfg)
}

func newManagerFrom(cfg *config.Config) (*vm.Manager, error) {
	return vm.NewManager(cfg.VM)
}

func vmCreateCmd() *cobra.Command {
	var (
		keypair     string
		profile     string
		profileAttr string
		agePath     string
		idpIssuer   string
		idpClientID string
		skipBuild   bool
		withTLS     bool
		httpPort    int
		sshPort     int
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Provision a new tenant VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			opts := vm.CreateOptions{
				AgeKeyPath:  agePath,
				IdPIssuer:   idpIssuer,
				IdPClientID: idpClientID,
				SkipBuild:   skipBuild,
				WithTLS:     withTLS,
			}
			if httpPort > 0 || sshPort > 0 {
				opts.CustomPorts = map[string]int{}
				if httpPort > 0 {
					opts.CustomPorts["http"] = httpPort
				}
				if sshPort > 0 {
					opts.CustomPorts["ssh"] = sshPort
				}
			}
			rec, err := m.Create(cmd.Context(), args[0], keypair, profile, profileAttr, opts)
			if err != nil {
				return err
			}
			fmt.Printf("Created tenant %s (profile %s)\n", rec.Name, rec.Profile)
			printPorts(rec.Ports)
			return nil
		},
	}

	cmd.Flags().StringVar(&keypair, "keypair", "", "path to SSH keypair (private key; .pub alongside)")
	cmd.Flags().StringVar(&profile, "profile", "development", "tenant profile")
	cmd.Flags().StringVar(&profileAttr, "profile-attr", "", "builder attribute override")
	cmd.Flags().StringVar(&agePath, "age-key", "", "age key file to stage into the image")
	cmd.Flags().StringVar(&idpIssuer, "idp-issuer", "", "OIDC issuer recorded for guest SSO")
	cmd.Flags().StringVar(&idpClientID, "idp-client-id", "", "OIDC client ID recorded for guest SSO")
	cmd.Flags().BoolVar(&skipBuild, "skip-build", false, "copy the default base image instead of building")
	cmd.Flags().BoolVar(&withTLS, "tls", false, "issue local TLS material for the tenant")
	cmd.Flags().IntVar(&httpPort, "http-port", 0, "preferred host HTTP port")
	cmd.Flags().IntVar(&sshPort, "ssh-port", 0, "preferred host SSH port")
	return cmd
}

func vmStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <name>",
		Short: "Boot a tenant VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			rec, err := m.Start(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Started tenant %s\n", rec.Name)
			printPorts(rec.Ports)
			return nil
		},
	}
}

func vmStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop a running tenant VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			if err := m.Stop(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Stopped tenant %s\n", args[0])
			return nil
		},
	}
}

func vmResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <name>",
		Short: "Stop a tenant and re-provision its image from the base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			if err := m.Reset(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Reset tenant %s\n", args[0])
			return nil
		},
	}
}

func vmStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [name]",
		Short: "Show tenant status (all tenants when no name is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				status, err := m.Status(args[0])
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%s\n", args[0], status)
				return nil
			}

			statuses, err := m.StatusAll()
			if err != nil {
				return err
			}
			names := make([]string, 0, len(statuses))
			for name := range statuses {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATUS")
			for _, name := range names {
				fmt.Fprintf(w, "%s\t%s\n", name, statuses[name])
			}
			return w.Flush()
		},
	}
}

func vmDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a stopped tenant and its image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			if err := m.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted tenant %s\n", args[0])
			return nil
		},
	}
}

func vmSSHCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ssh <name>",
		Short: "Open an interactive SSH session to a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			argv, err := m.SSHArgs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			ssh := exec.CommandContext(cmd.Context(), argv[0], argv[1:]...)
			ssh.Stdin = os.Stdin
			ssh.Stdout = os.Stdout
			ssh.Stderr = os.Stderr
			return ssh.Run()
		},
	}
}

func vmLogsCmd() *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "Print a tenant's serial console log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := vm.SerialLogPath(args[0])
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open serial log %s: %w", path, err)
			}
			defer f.Close()

			if _, err := io.Copy(os.Stdout, f); err != nil {
				return err
			}
			for follow {
				select {
				case <-cmd.Context().Done():
					return nil
				case <-time.After(500 * time.Millisecond):
				}
				if _, err := io.Copy(os.Stdout, f); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "poll for new output")
	return cmd
}

func vmInstallAgeKeyCmd() *cobra.Command {
	var remotePath string

	cmd := &cobra.Command{
		Use:   "install-age-key <name> <key-file>",
		Short: "Deliver an age key to a running tenant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			if err := m.InstallAgeKey(cmd.Context(), args[0], args[1], remotePath); err != nil {
				return err
			}
			fmt.Printf("Installed age key on %s at %s\n", args[0], remotePath)
			return nil
		},
	}

	cmd.Flags().StringVar(&remotePath, "remote-path", "/var/lib/sops/age.key", "guest destination path")
	return cmd
}

func printPorts(ports map[string]int) {
	names := make([]string, 0, len(ports))
	for name := range ports {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-10s 127.0.0.1:%d\n", name, ports[name])
	}
}
