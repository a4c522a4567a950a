// Copyright 2025 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/alexandremahdhaoui/molecule-libvirt/internal/util/logging"
	"github.com/alexandremahdhaoui/molecule-libvirt/internal/util/ssh"
	"github.com/alexandremahdhaoui/molecule-libvirt/pkg/driver"
	"github.com/alexandremahdhaoui/molecule-libvirt/pkg/instance"
	"github.com/alexandremahdhaoui/molecule-libvirt/pkg/metrics"
	"github.com/alexandremahdhaoui/molecule-libvirt/pkg/vmm"
	"github.com/spf13/cobra"
)

// flag names
const (
	flagConfig          = "config"
	flagEnvFile         = "env-file"
	flagDebug           = "debug"
	flagMetricsTextfile = "metrics-textfile"
	flagTimeout         = "timeout"
	flagDump            = "dump"
)

const defaultTimeout = 2 * time.Minute

var errNoConnectionInfo = errors.New("no connection info for instance yet")

// app holds the state shared by the subcommands once flags are parsed.
type app struct {
	configPath      string
	envFile         string
	metricsTextfile string
	debug           bool

	config  *Config
	driver  *driver.Libvirt
	metrics *metrics.Metrics
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "molecule-libvirt",
		Short: "Resolve connection details of libvirt-managed molecule instances",
		Long: `molecule-libvirt reads the instance config written when libvirt instances are
provisioned and prints how to reach them: a login command for humans and
ansible connection variables for automation.`,
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.flushMetrics,
	}

	cmd.PersistentFlags().StringVarP(&a.configPath, flagConfig, "c", "",
		"Path to the driver config file (env: "+ConfigPathEnvKey+")")
	cmd.PersistentFlags().StringVar(&a.envFile, flagEnvFile, "", "Dotenv file loaded before reading the config")
	cmd.PersistentFlags().BoolVar(&a.debug, flagDebug, false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&a.metricsTextfile, flagMetricsTextfile, "",
		"Write resolver metrics to this file in the prometheus text format")

	cmd.AddCommand(
		a.nameCmd(),
		a.loginTemplateCmd(),
		a.loginCmdCmd(),
		a.loginOptionsCmd(),
		a.connectionOptionsCmd(),
		a.sshOptionsCmd(),
		a.collectionsCmd(),
		a.schemaCmd(),
		a.sanityCmd(),
		a.listCmd(),
		a.statusCmd(),
		a.pingCmd(),
	)

	return cmd
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if err := LoadEnvFile(a.envFile); err != nil {
		return err
	}

	if !cmd.Flags().Changed(flagConfig) {
		if val := os.Getenv(ConfigPathEnvKey); val != "" {
			a.configPath = val
		}
	}

	config, err := LoadConfig(a.configPath)
	if err != nil {
		return err
	}

	log := logging.SetupDefault()
	if a.debug || config.DevelopmentMode {
		log = logging.SetupDevelopment()
	}

	a.config = config
	a.metrics = metrics.New()
	a.driver = driver.New(config,
		driver.WithPath(config.DriverPath),
		driver.WithMetrics(a.metrics),
		driver.WithHypervisorCheck(vmm.Ping),
		driver.WithLogger(log),
	)
	a.driver.SetName(config.Driver.Name)

	slog.Debug("loaded configuration",
		"managed", config.Managed(),
		"instanceConfig", config.InstanceConfigPath(),
		"libvirtURI", config.LibvirtURI(),
	)

	return nil
}

func (a *app) flushMetrics(_ *cobra.Command, _ []string) error {
	if a.metricsTextfile == "" {
		return nil
	}
	if err := a.metrics.WriteTextfile(a.metricsTextfile); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", a.metricsTextfile, err)
	}
	return nil
}

func (a *app) nameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "name",
		Short: "Print the driver name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), a.driver.Name())
			return err
		},
	}
}

func (a *app) loginTemplateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login-template",
		Short: "Print the login command template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), a.driver.LoginCmdTemplate())
			return err
		},
	}
}

func (a *app) loginCmdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login-cmd <instance>",
		Short: "Print the command to log into an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			login, err := a.driver.LoginCommand(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), login)
			return err
		},
	}
}

func (a *app) loginOptionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login-options <instance>",
		Short: "Print the values used to populate the login command template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := a.driver.LoginOptions(args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), opts)
		},
	}
}

func (a *app) connectionOptionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connection-options <instance>",
		Short: "Print the ansible connection variables of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := a.driver.AnsibleConnectionOptions(args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), opts)
		},
	}
}

func (a *app) sshOptionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ssh-options",
		Short: "Print the ssh client flags used for managed instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeJSON(cmd.OutOrStdout(), a.driver.SSHConnectionOptions())
		},
	}
}

func (a *app) collectionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collections",
		Short: "Print the ansible collections required by the provisioning playbooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeJSON(cmd.OutOrStdout(), a.driver.RequiredCollections())
		},
	}
}

func (a *app) schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the path of the driver schema, or its content with --dump",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dump, _ := cmd.Flags().GetBool(flagDump)
			if dump {
				_, err := cmd.OutOrStdout().Write(driver.Schema())
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), a.driver.SchemaFile())
			return err
		},
	}
	cmd.Flags().Bool(flagDump, false, "Print the schema content instead of its path")
	return cmd
}

func (a *app) sanityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sanity",
		Short: "Check the hypervisor is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			timeout, _ := cmd.Flags().GetDuration(flagTimeout)
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := a.driver.SanityChecks(ctx); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return err
		},
	}
	cmd.Flags().Duration(flagTimeout, 30*time.Second, "Time allowed to reach the hypervisor")
	return cmd
}

func (a *app) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the names of the provisioned instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			records, err := instance.Load(a.config.InstanceConfigPath())
			if errors.Is(err, instance.ErrConfigUnavailable) {
				return nil
			}
			if err != nil {
				return err
			}

			for _, name := range records.Names() {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), name); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List provisioned instances and the state of their libvirt domains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			records, err := instance.Load(a.config.InstanceConfigPath())
			if errors.Is(err, instance.ErrConfigUnavailable) {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "no instances provisioned")
				return err
			}
			if err != nil {
				return err
			}

			v, err := vmm.NewVMM(vmm.WithURI(a.config.LibvirtURI()))
			if err != nil {
				return err
			}
			defer v.Close()
			slog.Debug("inspecting domains", "uri", v.URI())

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "INSTANCE\tDRIVER\tCREATED\tDOMAIN STATE\tADDRESS")
			for _, r := range records {
				domainState := vmm.StateUnknown
				info, err := v.DomainInfo(r.Instance)
				switch {
				case errors.Is(err, vmm.ErrDomainNotFound):
					domainState = "absent"
				case err != nil:
					slog.Debug("failed to inspect domain", "instance", r.Instance, "error", err.Error())
				default:
					domainState = info.State
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.Instance, a.driver.Name(), a.driver.Created(), domainState, r.Address)
			}
			return w.Flush()
		},
	}
}

func (a *app) pingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping <instance>",
		Short: "Wait until an instance accepts ssh logins and runs commands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			opts, err := a.driver.AnsibleConnectionOptions(name)
			if err != nil {
				return err
			}
			if len(opts) == 0 {
				return errors.Join(fmt.Errorf("instance=%s", name), errNoConnectionInfo)
			}

			client, err := ssh.NewClient(opts)
			if err != nil {
				return err
			}

			timeout, _ := cmd.Flags().GetDuration(flagTimeout)
			if err := client.AwaitServer(cmd.Context(), timeout); err != nil {
				return err
			}

			if err := verifyLogin(cmd.Context(), client); err != nil {
				return errors.Join(fmt.Errorf("instance=%s", name), err)
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s reachable at %s\n", name, client.Addr())
			return err
		},
	}
	cmd.Flags().Duration(flagTimeout, defaultTimeout, "Time to wait for the ssh server")
	return cmd
}

// loginCheckCmd is run on an instance to prove a login yields a working shell.
var loginCheckCmd = []string{"true"}

var errLoginCheck = errors.New("login succeeded but running a command failed")

func verifyLogin(ctx context.Context, r ssh.Runner) error {
	_, stderr, err := r.Run(ctx, loginCheckCmd...)
	if err != nil {
		return errors.Join(err, fmt.Errorf("cmd=%s stderr=%q", ssh.FormatCmd(loginCheckCmd...), stderr), errLoginCheck)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
