//go:build unit

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

package driver_test

import (
	"context"
	"errors"
	"testing"

	"github.com/alexandremahdhaoui/molecule-libvirt/internal/util/testutil"
	"github.com/alexandremahdhaoui/molecule-libvirt/pkg/driver"
	"github.com/alexandremahdhaoui/molecule-libvirt/pkg/instance"
	"github.com/alexandremahdhaoui/molecule-libvirt/pkg/metrics"
	"github.com/go-logr/logr/funcr"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"
)

var baseSSHOptions = []string{
	"-o UserKnownHostsFile=/dev/null",
	"-o StrictHostKeyChecking=no",
}

const baseSSHOptionsJoined = "-o UserKnownHostsFile=/dev/null -o StrictHostKeyChecking=no"

// fakeHost is a static driver.Host.
type fakeHost struct {
	managed            bool
	options            driver.Options
	instanceConfigPath string
	baseSSH            []string
	configuredSSH      []string
	created            bool
	libvirtURI         string
}

func (h *fakeHost) Managed() bool                      { return h.managed }
func (h *fakeHost) Options() driver.Options            { return h.options }
func (h *fakeHost) InstanceConfigPath() string         { return h.instanceConfigPath }
func (h *fakeHost) BaseSSHConnectionOptions() []string { return h.baseSSH }
func (h *fakeHost) SSHConnectionOptions() []string     { return h.configuredSSH }
func (h *fakeHost) Created() bool                      { return h.created }
func (h *fakeHost) LibvirtURI() string                 { return h.libvirtURI }

func newManagedHost(t *testing.T, instanceConfig string) *fakeHost {
	t.Helper()

	return &fakeHost{
		managed:            true,
		instanceConfigPath: testutil.WriteInstanceConfig(t, t.TempDir(), instanceConfig),
		baseSSH:            baseSSHOptions,
	}
}

const completeRecord = testutil.CompleteInstanceConfig

func TestLibvirt_Name(t *testing.T) {
	l := driver.New(nil)
	assert.Equal(t, "molecule_libvirt", l.Name())

	l.SetName("custom")
	assert.Equal(t, "custom", l.Name())
}

func TestLibvirt_AnsibleConnectionOptions_CompleteRecord(t *testing.T) {
	l := driver.New(newManagedHost(t, completeRecord))

	out, err := l.AnsibleConnectionOptions("alpha")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"ansible_user":             "root",
		"ansible_host":             "10.0.0.5",
		"ansible_port":             "22",
		"ansible_private_key_file": "/k",
		"ansible_connection":       "smart",
		"ansible_ssh_common_args":  baseSSHOptionsJoined,
	}, out)
}

func TestLibvirt_AnsibleConnectionOptions_Password(t *testing.T) {
	l := driver.New(newManagedHost(t, completeRecord+"  password: p\n"))

	out, err := l.AnsibleConnectionOptions("alpha")
	require.NoError(t, err)

	assert.Equal(t, "p", out["ansible_password"])
	assert.Equal(t, "p", out["ansible_ssh_pass"])
}

func TestLibvirt_AnsibleConnectionOptions_OptionalFields(t *testing.T) {
	l := driver.New(newManagedHost(t, `- instance: win
  address: 10.0.0.7
  become_method: runas
  become_pass: secret
  winrm_transport: ntlm
  winrm_server_cert_validation: ignore
  shell_type: powershell
  connection: winrm
  winrm_cert_pem: ""
`))

	out, err := l.AnsibleConnectionOptions("win")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"ansible_become_method":                "runas",
		"ansible_become_pass":                  "secret",
		"ansible_winrm_transport":              "ntlm",
		"ansible_winrm_server_cert_validation": "ignore",
		"ansible_shell_type":                   "powershell",
		"ansible_connection":                   "winrm",
		"ansible_user":                         "",
		"ansible_host":                         "10.0.0.7",
		"ansible_port":                         "",
		"ansible_ssh_common_args":              baseSSHOptionsJoined,
	}, out)
}

func TestLibvirt_AnsibleConnectionOptions_EmptySSHArgs(t *testing.T) {
	host := newManagedHost(t, completeRecord)
	host.baseSSH = nil
	l := driver.New(host)

	out, err := l.AnsibleConnectionOptions("alpha")
	require.NoError(t, err)

	v, ok := out["ansible_ssh_common_args"]
	assert.True(t, ok)
	assert.Equal(t, "", v)
}

func TestLibvirt_AnsibleConnectionOptions_Recoverable(t *testing.T) {
	tests := []struct {
		name           string
		instanceConfig string
		instanceName   string
	}{
		{name: "config file absent", instanceConfig: "", instanceName: "anyhost"},
		{name: "no matching record", instanceConfig: completeRecord, instanceName: "anyhost"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := driver.New(newManagedHost(t, tt.instanceConfig))

			out, err := l.AnsibleConnectionOptions(tt.instanceName)
			require.NoError(t, err)
			assert.Empty(t, out)
			assert.NotNil(t, out)
		})
	}
}

func TestLibvirt_AnsibleConnectionOptions_LogsRecoverable(t *testing.T) {
	tests := []struct {
		name           string
		instanceConfig string
		want           string
	}{
		{name: "config file absent", instanceConfig: "", want: "instance config unavailable"},
		{name: "no matching record", instanceConfig: completeRecord, want: "instance not found in instance config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var lines []string
			log := funcr.New(func(_, args string) {
				lines = append(lines, args)
			}, funcr.Options{Verbosity: 1})

			l := driver.New(newManagedHost(t, tt.instanceConfig), driver.WithLogger(log))

			_, err := l.AnsibleConnectionOptions("anyhost")
			require.NoError(t, err)
			require.Len(t, lines, 1)
			assert.Contains(t, lines[0], tt.want)
			assert.Contains(t, lines[0], `"instance"="anyhost"`)
		})
	}

	t.Run("quiet below verbosity 1", func(t *testing.T) {
		var lines []string
		log := funcr.New(func(_, args string) {
			lines = append(lines, args)
		}, funcr.Options{})

		l := driver.New(newManagedHost(t, ""), driver.WithLogger(log))

		_, err := l.AnsibleConnectionOptions("anyhost")
		require.NoError(t, err)
		assert.Empty(t, lines)
	})
}

func TestLibvirt_AnsibleConnectionOptions_MalformedPropagates(t *testing.T) {
	l := driver.New(newManagedHost(t, "instance: alpha\n"))

	out, err := l.AnsibleConnectionOptions("alpha")
	require.Error(t, err)
	assert.ErrorIs(t, err, instance.ErrMalformed)
	assert.Nil(t, out)
}

func TestLibvirt_AnsibleConnectionOptions_Unmanaged(t *testing.T) {
	t.Run("returns configured options unchanged", func(t *testing.T) {
		configured := map[string]string{
			"ansible_host":       "192.168.1.10",
			"ansible_user":       "admin",
			"ansible_connection": "ssh",
		}
		l := driver.New(&fakeHost{
			options: driver.Options{AnsibleConnectionOptions: configured},
		})

		out, err := l.AnsibleConnectionOptions("anything")
		require.NoError(t, err)
		assert.Equal(t, configured, out)

		out["ansible_host"] = "mutated"
		assert.Equal(t, "192.168.1.10", configured["ansible_host"], "result must not alias host options")
	})

	t.Run("returns empty map without configured options", func(t *testing.T) {
		l := driver.New(&fakeHost{})

		out, err := l.AnsibleConnectionOptions("anything")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{}, out)
	})
}

func TestLibvirt_LoginCommand(t *testing.T) {
	l := driver.New(newManagedHost(t, completeRecord))

	cmd, err := l.LoginCommand("alpha")
	require.NoError(t, err)
	assert.Equal(t, "ssh 10.0.0.5 -l root -p 22 -i /k "+baseSSHOptionsJoined, cmd)
}

func TestLibvirt_LoginCommand_Override(t *testing.T) {
	hosts := map[string]*fakeHost{
		"managed without config": newManagedHost(t, ""),
		"managed with record":    newManagedHost(t, completeRecord),
		"unmanaged":              {},
	}

	for name, host := range hosts {
		t.Run(name, func(t *testing.T) {
			host.options.LoginCmdTemplate = ptr.To("custom")
			l := driver.New(host)

			cmd, err := l.LoginCommand("alpha")
			require.NoError(t, err)
			assert.Equal(t, "custom", cmd)
			assert.Equal(t, "custom", l.LoginCmdTemplate())
		})
	}
}

func TestLibvirt_LoginCommand_Unmanaged(t *testing.T) {
	l := driver.New(&fakeHost{})

	cmd, err := l.LoginCommand("alpha")
	require.NoError(t, err)
	assert.Equal(t, "", cmd)
	assert.Equal(t, "", l.LoginCmdTemplate())
}

func TestLibvirt_LoginCommand_PropagatesLookupErrors(t *testing.T) {
	t.Run("config unavailable", func(t *testing.T) {
		l := driver.New(newManagedHost(t, ""))

		_, err := l.LoginCommand("alpha")
		assert.ErrorIs(t, err, instance.ErrConfigUnavailable)
	})

	t.Run("not found", func(t *testing.T) {
		l := driver.New(newManagedHost(t, completeRecord))

		_, err := l.LoginCommand("beta")
		assert.ErrorIs(t, err, instance.ErrNotFound)
	})

	t.Run("incomplete record", func(t *testing.T) {
		l := driver.New(newManagedHost(t, "- instance: alpha\n  address: 10.0.0.5\n"))

		_, err := l.LoginCommand("alpha")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "field=user")
	})
}

func TestLibvirt_LoginCmdTemplate_Managed(t *testing.T) {
	l := driver.New(newManagedHost(t, ""))

	assert.Equal(t,
		"ssh {address} -l {user} -p {port} -i {identity_file} "+baseSSHOptionsJoined,
		l.LoginCmdTemplate(),
	)
}

func TestLibvirt_LoginOptions(t *testing.T) {
	t.Run("managed merges the record", func(t *testing.T) {
		l := driver.New(newManagedHost(t, completeRecord))

		out, err := l.LoginOptions("alpha")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{
			"instance":      "alpha",
			"address":       "10.0.0.5",
			"user":          "root",
			"port":          "22",
			"identity_file": "/k",
		}, out)
	})

	t.Run("managed propagates lookup errors", func(t *testing.T) {
		l := driver.New(newManagedHost(t, completeRecord))

		_, err := l.LoginOptions("beta")
		assert.ErrorIs(t, err, instance.ErrNotFound)
	})

	t.Run("unmanaged", func(t *testing.T) {
		l := driver.New(&fakeHost{})

		out, err := l.LoginOptions("alpha")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"instance": "alpha"}, out)
	})
}

func TestLibvirt_DefaultSSHConnectionOptions(t *testing.T) {
	t.Run("managed appends common args as one element", func(t *testing.T) {
		host := newManagedHost(t, "")
		host.options.AnsibleConnectionOptions = map[string]string{
			"ansible_ssh_common_args": "-o ProxyJump=bastion -o ForwardAgent=yes",
		}
		l := driver.New(host)

		assert.Equal(t, []string{
			"-o UserKnownHostsFile=/dev/null",
			"-o StrictHostKeyChecking=no",
			"-o ProxyJump=bastion -o ForwardAgent=yes",
		}, l.DefaultSSHConnectionOptions())
		assert.Equal(t, baseSSHOptions, host.baseSSH, "host defaults must not be mutated")
		assert.Len(t, baseSSHOptions, 2)
	})

	t.Run("managed without common args", func(t *testing.T) {
		l := driver.New(newManagedHost(t, ""))
		assert.Equal(t, baseSSHOptions, l.DefaultSSHConnectionOptions())
	})

	t.Run("unmanaged", func(t *testing.T) {
		l := driver.New(&fakeHost{baseSSH: baseSSHOptions})
		assert.Equal(t, []string{}, l.DefaultSSHConnectionOptions())
	})
}

func TestLibvirt_SSHConnectionOptions_Configured(t *testing.T) {
	host := newManagedHost(t, completeRecord)
	host.configuredSSH = []string{"-o BatchMode=yes"}
	l := driver.New(host)

	assert.Equal(t, []string{"-o BatchMode=yes"}, l.SSHConnectionOptions())

	cmd, err := l.LoginCommand("alpha")
	require.NoError(t, err)
	assert.Equal(t, "ssh 10.0.0.5 -l root -p 22 -i /k -o BatchMode=yes", cmd)
}

func TestLibvirt_Created(t *testing.T) {
	assert.Equal(t, "true", driver.New(&fakeHost{managed: true, created: true}).Created())
	assert.Equal(t, "false", driver.New(&fakeHost{managed: true}).Created())
	assert.Equal(t, "unknown", driver.New(&fakeHost{created: true}).Created())
}

func TestLibvirt_SanityChecks(t *testing.T) {
	ctx := context.Background()
	var probed []string
	ping := func(_ context.Context, uri string) error {
		probed = append(probed, uri)
		if uri == "qemu:///broken" {
			return errors.New("connection refused")
		}
		return nil
	}

	require.NoError(t, driver.New(&fakeHost{managed: true, libvirtURI: "qemu:///system"},
		driver.WithHypervisorCheck(ping)).SanityChecks(ctx))

	err := driver.New(&fakeHost{managed: true, libvirtURI: "qemu:///broken"},
		driver.WithHypervisorCheck(ping)).SanityChecks(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uri=qemu:///broken")

	assert.Error(t, driver.New(&fakeHost{managed: true}, driver.WithHypervisorCheck(ping)).SanityChecks(ctx))
	assert.NoError(t, driver.New(&fakeHost{libvirtURI: "qemu:///broken"},
		driver.WithHypervisorCheck(ping)).SanityChecks(ctx))
	assert.NoError(t, driver.New(&fakeHost{managed: true}).SanityChecks(ctx))

	assert.Equal(t, []string{"qemu:///system", "qemu:///broken"}, probed)
}

func TestLibvirt_StaticAccessors(t *testing.T) {
	l := driver.New(&fakeHost{}, driver.WithPath("/opt/molecule-libvirt"))

	assert.Equal(t, "/opt/molecule-libvirt/driver.json", l.SchemaFile())
	assert.Equal(t, []string{}, l.DefaultSafeFiles())
	assert.NotEmpty(t, l.Title())
	assert.Equal(t, map[string]string{
		"ansible.posix":     "1.5.4",
		"community.crypto":  "2.18.0",
		"community.libvirt": "1.3.0",
	}, l.RequiredCollections())
}

func TestLibvirt_Metrics(t *testing.T) {
	m := metrics.New()
	l := driver.New(newManagedHost(t, completeRecord), driver.WithMetrics(m))

	_, err := l.AnsibleConnectionOptions("alpha")
	require.NoError(t, err)
	_, err = l.AnsibleConnectionOptions("missing")
	require.NoError(t, err)
	_, err = l.LoginCommand("alpha")
	require.NoError(t, err)

	count, err := promtestutil.GatherAndCount(m.Registry(), "molecule_libvirt_resolutions_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestOptions_IsManaged(t *testing.T) {
	assert.True(t, driver.Options{}.IsManaged())
	assert.True(t, driver.Options{Managed: ptr.To(true)}.IsManaged())
	assert.False(t, driver.Options{Managed: ptr.To(false)}.IsManaged())
}
