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

package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/alexandremahdhaoui/molecule-libvirt/pkg/instance"
	"github.com/alexandremahdhaoui/molecule-libvirt/pkg/metrics"
	"github.com/go-logr/logr"
	"k8s.io/utils/ptr"
)

const (
	// DefaultName is the name the driver registers under.
	DefaultName = "molecule_libvirt"

	title = "Libvirt driver, user specifies VMs to create with libvirt."

	// sshCommonArgsKey is the ansible connection option appended to the
	// ssh flags of managed instances.
	sshCommonArgsKey = "ansible_ssh_common_args"

	loginCmdTemplate = "ssh {address} -l {user} -p {port} -i {identity_file} "
)

var (
	errIncompleteRecord = errors.New("instance record is missing a login field")
	errNoLibvirtURI     = errors.New("no libvirt URI configured")
	errSanityCheck      = errors.New("libvirt sanity check failed")
)

// loginFields are the placeholders of the managed login command template.
var loginFields = []string{"address", "user", "port", "identity_file"}

// mappableField is an optional record field copied into the ansible
// connection options as `ansible_<key>` when it resolves to a non-empty value.
type mappableField struct {
	key      string
	value    func(instance.Record) instance.Value
	fallback instance.Value
}

var mappableFields = []mappableField{
	{key: "become_pass", value: func(r instance.Record) instance.Value { return r.BecomePass }},
	{key: "become_method", value: func(r instance.Record) instance.Value { return r.BecomeMethod }},
	{key: "winrm_transport", value: func(r instance.Record) instance.Value { return r.WinRMTransport }},
	{key: "winrm_cert_pem", value: func(r instance.Record) instance.Value { return r.WinRMCertPEM }},
	{key: "winrm_cert_key_pem", value: func(r instance.Record) instance.Value { return r.WinRMCertKeyPEM }},
	{
		key:   "winrm_server_cert_validation",
		value: func(r instance.Record) instance.Value { return r.WinRMServerCertValidation },
	},
	{key: "shell_type", value: func(r instance.Record) instance.Value { return r.ShellType }},
	{key: "connection", value: func(r instance.Record) instance.Value { return r.Connection }, fallback: "smart"},
}

// resolve returns the record's value, or the fallback when it is unset.
func (f mappableField) resolve(r instance.Record) instance.Value {
	if v := f.value(r); v.IsSet() {
		return v
	}
	return f.fallback
}

var _ Driver = &Libvirt{}

// Libvirt resolves connection parameters of libvirt instances.
type Libvirt struct {
	host    Host
	name    string
	path    string
	metrics *metrics.Metrics
	ping    func(ctx context.Context, uri string) error
	log     logr.Logger
}

// LibvirtOption is a function that modifies the Libvirt driver.
type LibvirtOption func(*Libvirt)

// WithPath sets the directory holding the driver's schema file.
func WithPath(path string) LibvirtOption {
	return func(l *Libvirt) {
		l.path = path
	}
}

// WithMetrics records every resolution on m.
func WithMetrics(m *metrics.Metrics) LibvirtOption {
	return func(l *Libvirt) {
		l.metrics = m
	}
}

// WithHypervisorCheck sets the function SanityChecks uses to probe the
// hypervisor. Without it SanityChecks does not probe.
func WithHypervisorCheck(ping func(ctx context.Context, uri string) error) LibvirtOption {
	return func(l *Libvirt) {
		l.ping = ping
	}
}

// WithLogger sets the logger. It defaults to the slog default handler.
func WithLogger(log logr.Logger) LibvirtOption {
	return func(l *Libvirt) {
		l.log = log
	}
}

// New returns a Libvirt driver bound to host.
//
// Only Name and SetName are defined on a driver built with a nil host.
func New(host Host, opts ...LibvirtOption) *Libvirt {
	l := &Libvirt{
		host: host,
		name: DefaultName,
		log:  logr.FromSlogHandler(slog.Default().Handler()),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Name implements Driver.
func (l *Libvirt) Name() string {
	return l.name
}

// SetName implements Driver.
func (l *Libvirt) SetName(name string) {
	l.name = name
}

// Title implements Driver.
func (l *Libvirt) Title() string {
	return title
}

// LoginCmdTemplate returns the login command template, to be populated with
// the values of LoginOptions. A configured override wins. Managed instances
// get an ssh command; unmanaged ones get an empty template.
func (l *Libvirt) LoginCmdTemplate() string {
	if tmpl, ok := l.loginCmdOverride(); ok {
		return tmpl
	}

	if !l.host.Managed() {
		return ""
	}

	return loginCmdTemplate + strings.Join(l.SSHConnectionOptions(), " ")
}

// LoginCommand returns the command a user runs to log into instanceName.
//
// A configured override is returned verbatim. For managed instances the
// template is interpolated from the instance record, and lookup errors are
// returned: the command cannot be built without the record.
func (l *Libvirt) LoginCommand(instanceName string) (cmd string, err error) {
	defer func() { l.metrics.Observe("login_command", err) }()

	if tmpl, ok := l.loginCmdOverride(); ok {
		return tmpl, nil
	}

	if !l.host.Managed() {
		return "", nil
	}

	record, err := instance.Lookup(l.host.InstanceConfigPath(), instanceName)
	if err != nil {
		return "", err
	}

	fields := record.Fields()
	replacements := make([]string, 0, 2*len(loginFields))
	for _, key := range loginFields {
		value, ok := fields[key]
		if !ok {
			return "", errors.Join(
				fmt.Errorf("instance=%s field=%s", instanceName, key),
				errIncompleteRecord,
			)
		}
		replacements = append(replacements, "{"+key+"}", value)
	}

	return strings.NewReplacer(replacements...).Replace(l.LoginCmdTemplate()), nil
}

// LoginOptions returns the values used to populate the login command
// template. Managed instances merge their record over `instance`.
func (l *Libvirt) LoginOptions(instanceName string) (map[string]string, error) {
	out := map[string]string{"instance": instanceName}
	if !l.host.Managed() {
		return out, nil
	}

	record, err := instance.Lookup(l.host.InstanceConfigPath(), instanceName)
	l.metrics.Observe("login_options", err)
	if err != nil {
		return nil, err
	}

	maps.Copy(out, record.Fields())
	return out, nil
}

// AnsibleConnectionOptions returns the ansible connection variables for
// instanceName.
//
// Unmanaged instances get the configured ansible_connection_options as is.
// For managed instances a missing instance config or a missing record yields
// an empty map: the instance is not provisioned yet or was torn down. Any
// other error is returned.
func (l *Libvirt) AnsibleConnectionOptions(instanceName string) (map[string]string, error) {
	if !l.host.Managed() {
		out := maps.Clone(l.host.Options().AnsibleConnectionOptions)
		if out == nil {
			out = map[string]string{}
		}
		return out, nil
	}

	record, err := instance.Lookup(l.host.InstanceConfigPath(), instanceName)
	l.metrics.Observe("connection_options", err)
	switch {
	case errors.Is(err, instance.ErrNotFound):
		l.log.V(1).Info("instance not found in instance config", "instance", instanceName)
		return map[string]string{}, nil
	case errors.Is(err, instance.ErrConfigUnavailable):
		l.log.V(1).Info("instance config unavailable", "instance", instanceName, "error", err.Error())
		return map[string]string{}, nil
	case err != nil:
		return nil, err
	}

	out := make(map[string]string)
	for _, f := range mappableFields {
		if v := f.resolve(record); v.IsSet() {
			out["ansible_"+f.key] = v.String()
		}
	}

	out["ansible_user"] = record.User.String()
	out["ansible_host"] = record.Address.String()
	out["ansible_port"] = record.Port.String()

	if record.IdentityFile.IsSet() {
		out["ansible_private_key_file"] = record.IdentityFile.String()
	}

	if record.Password.IsSet() {
		out["ansible_password"] = record.Password.String()
		// testinfra only reads the password from ansible_ssh_pass.
		out["ansible_ssh_pass"] = record.Password.String()
	}

	out[sshCommonArgsKey] = strings.Join(l.SSHConnectionOptions(), " ")

	return out, nil
}

// DefaultSSHConnectionOptions returns the host's base ssh flags for managed
// instances, followed by the configured ansible_ssh_common_args as a single
// element. Unmanaged instances get no flags.
func (l *Libvirt) DefaultSSHConnectionOptions() []string {
	if !l.host.Managed() {
		return []string{}
	}

	out := slices.Clone(l.host.BaseSSHConnectionOptions())
	if out == nil {
		out = []string{}
	}

	if args := l.host.Options().AnsibleConnectionOptions[sshCommonArgsKey]; args != "" {
		out = append(out, args)
	}

	return out
}

// SSHConnectionOptions returns the user-configured ssh flags, falling back
// to DefaultSSHConnectionOptions.
func (l *Libvirt) SSHConnectionOptions() []string {
	if configured := l.host.SSHConnectionOptions(); configured != nil {
		return slices.Clone(configured)
	}
	return l.DefaultSSHConnectionOptions()
}

// DefaultSafeFiles implements Driver. The driver has no files to preserve.
func (l *Libvirt) DefaultSafeFiles() []string {
	return []string{}
}

// Created returns "true" or "false" for managed instances and "unknown"
// otherwise.
func (l *Libvirt) Created() string {
	if !l.host.Managed() {
		return "unknown"
	}
	return strconv.FormatBool(l.host.Created())
}

// SanityChecks verifies the hypervisor is reachable when the driver manages
// the instances.
func (l *Libvirt) SanityChecks(ctx context.Context) error {
	if !l.host.Managed() || l.ping == nil {
		return nil
	}

	uri := l.host.LibvirtURI()
	if uri == "" {
		return errors.Join(errNoLibvirtURI, errSanityCheck)
	}

	if err := l.ping(ctx, uri); err != nil {
		return errors.Join(err, fmt.Errorf("uri=%s", uri), errSanityCheck)
	}

	return nil
}

// SchemaFile returns the path of the driver's JSON schema.
func (l *Libvirt) SchemaFile() string {
	return filepath.Join(l.path, SchemaFileName)
}

// RequiredCollections returns the ansible collections the provisioning
// playbooks depend on, keyed by name.
func (l *Libvirt) RequiredCollections() map[string]string {
	return map[string]string{
		"ansible.posix":     "1.5.4",
		"community.crypto":  "2.18.0",
		"community.libvirt": "1.3.0",
	}
}

func (l *Libvirt) loginCmdOverride() (string, bool) {
	tmpl := l.host.Options().LoginCmdTemplate
	return ptr.Deref(tmpl, ""), tmpl != nil
}
