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

// Package driver implements the libvirt driver consumed by the test
// orchestration framework. It resolves how to reach libvirt-managed
// instances from the instance config written during provisioning.
package driver

import (
	"context"

	"k8s.io/utils/ptr"
)

// Options is the user-supplied `driver.options` section.
type Options struct {
	// Managed is false when the user supplies the hosts instead of having
	// the driver provision them. Nil means managed.
	Managed *bool `json:"managed,omitempty"`

	// LoginCmdTemplate overrides the login command. Nil means unset; an empty
	// string is a valid override.
	LoginCmdTemplate *string `json:"login_cmd_template,omitempty"`

	// AnsibleConnectionOptions are used verbatim for unmanaged instances.
	// For managed instances only the `ansible_ssh_common_args` entry is read.
	AnsibleConnectionOptions map[string]string `json:"ansible_connection_options,omitempty"`
}

// IsManaged reports whether the driver manages the instances. It defaults to
// true.
func (o Options) IsManaged() bool {
	return ptr.Deref(o.Managed, true)
}

// Host is the narrow capability the hosting framework exposes to a driver.
type Host interface {
	// Managed reports whether the driver provisions the instances itself.
	Managed() bool
	// Options returns the driver options.
	Options() Options
	// InstanceConfigPath returns the path of the instance config file.
	InstanceConfigPath() string
	// BaseSSHConnectionOptions returns the framework-wide default ssh flags.
	BaseSSHConnectionOptions() []string
	// SSHConnectionOptions returns ssh flags explicitly configured by the
	// user, or nil when the driver defaults apply.
	SSHConnectionOptions() []string
	// Created reports whether the scenario's instances were created.
	Created() bool
	// LibvirtURI returns the hypervisor connection URI.
	LibvirtURI() string
}

// Driver is the accessor surface the framework invokes on a driver.
type Driver interface {
	Name() string
	SetName(name string)
	Title() string

	LoginCmdTemplate() string
	LoginCommand(instanceName string) (string, error)
	LoginOptions(instanceName string) (map[string]string, error)
	AnsibleConnectionOptions(instanceName string) (map[string]string, error)

	DefaultSSHConnectionOptions() []string
	SSHConnectionOptions() []string
	DefaultSafeFiles() []string

	Created() string
	SanityChecks(ctx context.Context) error

	SchemaFile() string
	RequiredCollections() map[string]string
}
