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
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/alexandremahdhaoui/molecule-libvirt/pkg/driver"
	"github.com/alexandremahdhaoui/molecule-libvirt/pkg/vmm"
	"github.com/joho/godotenv"
	"sigs.k8s.io/yaml"
)

const (
	// ConfigPathEnvKey is the environment variable key for the config file path
	ConfigPathEnvKey = "MOLECULE_LIBVIRT_CONFIG_PATH"

	instanceConfigFileName = "instance_config.yml"
	stateFileName          = "state.yml"
)

// defaultSSHConnectionOptions are the ssh flags every managed instance gets
// unless ssh_connection_options is configured.
var defaultSSHConnectionOptions = []string{
	"-o UserKnownHostsFile=/dev/null",
	"-o ControlMaster=auto",
	"-o ControlPersist=60s",
	"-o ControlPath=~/.ansible/cp/%r@%h-%p",
	"-o ForwardX11=no",
	"-o LogLevel=ERROR",
	"-o IdentitiesOnly=yes",
	"-o StrictHostKeyChecking=no",
}

// DriverSection is the `driver` section of a scenario.
type DriverSection struct {
	Name                 string         `json:"name"`
	Options              driver.Options `json:"options,omitempty"`
	SSHConnectionOptions []string       `json:"ssh_connection_options,omitempty"`
	SafeFiles            []string       `json:"safe_files,omitempty"`
	LibvirtURI           string         `json:"libvirt_uri,omitempty"`
}

// Config holds the configuration of molecule-libvirt. It implements
// driver.Host.
type Config struct {
	Driver DriverSection `json:"driver"`

	// EphemeralDirectory holds the files provisioning writes for a scenario.
	EphemeralDirectory string `json:"ephemeral_directory"`

	// InstanceConfig overrides <EphemeralDirectory>/instance_config.yml.
	InstanceConfig string `json:"instance_config,omitempty"`

	// StateFile overrides <EphemeralDirectory>/state.yml.
	StateFile string `json:"state_file,omitempty"`

	// DriverPath is the directory holding the driver schema file.
	DriverPath string `json:"driver_path,omitempty"`

	// DevelopmentMode enables development logging
	DevelopmentMode bool `json:"development_mode"`

	// rawDriver is the `driver` section as written, before decoding drops
	// unknown keys.
	rawDriver map[string]any
	created   bool
}

// state is the subset of the scenario state file read by the driver.
type state struct {
	Created bool `json:"created"`
}

var _ driver.Host = &Config{}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}

	return &Config{
		Driver: DriverSection{
			Name:       driver.DefaultName,
			LibvirtURI: vmm.DefaultURI,
		},
		EphemeralDirectory: filepath.Join(cacheDir, "molecule", "default"),
		DevelopmentMode:    false,
	}
}

// LoadEnvFile loads environment variables from a dotenv file. Variables
// already set in the environment take precedence.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

// LoadConfig loads configuration from a YAML or JSON file and applies
// environment overrides. If configPath is empty, defaults and environment
// variables are used.
func LoadConfig(configPath string) (*Config, error) {
	config := NewDefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}

		rawDriver, err := rawDriverSection(data)
		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
		config.rawDriver = rawDriver
	}

	config.applyEnvironmentOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := config.loadState(); err != nil {
		return nil, err
	}

	return config, nil
}

// rawDriverSection returns the `driver` section of a config document as
// generic JSON values, or nil when the document has none.
func rawDriverSection(data []byte) (map[string]any, error) {
	b, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Driver map[string]any `json:"driver"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}

	return doc.Driver, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the config
func (c *Config) applyEnvironmentOverrides() {
	if val := os.Getenv("MOLECULE_EPHEMERAL_DIRECTORY"); val != "" {
		c.EphemeralDirectory = val
	}
	if val := os.Getenv("MOLECULE_INSTANCE_CONFIG"); val != "" {
		c.InstanceConfig = val
	}
	if val := os.Getenv("LIBVIRT_DEFAULT_URI"); val != "" {
		c.Driver.LibvirtURI = val
	}
	if val := os.Getenv("MOLECULE_LIBVIRT_DEV_MODE"); val != "" {
		c.DevelopmentMode = val == "true" || val == "1" || val == "yes"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Driver.Name == "" {
		errs = append(errs, errors.New("driver.name cannot be empty"))
	}

	if c.EphemeralDirectory == "" && c.InstanceConfig == "" {
		errs = append(errs, errors.New("one of ephemeral_directory or instance_config must be set"))
	}

	if err := driver.ValidateSchema(c.driverSection()); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// driverSection returns the `driver` section to validate against the driver
// schema. The section read from the config file is preferred so that unknown
// keys are reported; settings it omits fall back to the decoded values.
func (c *Config) driverSection() any {
	if c.rawDriver == nil {
		return c.Driver
	}

	section := maps.Clone(c.rawDriver)
	if _, ok := section["name"]; !ok {
		section["name"] = c.Driver.Name
	}
	if c.Driver.LibvirtURI != "" {
		section["libvirt_uri"] = c.Driver.LibvirtURI
	}
	return section
}

// loadState reads the scenario state file. A missing file means nothing was
// created yet.
func (c *Config) loadState() error {
	path := c.stateFilePath()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		c.created = false
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading state file %s: %w", path, err)
	}

	var s state
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("parsing state file %s: %w", path, err)
	}

	c.created = s.Created
	return nil
}

func (c *Config) stateFilePath() string {
	if c.StateFile != "" {
		return c.StateFile
	}
	return filepath.Join(c.EphemeralDirectory, stateFileName)
}

// Managed implements driver.Host.
func (c *Config) Managed() bool {
	return c.Driver.Options.IsManaged()
}

// Options implements driver.Host.
func (c *Config) Options() driver.Options {
	return c.Driver.Options
}

// InstanceConfigPath implements driver.Host.
func (c *Config) InstanceConfigPath() string {
	if c.InstanceConfig != "" {
		return c.InstanceConfig
	}
	return filepath.Join(c.EphemeralDirectory, instanceConfigFileName)
}

// BaseSSHConnectionOptions implements driver.Host.
func (c *Config) BaseSSHConnectionOptions() []string {
	return slices.Clone(defaultSSHConnectionOptions)
}

// SSHConnectionOptions implements driver.Host.
func (c *Config) SSHConnectionOptions() []string {
	return c.Driver.SSHConnectionOptions
}

// Created implements driver.Host.
func (c *Config) Created() bool {
	return c.created
}

// LibvirtURI implements driver.Host.
func (c *Config) LibvirtURI() string {
	return c.Driver.LibvirtURI
}
