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

// Package instance reads the instance config file written by the libvirt
// provisioning playbooks and looks up per-instance connection records.
package instance

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"sigs.k8s.io/yaml"
)

var (
	// ErrNotFound indicates the instance config is readable but holds no
	// record for the requested instance.
	ErrNotFound = errors.New("instance not found in instance config")
	// ErrConfigUnavailable indicates the instance config file does not exist
	// or cannot be read, e.g. before the instances are provisioned.
	ErrConfigUnavailable = errors.New("instance config unavailable")
	// ErrMalformed indicates the instance config file exists but its content
	// is not a list of instance records.
	ErrMalformed = errors.New("instance config malformed")

	errUnsupportedValue = errors.New("unsupported instance config value")
	errMissingInstance  = errors.New("record has no instance name")
)

// Value is a scalar read from the instance config. Playbooks write ports as
// numbers and some flags as booleans, so every scalar is normalized to its
// string form. A null or false value reads as the empty string.
type Value string

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	switch t := raw.(type) {
	case nil:
		*v = ""
	case string:
		*v = Value(t)
	case bool:
		if t {
			*v = "true"
		} else {
			*v = ""
		}
	case float64:
		*v = Value(strconv.FormatFloat(t, 'f', -1, 64))
	default:
		return errors.Join(fmt.Errorf("value=%s", b), errUnsupportedValue)
	}

	return nil
}

// String returns the value as a plain string.
func (v Value) String() string {
	return string(v)
}

// IsSet reports whether the value is non-empty.
func (v Value) IsSet() bool {
	return v != ""
}

// Record holds the connection parameters of one provisioned instance.
type Record struct {
	Instance string `json:"instance"`

	Address      Value `json:"address,omitempty"`
	User         Value `json:"user,omitempty"`
	Port         Value `json:"port,omitempty"`
	IdentityFile Value `json:"identity_file,omitempty"`
	Password     Value `json:"password,omitempty"`

	BecomePass   Value `json:"become_pass,omitempty"`
	BecomeMethod Value `json:"become_method,omitempty"`

	WinRMTransport            Value `json:"winrm_transport,omitempty"`
	WinRMCertPEM              Value `json:"winrm_cert_pem,omitempty"`
	WinRMCertKeyPEM           Value `json:"winrm_cert_key_pem,omitempty"`
	WinRMServerCertValidation Value `json:"winrm_server_cert_validation,omitempty"`

	ShellType  Value `json:"shell_type,omitempty"`
	Connection Value `json:"connection,omitempty"`
}

// Fields returns the instance name and every non-empty field of the record,
// keyed by their instance config names.
func (r Record) Fields() map[string]string {
	out := map[string]string{"instance": r.Instance}

	for key, value := range map[string]Value{
		"address":                      r.Address,
		"user":                         r.User,
		"port":                         r.Port,
		"identity_file":                r.IdentityFile,
		"password":                     r.Password,
		"become_pass":                  r.BecomePass,
		"become_method":                r.BecomeMethod,
		"winrm_transport":              r.WinRMTransport,
		"winrm_cert_pem":               r.WinRMCertPEM,
		"winrm_cert_key_pem":           r.WinRMCertKeyPEM,
		"winrm_server_cert_validation": r.WinRMServerCertValidation,
		"shell_type":                   r.ShellType,
		"connection":                   r.Connection,
	} {
		if value.IsSet() {
			out[key] = value.String()
		}
	}

	return out
}

// ConfigFile is the ordered list of records persisted in the instance config.
type ConfigFile []Record

// Load reads and parses the instance config at path. YAML and JSON are both
// accepted. An empty file yields an empty list.
//
// A missing or unreadable file is reported as ErrConfigUnavailable, while
// content that cannot be parsed into records is reported as ErrMalformed.
func Load(path string) (ConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("path=%s", path), ErrConfigUnavailable)
	}

	var records ConfigFile
	if err := yaml.Unmarshal(data, &records); err != nil {
		return nil, errors.Join(err, fmt.Errorf("path=%s", path), ErrMalformed)
	}

	// A record without a name fails the whole file, wherever it appears.
	for i, r := range records {
		if r.Instance == "" {
			return nil, errors.Join(
				fmt.Errorf("path=%s index=%d", path, i),
				errMissingInstance,
				ErrMalformed,
			)
		}
	}

	return records, nil
}

// Find returns the first record named name.
func (c ConfigFile) Find(name string) (Record, error) {
	for _, r := range c {
		if r.Instance == name {
			return r, nil
		}
	}

	return Record{}, errors.Join(fmt.Errorf("instance=%s", name), ErrNotFound)
}

// Names returns the instance names in file order.
func (c ConfigFile) Names() []string {
	out := make([]string, 0, len(c))
	for _, r := range c {
		out = append(out, r.Instance)
	}
	return out
}

// Lookup loads the instance config at path and returns the record named name.
func Lookup(path, name string) (Record, error) {
	records, err := Load(path)
	if err != nil {
		return Record{}, err
	}

	return records.Find(name)
}
