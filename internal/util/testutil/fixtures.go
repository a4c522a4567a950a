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

// Package testutil holds fixtures shared by the unit tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// InstanceConfigFileName is the file name provisioning uses for the instance
// config inside a scenario's ephemeral directory.
const InstanceConfigFileName = "instance_config.yml"

// CompleteInstanceConfig holds a single managed instance with every login
// field set and no password.
const CompleteInstanceConfig = `- instance: alpha
  address: 10.0.0.5
  user: root
  port: 22
  identity_file: /k
`

// WriteFile writes content to path, creating parent directories as needed.
func WriteFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create directory for %q: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %q: %v", path, err)
	}
}

// WriteInstanceConfig writes content as the instance config of dir and
// returns its path. An empty content leaves the file absent, as before
// provisioning.
func WriteInstanceConfig(t *testing.T, dir, content string) string {
	t.Helper()

	path := filepath.Join(dir, InstanceConfigFileName)
	if content != "" {
		WriteFile(t, path, content)
	}

	return path
}
