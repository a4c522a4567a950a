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
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

// SchemaFileName is the name of the driver's JSON schema file.
const SchemaFileName = "driver.json"

//go:embed driver.json
var schema []byte

var (
	errParseSchema    = errors.New("failed to parse driver schema")
	errEncodeDriver   = errors.New("failed to encode driver section")
	errInvalidSection = errors.New("driver section does not match schema")
)

// Schema returns the JSON schema of the `driver` section.
func Schema() []byte {
	out := make([]byte, len(schema))
	copy(out, schema)
	return out
}

// ValidateSchema validates a `driver` section against the driver's schema.
// section may be any value that encodes to a JSON object.
func ValidateSchema(section any) error {
	var s openapi3.Schema
	if err := json.Unmarshal(schema, &s); err != nil {
		return errors.Join(err, errParseSchema)
	}

	// Round-trip so that structs and typed maps become generic JSON values.
	b, err := json.Marshal(section)
	if err != nil {
		return errors.Join(err, errEncodeDriver)
	}

	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return errors.Join(err, errEncodeDriver)
	}

	if err := s.VisitJSON(doc, openapi3.MultiErrors()); err != nil {
		return errors.Join(fmt.Errorf("%s: %w", SchemaFileName, err), errInvalidSection)
	}

	return nil
}
