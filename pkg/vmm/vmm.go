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

// Package vmm inspects the libvirt domains backing provisioned instances.
package vmm

import (
	"context"
	"errors"
	"fmt"

	"libvirt.org/go/libvirt"
)

// DefaultURI is the libvirt connection URI used when none is configured.
const DefaultURI = "qemu:///system"

var (
	errConnectLibvirt        = errors.New("failed to connect to libvirt")
	errLibvirtNotInitialized = errors.New("libvirt connection is not initialized")
	errConnectionNotAlive    = errors.New("libvirt connection is not alive")
)

// VMM wraps a libvirt connection.
type VMM struct {
	conn *libvirt.Connect
	uri  string
}

// VMMOption is a function that modifies VMM configuration
type VMMOption func(*VMM)

// WithURI sets the libvirt connection URI.
func WithURI(uri string) VMMOption {
	return func(v *VMM) {
		v.uri = uri
	}
}

// NewVMM connects to libvirt, on qemu:///system unless WithURI is given.
func NewVMM(opts ...VMMOption) (*VMM, error) {
	v := &VMM{uri: DefaultURI}

	for _, opt := range opts {
		opt(v)
	}

	conn, err := libvirt.NewConnect(v.uri)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("uri=%s", v.uri), errConnectLibvirt)
	}

	v.conn = conn
	return v, nil
}

// URI returns the connection URI.
func (v *VMM) URI() string {
	return v.uri
}

// Close closes the libvirt connection.
func (v *VMM) Close() error {
	if v.conn == nil {
		return nil
	}
	_, err := v.conn.Close()
	return err
}

// Ping opens a connection to uri, checks it is alive and closes it.
// The libvirt client does not take a context, so a cancelled ctx abandons
// the attempt and the connection is closed in the background.
func Ping(ctx context.Context, uri string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		v, err := NewVMM(WithURI(uri))
		if err != nil {
			done <- err
			return
		}
		defer v.Close()

		alive, err := v.conn.IsAlive()
		if err != nil {
			done <- errors.Join(err, errConnectionNotAlive)
			return
		}
		if !alive {
			done <- errConnectionNotAlive
			return
		}
		done <- nil
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}
