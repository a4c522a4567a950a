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

package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	defaultPort = "22"
	dialTimeout = 10 * time.Second
	retryPeriod = 5 * time.Second
)

var (
	errMissingHost        = errors.New("connection options have no ansible_host")
	errMissingUser        = errors.New("connection options have no ansible_user")
	errNoAuthMethod       = errors.New("connection options have neither a private key file nor a password")
	errReadPrivateKey     = errors.New("unable to read private key")
	errParsePrivateKey    = errors.New("unable to parse private key")
	errConnect            = errors.New("unable to connect")
	errRemoteCommand      = errors.New("remote command failed")
	errTimeoutAwaitingSSH = errors.New("timed out waiting for SSH server")
)

var _ Runner = &Client{}

// Client implements the Runner interface for real SSH connections.
type Client struct {
	Host       string
	User       string
	Port       string
	PrivateKey []byte
	Password   string
}

// NewClient creates a client from ansible connection options, as returned
// for a managed instance.
func NewClient(connectionOptions map[string]string) (*Client, error) {
	c := &Client{
		Host:     connectionOptions["ansible_host"],
		User:     connectionOptions["ansible_user"],
		Port:     connectionOptions["ansible_port"],
		Password: connectionOptions["ansible_password"],
	}

	if c.Host == "" {
		return nil, errMissingHost
	}
	if c.User == "" {
		return nil, errMissingUser
	}
	if c.Port == "" {
		c.Port = defaultPort
	}

	if path := connectionOptions["ansible_private_key_file"]; path != "" {
		key, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Join(err, fmt.Errorf("path=%s", path), errReadPrivateKey)
		}
		c.PrivateKey = key
	}

	if len(c.PrivateKey) == 0 && c.Password == "" {
		return nil, errNoAuthMethod
	}

	return c, nil
}

// Addr returns the host:port the client dials.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

func (c *Client) config() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if len(c.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(c.PrivateKey)
		if err != nil {
			return nil, errors.Join(err, errParsePrivateKey)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}

	return &ssh.ClientConfig{
		User: c.User,
		Auth: auth,
		// Instances are ephemeral; the default flags disable host key checking too.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}, nil
}

func (c *Client) dial(ctx context.Context, config *ssh.ClientConfig) (*ssh.Client, error) {
	addr := c.Addr()

	d := net.Dialer{Timeout: config.Timeout}
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("addr=%s", addr), errConnect)
	}

	conn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		return nil, errors.Join(err, fmt.Errorf("addr=%s", addr), errConnect)
	}

	return ssh.NewClient(conn, chans, reqs), nil
}

// Run executes cmd on the remote host. Arguments are single-quoted.
func (c *Client) Run(ctx context.Context, cmd ...string) (stdout, stderr string, err error) {
	config, err := c.config()
	if err != nil {
		return "", "", err
	}

	conn, err := c.dial(ctx, config)
	if err != nil {
		return "", "", err
	}
	defer runFuncAndLogErr(conn.Close)

	session, err := conn.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("unable to create SSH session: %w", err)
	}
	defer runFuncAndLogErr(session.Close)

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	if err := session.Run(FormatCmd(cmd...)); err != nil {
		return stdoutBuf.String(), stderrBuf.String(), errors.Join(err, errRemoteCommand)
	}

	return stdoutBuf.String(), stderrBuf.String(), nil
}

// AwaitServer waits until an SSH session can be established, retrying every
// few seconds until timeout elapses or ctx is done.
func (c *Client) AwaitServer(ctx context.Context, timeout time.Duration) error {
	config, err := c.config()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tick := time.NewTicker(retryPeriod)
	defer tick.Stop()

	for {
		conn, err := c.dial(ctx, config)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		slog.Debug("failed to ssh", "addr", c.Addr(), "error", err.Error())

		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), fmt.Errorf("addr=%s", c.Addr()), errTimeoutAwaitingSSH)
		case <-tick.C:
		}
	}
}

// FormatCmd joins cmd into a single shell command line, quoting each
// argument except shell operators.
func FormatCmd(cmd ...string) string {
	quoted := make([]string, 0, len(cmd))
	for _, s := range cmd {
		if _, ok := unquotable[s]; ok {
			quoted = append(quoted, s)
			continue
		}
		quoted = append(quoted, "'"+strings.ReplaceAll(s, "'", `'\''`)+"'")
	}
	return strings.Join(quoted, " ")
}

var unquotable = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	"&":  {},
	"|":  {},
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}
