package ssh

// ssh.go implements a facade over 'x/crypto/ssh', simplifying SSH connection
// construction (with retryable/fatal failure classification) and single
// command execution.

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	sshDefaultPort    = 22
	sshDefaultTimeout = 10 * time.Second
)

var (
	// ErrNotYetAvailable marks a connection failure which is expected while a
	// freshly launched host boots: nothing is listening yet, or the SSH daemon
	// hung up before completing the handshake. Callers may retry these.
	ErrNotYetAvailable = fmt.Errorf("SSH is not yet available")

	ErrSSHFailedDial   = fmt.Errorf("failed to establish TCP connection")
	ErrSSHHandshake    = fmt.Errorf("SSH handshake failed")
	ErrFailedHostParse = fmt.Errorf("failed to parse hostname")
	ErrHostKeyInvalid  = fmt.Errorf("target's host key is invalid")
)

// Dialer opens SSH connections authenticated with PEM-encoded private key
// material.
type Dialer struct {
	// Port is the remote TCP port, 22 when zero.
	Port uint16

	// Timeout bounds both the TCP dial and the SSH handshake of a single
	// attempt. Defaults to 10 seconds.
	Timeout time.Duration

	// HostKeys, when non-empty, restricts the accepted host keys. When empty
	// all host keys are accepted (the host was created moments ago, there is
	// nothing to pin against).
	HostKeys []ssh.PublicKey

	// Stdout and Stderr receive the remote command's output streams. Nil
	// discards them.
	Stdout io.Writer
	Stderr io.Writer
}

// Dial parses 'key' and opens an SSH connection to 'host' as 'user'.
//
// Errors wrapping 'ErrNotYetAvailable' are retryable, all other errors are not.
func (d Dialer) Dial(ctx context.Context, host, user string, key []byte) (*Client, error) {
	signer, err := ParseKey(key, nil)
	if err != nil {
		return nil, err // No annotation required.
	}
	client, err := Connect(ctx, host, d.Port, user, signer, d.Timeout, d.HostKeys...)
	if err != nil {
		return nil, err
	}
	client.stdout, client.stderr = d.Stdout, d.Stderr
	return client, nil
}

// Connect establishes an SSH connection to 'host' on TCP port 'port'.
//
// 'host' can be any of: hostname, ipv4 address or ipv6 address. If 'host' is
// an empty string, ipv4 loopback is used. If 'port' is 0, a default value of
// '22' is used. If 'timeout' is 0, 'sshDefaultTimeout' is used.
//
// 'keypair' is used for public key authentication when connecting to 'host'.
//
// Any values provided to 'hostKeys' will be used to compare against the host
// key offered by 'host' when a connection is attempted. If no 'hostKeys' value
// is provided, all host keys will be accepted.
func Connect(
	ctx context.Context,
	host string, port uint16,
	user string, keypair ssh.Signer,
	timeout time.Duration,
	hostKeys ...ssh.PublicKey,
) (*Client, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = sshDefaultPort
	}
	if timeout == 0 {
		timeout = sshDefaultTimeout
	}
	config := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(keypair),
		},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			// If 'hostKeys' was not provided to 'Connect', simply return nil.
			//
			// This behavior is the same as 'ssh.InsecureIgnoreHostKey'.
			if len(hostKeys) == 0 {
				return nil
			}
			for _, hostKey := range hostKeys {
				if bytes.Equal(hostKey.Marshal(), key.Marshal()) {
					return nil
				}
			}
			return ErrHostKeyInvalid
		},
		Timeout: timeout,
	}
	target, err := joinHostPort(ctx, host, port)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrSSHFailedDial, ctxErr)
		}
		return nil, fmt.Errorf("%w: %w: %w", ErrNotYetAvailable, ErrSSHFailedDial, err)
	}
	// 'ssh.NewClientConn' has no notion of deadlines, bound the handshake with
	// one on the underlying connection.
	_ = conn.SetDeadline(time.Now().Add(timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, target, config)
	if err != nil {
		_ = conn.Close()
		if handshakeIncomplete(err) {
			return nil, fmt.Errorf("%w: %w: %w", ErrNotYetAvailable, ErrSSHHandshake, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrSSHHandshake, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return &Client{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// handshakeIncomplete reports whether a handshake error means the remote end
// went away mid-handshake (daemon still starting), as opposed to a definitive
// rejection such as failed authentication.
func handshakeIncomplete(err error) bool {
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Older 'x/crypto/ssh' releases flatten handshake errors to strings.
	msg := err.Error()
	return strings.HasSuffix(msg, ": EOF") || strings.Contains(msg, "connection reset by peer")
}

// joinHostPort parses and validates 'host' is a valid IPv4 or IPv6 address,
// then joins it with the port in the address-family-specific format.
//
// If 'host' is a hostname, the hostname will be resolved, then joinHostPort
// will recurse using the first of the resolved addresses.
func joinHostPort(ctx context.Context, host string, port uint16) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if addr := net.ParseIP(host); addr == nil {
		addrs, err := net.DefaultResolver.LookupHost(ctx, host)
		if err != nil || len(addrs) == 0 {
			return "", fmt.Errorf("%w: %s", ErrFailedHostParse, host)
		}
		return joinHostPort(ctx, addrs[0], port)
	} else if ipv4 := addr.To4(); ipv4 != nil {
		return fmt.Sprintf("%s:%d", ipv4.String(), port), nil
	} else {
		return fmt.Sprintf("[%s]:%d", addr.To16().String(), port), nil
	}
}

var (
	ErrSessionInit = fmt.Errorf("failed to begin SSH session")
	ErrCMDExec     = fmt.Errorf("failed to execute SSH command")
	ErrInWait      = fmt.Errorf("SSH command did not exit cleanly")
	ErrCMDCancel   = fmt.Errorf("SSH command cancelled")
	ErrClose       = fmt.Errorf("failed to close SSH connection")
)

// Client is an open SSH connection.
type Client struct {
	client *ssh.Client
	stdout io.Writer
	stderr io.Writer

	closeOnce sync.Once
	closeErr  error
}

// Run executes 'cmd' in a new session, streaming its output to the Dialer's
// writers, and returns the remote exit status.
//
// A non-zero exit status is not an error. Errors are reserved for failures to
// run the command at all, or to learn how it exited.
//
// If 'ctx' is cancelled while the command runs, the remote process is sent
// SIGTERM and the session is closed.
func (c *Client) Run(ctx context.Context, cmd string) (int, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("%w: %w", ErrSessionInit, err)
	}
	defer session.Close()
	session.Stdout = orDiscard(c.stdout)
	session.Stderr = orDiscard(c.stderr)
	if err := session.Start(cmd); err != nil {
		return -1, fmt.Errorf("%w: %w", ErrCMDExec, err)
	}
	done := make(chan error, 1)
	go func() { done <- session.Wait() }()
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		return -1, fmt.Errorf("%w: %w", ErrCMDCancel, ctx.Err())
	case err := <-done:
		if err == nil {
			return 0, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		return -1, fmt.Errorf("%w: %w", ErrInWait, err)
	}
}

// Close closes the connection. Calls after the first return the first call's
// result.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if err := c.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = fmt.Errorf("%w: %w", ErrClose, err)
		}
	})
	return c.closeErr
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
