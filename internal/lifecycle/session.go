package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/run-on-ec2/internal/log"
	"github.com/chainguard-dev/run-on-ec2/internal/ssh"
	"github.com/chainguard-dev/run-on-ec2/internal/wait"
)

// Conn is an open remote shell connection.
type Conn interface {
	// Run executes 'cmd' verbatim and returns its exit status.
	Run(ctx context.Context, cmd string) (int, error)
	Close() error
}

// Dialer opens connections. An error wrapping 'ssh.ErrNotYetAvailable' means
// the remote end isn't up yet and the dial may be retried.
type Dialer interface {
	Dial(ctx context.Context, host, user string, key []byte) (Conn, error)
}

// DialerFunc adapts a function to 'Dialer'.
type DialerFunc func(ctx context.Context, host, user string, key []byte) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, host, user string, key []byte) (Conn, error) {
	return f(ctx, host, user, key)
}

type SessionHandle struct {
	Host string
	User string
}

type RunResult struct {
	ExitStatus int

	// CommandEcho is the exact string sent to the remote end.
	CommandEcho string
}

// Session owns one remote shell connection.
type Session struct {
	Dialer Dialer

	// Poller waits for the remote end to accept connections.
	Poller wait.Poller

	conn   Conn
	handle SessionHandle
}

// Acquire connects to 'address' as 'user', retrying while the remote end is
// not yet available.
func (s *Session) Acquire(ctx context.Context, address, user string, cred CredentialHandle) (*SessionHandle, error) {
	if s.conn != nil {
		return nil, ErrSessionOpen
	}
	log.Info(ctx, "waiting for SSH to become available", "host", address, "user", user)
	err := s.Poller.UntilReady(ctx, func(ctx context.Context) (bool, error) {
		conn, err := s.Dialer.Dial(ctx, address, user, cred.Material.Reveal())
		switch {
		case err == nil:
			s.conn = conn
			return true, nil
		case errors.Is(err, ssh.ErrNotYetAvailable):
			log.Debug(ctx, "SSH not yet available", "host", address, "error", err)
			return false, nil
		default:
			return false, fmt.Errorf("%w: %w", ErrFatalSession, err)
		}
	})
	if err != nil {
		return nil, readinessError(err)
	}
	s.handle = SessionHandle{Host: address, User: user}
	return &s.handle, nil
}

// Execute runs 'command' in the remote user's login shell. A non-zero exit
// status is reported in the result, not as an error.
func (s *Session) Execute(ctx context.Context, command string) (RunResult, error) {
	if s.conn == nil {
		return RunResult{}, ErrNoSession
	}
	wire := ssh.LoginShell(command)
	log.Info(ctx, "running command", "command", command, "host", s.handle.Host)
	status, err := s.conn.Run(ctx, wire)
	if err != nil {
		return RunResult{ExitStatus: -1, CommandEcho: wire}, fmt.Errorf("%w: %w", ErrFatalSession, err)
	}
	log.Info(ctx, "command exited", "status", status)
	return RunResult{ExitStatus: status, CommandEcho: wire}, nil
}

// Release closes the connection. It is a no-op when none is open.
func (s *Session) Release(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}
	conn := s.conn
	s.conn = nil
	log.Info(ctx, "closing SSH connection", "host", s.handle.Host)
	return conn.Close()
}
