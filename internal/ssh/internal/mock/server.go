package mock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

type (
	// server represents an SSH server which "executes" commands by reporting a
	// configurable exit status.
	//
	// server is constructed by 'NewServer', can be started (begin listening and
	// serving connections) by calling its 'ListenAndServe' method. When finished,
	// a call to 'Shutdown' will gracefully shutdown the TCP listener.
	server struct {
		// The SSH server configuration.
		//
		// These options may be modified _prior_ to calling 'ListenAndServe',
		// modifying after will have no effect.
		Config *ssh.ServerConfig

		// ExitStatus decides the exit status reported for each executed command.
		// Nil reports 0 for everything.
		ExitStatus func(cmd string) uint32

		// Output, when set, produces the stdout written back for each executed
		// command.
		Output func(cmd string) string

		// Holds the closure we'll use to shut down the Server.
		cancel context.CancelFunc

		listener *net.TCPListener

		// All connection and channel handlers run in 'group'.
		group errgroup.Group
	}
	// PubKeyCallback is the function called when the server receives an
	// authentication attempt via public key. Any non-nil error returned will
	// immediately abort the connection.
	PubKeyCallback func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error)

	// ExecChannel produces the decoded command of every 'exec' request the
	// server receives, in arrival order.
	ExecChannel <-chan string
)

var ErrUnauthorized = fmt.Errorf("public key is not authorized")

// PublicKeyCallback accepts a connection only when it offers one of
// 'authorized'.
func PublicKeyCallback(authorized ...ssh.PublicKey) PubKeyCallback {
	return func(_ ssh.ConnMetadata, offered ssh.PublicKey) (*ssh.Permissions, error) {
		for _, key := range authorized {
			if bytes.Equal(key.Marshal(), offered.Marshal()) {
				return nil, nil
			}
		}
		return nil, ErrUnauthorized
	}
}

func NewServer(t *testing.T, signer ssh.Signer, fn PubKeyCallback) (*server, error) {
	if t == nil {
		return nil, fmt.Errorf("no *testing.T provided in call to NewServer")
	}
	if fn == nil {
		return nil, fmt.Errorf("a non-nil public key callback is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("a non-nil ssh.Signer is required")
	}
	config := &ssh.ServerConfig{
		PublicKeyCallback: fn,
	}
	config.AddHostKey(signer)
	return &server{Config: config}, nil
}

// ListenAndServe begins listening on an ephemeral loopback port (see 'Port')
// and serving SSH connections until 'Shutdown' is called.
func (self *server) ListenAndServe(t *testing.T, ctx context.Context) (ExecChannel, error) {
	ctx, self.cancel = context.WithCancel(ctx)
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{
		IP: net.IPv4(127, 0, 0, 1),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to listen on loopback: %w", err)
	}
	self.listener = listener
	execs := make(chan string, 64)
	self.group.Go(func() error {
		return self.serve(t, ctx, execs)
	})
	return execs, nil
}

// Port reports the TCP port the server listens on.
func (self *server) Port() uint16 {
	return uint16(self.listener.Addr().(*net.TCPAddr).Port)
}

func (self *server) serve(t *testing.T, ctx context.Context, execs chan<- string) error {
	defer self.listener.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			// Don't block forever.
			_ = self.listener.SetDeadline(time.Now().Add(100 * time.Millisecond))
			conn, err := self.listener.AcceptTCP()
			if err != nil {
				var operr *net.OpError
				if errors.As(err, &operr) && operr.Timeout() {
					continue
				}
				t.Errorf("accepting TCP connection: %s", err)
				return err
			}
			self.group.Go(func() error {
				return self.handleTCPConn(ctx, conn, execs)
			})
		}
	}
}

// handleTCPConn attempts an SSH handshake over the provided '*net.TCPConn'.
//
// If successful it will continuously drain the inbound channel requests
// channel, accepting 'session' channel requests and spawning a channel handler
// in a separate Goroutine. A failed handshake (for example an unauthorized
// key) simply drops the connection, as a real server would.
func (self *server) handleTCPConn(ctx context.Context, conn *net.TCPConn, execs chan<- string) error {
	sshConn, inChanReqChan, inReqChan, err := ssh.NewServerConn(conn, self.Config)
	if err != nil {
		log.Debug("SSH handshake failed", "error", err)
		_ = conn.Close()
		return nil
	}
	defer sshConn.Close()
	// This just ACKs all global requests, if one was received and requested a
	// reply.
	go ssh.DiscardRequests(inReqChan)
	for {
		select {
		case <-ctx.Done():
			return nil
		case newChannelRequest, ok := <-inChanReqChan:
			if !ok {
				return nil
			}
			if newChannelRequest.ChannelType() != "session" {
				_ = newChannelRequest.Reject(ssh.UnknownChannelType, "unknown channel type")
				continue
			}
			channel, channelReqs, err := newChannelRequest.Accept()
			if err != nil {
				return fmt.Errorf("accepting session channel: %w", err)
			}
			self.group.Go(func() error {
				return self.handleChannel(ctx, channel, channelReqs, execs)
			})
		}
	}
}

// handleChannel processes the requests delivered over a session channel.
//
// The first 'exec' request is ACKed, its command is delivered over 'execs', any
// configured output is written and the configured exit status is reported,
// after which the channel is closed. Stdin is drained and ignored.
func (self *server) handleChannel(
	ctx context.Context,
	channel ssh.Channel,
	inReqChan <-chan *ssh.Request,
	execs chan<- string,
) error {
	defer channel.Close()
	stdin := asyncRead(channel)
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, more := <-stdin:
			if !more {
				// Stop selecting on the drained stdin channel.
				stdin = nil
			}
		case channelRequest, ok := <-inReqChan:
			if !ok {
				return nil
			}
			if channelRequest.Type != "exec" {
				log.Warn("rejecting unsupported channel request", "type", channelRequest.Type)
				if channelRequest.WantReply {
					_ = channelRequest.Reply(false, nil)
				}
				continue
			}
			cmd, err := unmarshalExec(channelRequest.Payload)
			if err != nil {
				_ = channelRequest.Reply(false, nil)
				return fmt.Errorf("decoding exec payload: %w", err)
			}
			log.Debug("received an 'exec' channel request", "command", cmd)
			if channelRequest.WantReply {
				if err := channelRequest.Reply(true, nil); err != nil {
					return err
				}
			}
			select {
			case execs <- cmd:
			case <-ctx.Done():
				return nil
			}
			if self.Output != nil {
				if _, err := channel.Write([]byte(self.Output(cmd))); err != nil {
					return err
				}
			}
			var status uint32
			if self.ExitStatus != nil {
				status = self.ExitStatus(cmd)
			}
			_, err = channel.SendRequest("exit-status", false, marshalExitStatus(status))
			return err
		}
	}
}

var ErrServerNotStarted = fmt.Errorf(
	"shutdown called without a call to 'ListenAndServe' first",
)

// Shutdown cancels the server and waits for all Goroutines to exit, or for
// 'ctx' to be marked done.
func (self *server) Shutdown(ctx context.Context) error {
	if self.cancel == nil {
		return ErrServerNotStarted
	}
	self.cancel()
	done := make(chan error, 1)
	go func() { done <- self.group.Wait() }()
	select {
	case <-ctx.Done():
		return context.DeadlineExceeded
	case err := <-done:
		return err
	}
}
