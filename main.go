// Command run-on-ec2 runs a shell command on a freshly launched EC2 instance
// and tears everything down afterwards.
//
// Usage:
//
//	NAME=build LAUNCH_TEMPLATE_NAMES=a,b SUBNET_ID=subnet-123 run-on-ec2 make test
//
// A command which starts with a dash must follow "--". The process exits with
// the remote command's exit status, or 1 when the run itself failed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/chainguard-dev/clog"
	runconfig "github.com/chainguard-dev/run-on-ec2/internal/config"
	"github.com/chainguard-dev/run-on-ec2/internal/lifecycle"
	"github.com/chainguard-dev/run-on-ec2/internal/log"
	"github.com/chainguard-dev/run-on-ec2/internal/o11y"
	"github.com/chainguard-dev/run-on-ec2/internal/provision"
	"github.com/chainguard-dev/run-on-ec2/internal/ssh"
	"github.com/chainguard-dev/run-on-ec2/internal/wait"
	"github.com/google/uuid"
)

// these will be set by the goreleaser configuration
// to appropriate values for the compiled binary.
var version string = "dev"

// exitFailure is returned when the run fails before or outside the command.
const exitFailure = 1

func main() {
	opts, err := parseArgs(os.Args[0], os.Args[1:], os.Stderr)
	switch {
	case errors.Is(err, flag.ErrHelp):
		return
	case err != nil:
		os.Exit(exitFailure)
	}

	if opts.version {
		fmt.Println(version)
		return
	}

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	code := run(ctx, opts.command, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type options struct {
	version bool
	command []string
}

// parseArgs parses the tool's own flags. Everything from the first non-flag
// argument on is the remote command. A command starting with a dash must
// follow "--".
func parseArgs(name string, args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&opts.version, "version", false, "print the version and exit")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s [flags] [--] command [args...]\n", name)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	opts.command = fs.Args()
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	command := strings.Join(args, " ")
	if strings.TrimSpace(command) == "" {
		fmt.Fprintln(stderr, "no command given")
		return exitFailure
	}

	settings, err := runconfig.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}

	providers, err := o11y.Setup(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "failed to set up telemetry: %v\n", err)
		return exitFailure
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := providers.Shutdown(ctx); err != nil {
			fmt.Fprintf(stderr, "failed to flush telemetry: %v\n", err)
		}
	}()

	runID := uuid.NewString()
	ctx, closeLog, err := log.Setup(ctx, log.Options{
		Level:          settings.Level(),
		Stderr:         stderr,
		Dir:            settings.LogDir,
		Name:           settings.Name,
		RunID:          runID,
		LoggerProvider: providers.LoggerProvider(),
	})
	if err != nil {
		fmt.Fprintf(stderr, "failed to set up logging: %v\n", err)
		return exitFailure
	}
	defer closeLog()

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		clog.ErrorContext(ctx, "failed to load AWS config", "error", err)
		return exitFailure
	}

	coordinator := newCoordinator(settings, ec2.NewFromConfig(awsCfg), runID, stdout, stderr)
	result, err := coordinator.Run(ctx, lifecycle.Request{
		Name:      settings.Name,
		RunID:     runID,
		Templates: settings.LaunchTemplateNames,
		SubnetID:  settings.SubnetID,
		User:      settings.SSHUser,
		Command:   command,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
	}
	return exitCode(result, err)
}

// newCoordinator wires the EC2 and SSH implementations into a coordinator.
func newCoordinator(s runconfig.Settings, client provision.EC2API, runID string, stdout, stderr io.Writer) *lifecycle.Coordinator {
	provider := &provision.EC2{
		Client:        client,
		ImportKeys:    s.ImportKeyPair,
		CapacityCodes: s.CapacityErrorCodes,
		Expiry:        s.ResourceExpiry,
		Tags:          map[string]string{provision.TagKeyRunID: runID},
	}
	dialer := ssh.Dialer{
		Port:   s.SSHPort,
		Stdout: stdout,
		Stderr: stderr,
	}
	return &lifecycle.Coordinator{
		Credential: &lifecycle.Credential{Service: provider, Classifier: provider},
		Compute: &lifecycle.Compute{
			Service:    provider,
			Classifier: provider,
			Poller:     wait.Poller{Interval: s.PollInterval, Timeout: s.InstanceReadyTimeout},
		},
		Session: &lifecycle.Session{
			Dialer: lifecycle.DialerFunc(func(ctx context.Context, host, user string, key []byte) (lifecycle.Conn, error) {
				client, err := dialer.Dial(ctx, host, user, key)
				if err != nil {
					// A nil '*ssh.Client' must not become a non-nil 'Conn'.
					return nil, err
				}
				return client, nil
			}),
			Poller: wait.Poller{Interval: s.PollInterval, Timeout: s.SSHReadyTimeout},
		},
		TeardownTimeout: s.TeardownTimeout,
		SkipTeardown:    s.SkipTeardown,
	}
}

// exitCode maps a run's outcome to the process exit status. Any failure,
// including one which only hit cleanup, exits with 'exitFailure'.
func exitCode(result lifecycle.RunResult, err error) int {
	if err != nil {
		return exitFailure
	}
	if result.ExitStatus < 0 || result.ExitStatus > 255 {
		return exitFailure
	}
	return result.ExitStatus
}
