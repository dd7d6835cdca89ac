package lifecycle

import (
	"context"
	"time"

	"github.com/chainguard-dev/run-on-ec2/internal/log"
	"github.com/chainguard-dev/run-on-ec2/internal/o11y"
	"github.com/chainguard-dev/run-on-ec2/internal/provision"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/chainguard-dev/run-on-ec2/internal/lifecycle"

type State string

const (
	StateIdle               State = "idle"
	StateCredentialAcquired State = "credential-acquired"
	StateComputeAcquired    State = "compute-acquired"
	StateSessionAcquired    State = "session-acquired"
	StateExecuted           State = "executed"
	StateDone               State = "done"
	StateFailed             State = "failed"
)

type Request struct {
	// Name is the base name for every resource.
	Name string

	// RunID makes resource names unique. A random UUID when empty.
	RunID string

	Templates []string
	SubnetID  string
	User      string
	Command   string
}

// Coordinator runs one command on one ephemeral instance.
type Coordinator struct {
	Credential *Credential
	Compute    *Compute
	Session    *Session

	// TeardownTimeout bounds the release of everything acquired. Zero means
	// unbounded.
	TeardownTimeout time.Duration

	// SkipTeardown leaves every acquired resource in place.
	SkipTeardown bool

	state State
}

func (c *Coordinator) State() State {
	if c.state == "" {
		return StateIdle
	}
	return c.state
}

// Run acquires a credential, an instance and a session, executes the command
// and releases everything in reverse order.
//
// Releases run even when 'ctx' is cancelled. On failure the returned error is
// a '*Failure' whose cause is the first error hit. When only a release fails
// the result is returned alongside a '*Failure' for 'StageRelease'.
func (c *Coordinator) Run(ctx context.Context, req Request) (RunResult, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String(o11y.AttrName, req.Name),
			attribute.String(o11y.AttrRunID, req.RunID),
		))
	defer span.End()
	ctx = log.With(ctx, o11y.AttrRunID, req.RunID)

	c.state = StateIdle
	stack := new(stack)
	result, stage, err := c.run(ctx, req, stack)
	cleanup := c.teardown(ctx, stack)

	if err != nil {
		c.state = StateFailed
		log.Error(ctx, "run failed", o11y.AttrStage, stage, "error", err)
		if cleanup != nil {
			log.Error(ctx, "releasing resources failed", "error", cleanup)
		}
		span.SetStatus(codes.Error, err.Error())
		return RunResult{}, &Failure{Stage: stage, Err: err, Cleanup: cleanup}
	}
	if cleanup != nil {
		c.state = StateFailed
		log.Error(ctx, "releasing resources failed", "error", cleanup)
		span.SetStatus(codes.Error, cleanup.Error())
		return result, &Failure{Stage: StageRelease, Err: cleanup}
	}
	c.state = StateDone
	span.SetAttributes(attribute.Int("exit_status", result.ExitStatus))
	return result, nil
}

func (c *Coordinator) run(ctx context.Context, req Request, stack *stack) (RunResult, Stage, error) {
	credName := req.Name + "-" + req.RunID
	cred, err := traced(ctx, StageCredential, func(ctx context.Context) (CredentialHandle, error) {
		return c.Credential.Acquire(ctx, credName)
	})
	if err != nil {
		return RunResult{}, StageCredential, err
	}
	stack.Push(releaser("key pair "+credName, c.Credential.Release))
	c.state = StateCredentialAcquired

	compute, err := traced(ctx, StageCompute, func(ctx context.Context) (ComputeHandle, error) {
		return c.Compute.Acquire(ctx, ComputeRequest{
			Name:           req.Name,
			Templates:      req.Templates,
			CredentialName: cred.Name,
			SubnetID:       req.SubnetID,
			Tags:           map[string]string{provision.TagKeyRunID: req.RunID},
		})
	})
	if err != nil {
		return RunResult{}, StageCompute, err
	}
	stack.Push(releaser("instance "+compute.InstanceID, c.Compute.Release))
	c.state = StateComputeAcquired

	_, err = traced(ctx, StageSession, func(ctx context.Context) (*SessionHandle, error) {
		return c.Session.Acquire(ctx, compute.PrivateAddress, req.User, cred)
	})
	if err != nil {
		return RunResult{}, StageSession, err
	}
	stack.Push(releaser("session to "+compute.PrivateAddress, c.Session.Release))
	c.state = StateSessionAcquired

	result, err := traced(ctx, StageExecute, func(ctx context.Context) (RunResult, error) {
		return c.Session.Execute(ctx, req.Command)
	})
	if err != nil {
		return RunResult{}, StageExecute, err
	}
	c.state = StateExecuted
	return result, "", nil
}

// teardown destroys 'stack' on a context which outlives cancellation of
// 'ctx'.
func (c *Coordinator) teardown(ctx context.Context, stack *stack) error {
	if stack.Len() == 0 {
		return nil
	}
	if c.SkipTeardown {
		log.Warn(ctx, "skipping teardown, acquired resources are left in place", "resources", stack.Len())
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	if c.TeardownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.TeardownTimeout)
		defer cancel()
	}
	_, err := traced(ctx, StageRelease, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, stack.Destroy(ctx)
	})
	return err
}

// traced runs 'fn' in a span named after 'stage'.
func traced[T any](ctx context.Context, stage Stage, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, string(stage))
	defer span.End()
	v, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return v, err
}
