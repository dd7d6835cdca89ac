package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/run-on-ec2/internal/fallback"
	"github.com/chainguard-dev/run-on-ec2/internal/log"
	"github.com/chainguard-dev/run-on-ec2/internal/provision"
	"github.com/chainguard-dev/run-on-ec2/internal/wait"
)

type ComputeRequest struct {
	// Name tags the instance.
	Name string

	// Templates are the launch options, tried in order.
	Templates []string

	CredentialName string
	SubnetID       string

	Tags map[string]string
}

type ComputeHandle struct {
	InstanceID     string
	PrivateAddress string
	TemplateUsed   string
}

// Compute owns one instance.
type Compute struct {
	Service    provision.Service
	Classifier provision.Classifier

	// Poller waits for the instance to be running.
	Poller wait.Poller

	handle   *ComputeHandle
	released bool
}

// Acquire launches an instance from the first template with capacity and
// waits for it to be running with a private address.
//
// A capacity rejection moves on to the next template. Any other launch
// failure stops immediately. An instance which launched but never became
// ready is terminated before Acquire returns.
func (c *Compute) Acquire(ctx context.Context, req ComputeRequest) (ComputeHandle, error) {
	if len(req.Templates) == 0 {
		return ComputeHandle{}, fmt.Errorf("%w: no launch templates given", ErrFatalProvisioning)
	}

	var id, template string
	var capacityErr, fatalErr error
	attempts := fallback.Attempts(req.Templates, func(index int, option string) bool {
		log.Info(ctx, "launching instance", "name", req.Name, "template", option, "attempt", index+1)
		launched, err := c.Service.CreateInstance(ctx, provision.InstanceRequest{
			Name:           req.Name,
			Template:       option,
			CredentialName: req.CredentialName,
			SubnetID:       req.SubnetID,
			Tags:           req.Tags,
		})
		switch {
		case err == nil:
			id, template = launched, option
			return false
		case c.Classifier.IsCapacity(err):
			log.Warn(ctx, "launch template has no capacity", "template", option, "error", err)
			capacityErr = err
			return true
		default:
			fatalErr = err
			return false
		}
	})
	switch {
	case fatalErr != nil:
		return ComputeHandle{}, fmt.Errorf("%w: %w", ErrFatalProvisioning, fatalErr)
	case id == "":
		return ComputeHandle{}, fmt.Errorf("%w: tried %d templates, last: %w", ErrCapacityExhausted, attempts, capacityErr)
	}

	log.Info(ctx, "waiting for instance to be running", "id", id, "template", template)
	var instance provision.Instance
	err := c.Poller.UntilReady(ctx, func(ctx context.Context) (bool, error) {
		got, err := c.Service.DescribeInstance(ctx, id)
		if err != nil {
			// Freshly launched instances may not be visible yet.
			if c.Classifier.IsNotFound(err) {
				return false, nil
			}
			return false, fmt.Errorf("%w: %w", ErrFatalProvisioning, err)
		}
		switch got.State {
		case provision.StateRunning:
			if got.PrivateAddress == "" {
				return false, nil
			}
			instance = got
			return true, nil
		case provision.StatePending:
			return false, nil
		default:
			return false, fmt.Errorf("%w: instance %s is %s", ErrFatalProvisioning, id, got.State)
		}
	})
	if err != nil {
		err = readinessError(err)
		if terr := c.terminate(context.WithoutCancel(ctx), id); terr != nil {
			return ComputeHandle{}, errors.Join(err, &CleanupError{Resource: "instance " + id, Err: terr})
		}
		return ComputeHandle{}, err
	}

	c.handle = &ComputeHandle{
		InstanceID:     id,
		PrivateAddress: instance.PrivateAddress,
		TemplateUsed:   template,
	}
	c.released = false
	log.Info(ctx, "instance is running", "id", id, "address", instance.PrivateAddress)
	return *c.handle, nil
}

// Release terminates the instance. It is a no-op without a successful
// 'Acquire' and after the first call.
func (c *Compute) Release(ctx context.Context) error {
	if c.handle == nil || c.released {
		return nil
	}
	c.released = true
	return c.terminate(ctx, c.handle.InstanceID)
}

func (c *Compute) terminate(ctx context.Context, id string) error {
	log.Info(ctx, "terminating instance", "id", id)
	if err := c.Service.TerminateInstance(ctx, id); err != nil {
		if c.Classifier.IsNotFound(err) {
			log.Warn(ctx, "instance already gone", "id", id, "error", err)
			return nil
		}
		return err
	}
	return nil
}
