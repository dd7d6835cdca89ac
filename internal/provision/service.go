// Package provision talks to the infrastructure provider on behalf of the
// run lifecycle: key pairs, instances launched from launch templates, and the
// classification of the provider's failures.
package provision

import (
	"context"
	"errors"
)

// Service is the provider surface the run lifecycle depends on.
type Service interface {
	// CreateCredential creates a login key pair named 'name' and returns its
	// PEM-encoded private key material.
	CreateCredential(ctx context.Context, name string) ([]byte, error)
	DeleteCredential(ctx context.Context, name string) error

	// CreateInstance launches one instance and returns its ID.
	CreateInstance(ctx context.Context, req InstanceRequest) (string, error)
	TerminateInstance(ctx context.Context, id string) error
	DescribeInstance(ctx context.Context, id string) (Instance, error)
}

// Classifier sorts provider failures.
type Classifier interface {
	// IsCapacity reports whether 'err' means the requested option has no
	// capacity right now, and a different option may succeed.
	IsCapacity(err error) bool

	// IsNotFound reports whether 'err' means the addressed resource does not
	// exist (anymore, or not yet).
	IsNotFound(err error) bool
}

type InstanceRequest struct {
	// Name is the instance's human-readable name (its 'Name' tag).
	Name string

	// Template names the launch template the instance is created from.
	Template string

	CredentialName string
	SubnetID       string

	// Tags are attached to the instance and its volumes in addition to the
	// default tags.
	Tags map[string]string
}

type State string

const (
	StatePending      State = "pending"
	StateRunning      State = "running"
	StateShuttingDown State = "shutting-down"
	StateTerminated   State = "terminated"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
)

type Instance struct {
	ID             string
	State          State
	PrivateAddress string
}

// ErrNotFound is returned when a describe call succeeds but the resource is
// absent from its result.
var ErrNotFound = errors.New("resource not found")
