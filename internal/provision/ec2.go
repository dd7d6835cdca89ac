package provision

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/run-on-ec2/internal/ssh"
	"k8s.io/utils/clock"
)

// EC2API is the subset of '*ec2.Client' used by 'EC2'.
type EC2API interface {
	CreateKeyPair(ctx context.Context, params *ec2.CreateKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.CreateKeyPairOutput, error)
	ImportKeyPair(ctx context.Context, params *ec2.ImportKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error)
	DeleteKeyPair(ctx context.Context, params *ec2.DeleteKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.DeleteKeyPairOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

var _ EC2API = (*ec2.Client)(nil)

// DefaultCapacityCodes are the EC2 error codes which mean "try a different
// launch template".
var DefaultCapacityCodes = []string{
	"InsufficientInstanceCapacity",
	"SpotMaxPriceTooLow",
}

// EC2 implements 'Service' and 'Classifier' against the EC2 API.
type EC2 struct {
	Client EC2API

	// ImportKeys generates key pairs locally and imports only the public half,
	// instead of having EC2 generate them.
	ImportKeys bool

	// CapacityCodes override 'DefaultCapacityCodes' when non-empty.
	CapacityCodes []string

	// Project is the value of the 'Project' tag, 'TagDefaultProject' when
	// empty.
	Project string

	// Expiry, when positive, stamps every resource with an 'expires' tag this
	// far in the future.
	Expiry time.Duration

	// Tags are attached to every resource.
	Tags map[string]string

	Clock clock.PassiveClock
}

var (
	_ Service    = (*EC2)(nil)
	_ Classifier = (*EC2)(nil)
)

var (
	ErrKeypairCreate     = fmt.Errorf("failed to create keypair")
	ErrKeypairImport     = fmt.Errorf("failed to import keypair")
	ErrKeypairDelete     = fmt.Errorf("failed to delete keypair")
	ErrKeypairNoMaterial = fmt.Errorf("encountered no error in keypair creation, but the returned key material was empty")
)

func (e *EC2) CreateCredential(ctx context.Context, name string) ([]byte, error) {
	if e.ImportKeys {
		return e.importKeyPair(ctx, name)
	}
	result, err := e.Client.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName:           aws.String(name),
		KeyType:           types.KeyTypeEd25519,
		KeyFormat:         types.KeyFormatPem,
		TagSpecifications: e.tagSpecifications(tagsFromMap(name, e.Tags), types.ResourceTypeKeyPair),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeypairCreate, err)
	}
	if result.KeyMaterial == nil || *result.KeyMaterial == "" {
		return nil, ErrKeypairNoMaterial
	}
	clog.FromContext(ctx).Debug("created key pair", "name", name, "id", aws.ToString(result.KeyPairId))
	return []byte(*result.KeyMaterial), nil
}

func (e *EC2) importKeyPair(ctx context.Context, name string) ([]byte, error) {
	keys, err := ssh.NewED25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}
	pubKey, err := keys.Public.MarshalOpenSSH()
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	pemData, err := keys.Private.MarshalOpenSSH(name)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	result, err := e.Client.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(name),
		PublicKeyMaterial: pubKey,
		TagSpecifications: e.tagSpecifications(tagsFromMap(name, e.Tags), types.ResourceTypeKeyPair),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeypairImport, err)
	}
	clog.FromContext(ctx).Debug("imported key pair", "name", name, "id", aws.ToString(result.KeyPairId))
	return pemData, nil
}

func (e *EC2) DeleteCredential(ctx context.Context, name string) error {
	_, err := e.Client.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{
		KeyName: aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeypairDelete, err)
	}
	return nil
}

var (
	ErrInstanceCreate            = fmt.Errorf("failed to create EC2 instance")
	ErrInstanceCreateNoInstances = fmt.Errorf("encountered no error during " +
		"instance launch, but no instance was actually created")
	ErrInstanceCreateIDNil = fmt.Errorf("encountered no error during instance " +
		"launch, but the returned instance ID was nil")
)

func (e *EC2) CreateInstance(ctx context.Context, req InstanceRequest) (string, error) {
	tags := make(map[string]string, len(e.Tags)+len(req.Tags))
	maps.Copy(tags, e.Tags)
	maps.Copy(tags, req.Tags)
	input := &ec2.RunInstancesInput{
		LaunchTemplate: &types.LaunchTemplateSpecification{
			LaunchTemplateName: aws.String(req.Template),
		},
		MinCount: aws.Int32(1),
		MaxCount: aws.Int32(1),
		KeyName:  aws.String(req.CredentialName),
		TagSpecifications: e.tagSpecifications(
			tagsFromMap(req.Name, tags),
			types.ResourceTypeInstance,
			types.ResourceTypeVolume,
		),
	}
	if req.SubnetID != "" {
		input.SubnetId = aws.String(req.SubnetID)
	}
	result, err := e.Client.RunInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInstanceCreate, err)
	}
	if len(result.Instances) < 1 {
		return "", ErrInstanceCreateNoInstances
	}
	instance := &result.Instances[0]
	if instance.InstanceId == nil {
		return "", ErrInstanceCreateIDNil
	}
	return *instance.InstanceId, nil
}

var ErrInstanceDelete = fmt.Errorf("failed to delete EC2 instance")

func (e *EC2) TerminateInstance(ctx context.Context, id string) error {
	_, err := e.Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds:    []string{id},
		SkipOsShutdown: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstanceDelete, err)
	}
	return nil
}

var (
	ErrInstanceState               = fmt.Errorf("failed to fetch instance state")
	ErrInstanceStateNoReservations = fmt.Errorf("%w: describe instances call "+
		"produced no errors, but returned no reservations", ErrNotFound)
	ErrInstanceStateNoInstances = fmt.Errorf("%w: describe instances call "+
		"produced no errors, but returned no instances", ErrNotFound)
	ErrInstanceStateStateNil = fmt.Errorf("describe instances call produced no " +
		"errors, but the returned instance state was nil")
)

func (e *EC2) DescribeInstance(ctx context.Context, id string) (Instance, error) {
	result, err := e.Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return Instance{}, fmt.Errorf("%w: %w", ErrInstanceState, err)
	}
	if len(result.Reservations) == 0 {
		return Instance{}, ErrInstanceStateNoReservations
	}
	reservation := result.Reservations[0]
	if len(reservation.Instances) == 0 {
		return Instance{}, ErrInstanceStateNoInstances
	}
	instance := reservation.Instances[0]
	if instance.State == nil {
		return Instance{}, ErrInstanceStateStateNil
	}
	return Instance{
		ID:             aws.ToString(instance.InstanceId),
		State:          State(instance.State.Name),
		PrivateAddress: aws.ToString(instance.PrivateIpAddress),
	}, nil
}

// notFoundCodes are the EC2 error codes for resources which don't exist.
var notFoundCodes = []string{
	"InvalidInstanceID.NotFound",
	"InvalidKeyPair.NotFound",
}

func (e *EC2) IsCapacity(err error) bool {
	codes := e.CapacityCodes
	if len(codes) == 0 {
		codes = DefaultCapacityCodes
	}
	return hasErrorCode(err, codes)
}

func (e *EC2) IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || hasErrorCode(err, notFoundCodes)
}

func hasErrorCode(err error, codes []string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return slices.Contains(codes, apiErr.ErrorCode())
}

func (e *EC2) now() time.Time {
	if e.Clock == nil {
		return time.Now()
	}
	return e.Clock.Now()
}
