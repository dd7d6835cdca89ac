package lifecycle

import (
	"context"
	"encoding"
	"fmt"
	"log/slog"

	"github.com/chainguard-dev/run-on-ec2/internal/log"
	"github.com/chainguard-dev/run-on-ec2/internal/provision"
)

const redacted = "[REDACTED]"

// Secret is private key material. It formats and logs as "[REDACTED]".
type Secret []byte

func (Secret) String() string       { return redacted }
func (Secret) GoString() string     { return redacted }
func (Secret) LogValue() slog.Value { return slog.StringValue(redacted) }
func (s Secret) Reveal() []byte     { return []byte(s) }

// MarshalText keeps the material out of structured encodings of values which
// embed a Secret.
func (Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

var (
	_ fmt.Stringer   = Secret(nil)
	_ fmt.GoStringer = Secret(nil)
	_ slog.LogValuer = Secret(nil)

	_ encoding.TextMarshaler = Secret(nil)
)

type CredentialHandle struct {
	Name     string
	Material Secret
}

// Credential owns one provider key pair.
type Credential struct {
	Service    provision.Service
	Classifier provision.Classifier

	name     string
	released bool
}

// Acquire creates a key pair named 'name'.
//
// The name is recorded before the provider is called, so a caller may still
// 'Release' after a failed Acquire when the provider could have created the
// key pair anyway. 'Coordinator' does not: a stage which failed to acquire is
// never released.
func (c *Credential) Acquire(ctx context.Context, name string) (CredentialHandle, error) {
	c.name, c.released = name, false
	log.Info(ctx, "creating key pair", "name", name)
	material, err := c.Service.CreateCredential(ctx, name)
	if err != nil {
		return CredentialHandle{}, fmt.Errorf("%w: %w", ErrFatalProvisioning, err)
	}
	return CredentialHandle{Name: name, Material: Secret(material)}, nil
}

// Release deletes the key pair. It is a no-op before 'Acquire' and after the
// first call.
func (c *Credential) Release(ctx context.Context) error {
	if c.name == "" || c.released {
		return nil
	}
	c.released = true
	log.Info(ctx, "deleting key pair", "name", c.name)
	if err := c.Service.DeleteCredential(ctx, c.name); err != nil {
		if c.Classifier.IsNotFound(err) {
			log.Warn(ctx, "key pair already gone", "name", c.name, "error", err)
			return nil
		}
		return err
	}
	return nil
}
