// Package config loads run settings from the environment.
//
// Every variable is read with the RUN_ON_EC2_ prefix first, then without it,
// so NAME, LAUNCH_TEMPLATE_NAMES and SUBNET_ID work as plain names too.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chainguard-dev/run-on-ec2/internal/log"
	"github.com/kelseyhightower/envconfig"
)

const Prefix = "RUN_ON_EC2"

type Settings struct {
	// Name is the base name of every resource of the run.
	Name string `envconfig:"NAME" required:"true"`

	// LaunchTemplateNames are tried in order until one has capacity.
	LaunchTemplateNames []string `envconfig:"LAUNCH_TEMPLATE_NAMES" required:"true"`
	SubnetID            string   `envconfig:"SUBNET_ID" required:"true"`

	SSHUser string `envconfig:"SSH_USER" default:"ec2-user"`
	SSHPort uint16 `envconfig:"SSH_PORT" default:"22"`

	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`
	// Zero leaves the instance wait bounded only by cancellation.
	InstanceReadyTimeout time.Duration `envconfig:"INSTANCE_READY_TIMEOUT" default:"10m"`
	SSHReadyTimeout      time.Duration `envconfig:"SSH_READY_TIMEOUT" default:"5m"`
	TeardownTimeout      time.Duration `envconfig:"TEARDOWN_TIMEOUT" default:"10m"`

	// CapacityErrorCodes are the provider error codes which move on to the
	// next launch template.
	CapacityErrorCodes []string `envconfig:"CAPACITY_ERROR_CODES" default:"InsufficientInstanceCapacity,SpotMaxPriceTooLow"`

	ImportKeyPair  bool          `envconfig:"IMPORT_KEY_PAIR" default:"false"`
	ResourceExpiry time.Duration `envconfig:"RESOURCE_EXPIRY" default:"2h"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogDir   string `envconfig:"LOG_DIR" default:""`

	// SkipTeardown is only read with the prefix.
	SkipTeardown bool `split_words:"true"`
}

// Load reads and validates the settings.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process(Prefix, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to load config: %w", err)
	}
	s.LaunchTemplateNames = compact(s.LaunchTemplateNames)
	s.CapacityErrorCodes = compact(s.CapacityErrorCodes)
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

var ErrInvalid = errors.New("invalid config")

func (s Settings) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Name) == "" {
		errs = append(errs, errors.New("NAME must not be empty"))
	}
	if len(s.LaunchTemplateNames) == 0 {
		errs = append(errs, errors.New("LAUNCH_TEMPLATE_NAMES must name at least one launch template"))
	}
	if s.SubnetID == "" {
		errs = append(errs, errors.New("SUBNET_ID must not be empty"))
	}
	if s.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be positive, got %s", s.PollInterval))
	}
	for name, d := range map[string]time.Duration{
		"INSTANCE_READY_TIMEOUT": s.InstanceReadyTimeout,
		"SSH_READY_TIMEOUT":      s.SSHReadyTimeout,
		"TEARDOWN_TIMEOUT":       s.TeardownTimeout,
		"RESOURCE_EXPIRY":        s.ResourceExpiry,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	if _, err := log.ParseLevel(s.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Level returns the parsed log level, info when unparseable.
func (s Settings) Level() slog.Level {
	level, _ := log.ParseLevel(s.LogLevel)
	return level
}

// compact trims every entry and drops empty ones.
func compact(in []string) []string {
	out := in[:0]
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
