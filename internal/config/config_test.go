package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keys = []string{
	"NAME", "LAUNCH_TEMPLATE_NAMES", "SUBNET_ID", "SSH_USER", "SSH_PORT",
	"POLL_INTERVAL", "INSTANCE_READY_TIMEOUT", "SSH_READY_TIMEOUT",
	"TEARDOWN_TIMEOUT", "CAPACITY_ERROR_CODES", "IMPORT_KEY_PAIR",
	"RESOURCE_EXPIRY", "LOG_LEVEL", "LOG_DIR", "SKIP_TEARDOWN",
}

// clearEnv unsets every variable Load reads, restoring them after the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		for _, name := range []string{k, Prefix + "_" + k} {
			t.Setenv(name, "")
			require.NoError(t, os.Unsetenv(name))
		}
	}
}

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("NAME", "build-agent")
	t.Setenv("LAUNCH_TEMPLATE_NAMES", "t-a,t-b")
	t.Setenv("SUBNET_ID", "subnet-1")
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		clearEnv(t)
		setRequired(t)

		s, err := Load()
		require.NoError(t, err)
		assert.Equal(t, Settings{
			Name:                 "build-agent",
			LaunchTemplateNames:  []string{"t-a", "t-b"},
			SubnetID:             "subnet-1",
			SSHUser:              "ec2-user",
			SSHPort:              22,
			PollInterval:         5 * time.Second,
			InstanceReadyTimeout: 10 * time.Minute,
			SSHReadyTimeout:      5 * time.Minute,
			TeardownTimeout:      10 * time.Minute,
			CapacityErrorCodes:   []string{"InsufficientInstanceCapacity", "SpotMaxPriceTooLow"},
			ResourceExpiry:       2 * time.Hour,
			LogLevel:             "info",
		}, s)
	})

	t.Run("prefixed-wins", func(t *testing.T) {
		clearEnv(t)
		setRequired(t)
		t.Setenv("RUN_ON_EC2_NAME", "nightly")
		t.Setenv("RUN_ON_EC2_SSH_USER", "ubuntu")
		t.Setenv("RUN_ON_EC2_SSH_READY_TIMEOUT", "90s")
		t.Setenv("RUN_ON_EC2_INSTANCE_READY_TIMEOUT", "0")
		t.Setenv("RUN_ON_EC2_SKIP_TEARDOWN", "true")

		s, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "nightly", s.Name)
		assert.Equal(t, "ubuntu", s.SSHUser)
		assert.Equal(t, 90*time.Second, s.SSHReadyTimeout)
		assert.Zero(t, s.InstanceReadyTimeout)
		assert.True(t, s.SkipTeardown)
	})

	t.Run("skip-teardown-needs-prefix", func(t *testing.T) {
		clearEnv(t)
		setRequired(t)
		t.Setenv("SKIP_TEARDOWN", "true")

		s, err := Load()
		require.NoError(t, err)
		assert.False(t, s.SkipTeardown)
	})

	t.Run("template-list-is-trimmed", func(t *testing.T) {
		clearEnv(t)
		setRequired(t)
		t.Setenv("LAUNCH_TEMPLATE_NAMES", " t-a, ,t-b ,")

		s, err := Load()
		require.NoError(t, err)
		assert.Equal(t, []string{"t-a", "t-b"}, s.LaunchTemplateNames)
	})

	t.Run("missing-required", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("NAME", "build-agent")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "LAUNCH_TEMPLATE_NAMES")
	})

	t.Run("invalid", func(t *testing.T) {
		clearEnv(t)
		setRequired(t)
		t.Setenv("LAUNCH_TEMPLATE_NAMES", ",")
		t.Setenv("POLL_INTERVAL", "0s")
		t.Setenv("LOG_LEVEL", "loud")

		_, err := Load()
		require.ErrorIs(t, err, ErrInvalid)
		assert.Contains(t, err.Error(), "LAUNCH_TEMPLATE_NAMES")
		assert.Contains(t, err.Error(), "POLL_INTERVAL")
		assert.Contains(t, err.Error(), "loud")
	})

	t.Run("unparseable", func(t *testing.T) {
		clearEnv(t)
		setRequired(t)
		t.Setenv("SSH_PORT", "70000")

		_, err := Load()
		require.Error(t, err)
	})
}
