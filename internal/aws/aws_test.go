package aws

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfile(t *testing.T) {
	t.Setenv("AWS_PROFILE", "")
	assert.Equal(t, "default", profile())

	t.Setenv("AWS_PROFILE", "signer")
	assert.Equal(t, "signer", profile())
}

func TestLoadAWSConfig_RegionOverride(t *testing.T) {
	t.Setenv("AWS_PROFILE", "")
	t.Setenv("AWS_CONFIG_FILE", t.TempDir()+"/config")
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", t.TempDir()+"/credentials")

	cfg, err := LoadAWSConfig(context.Background(), "eu-west-1")
	if err != nil && !inKubernetes() {
		// the SDK refuses an explicitly named profile that does not exist
		assert.Contains(t, err.Error(), "failed to load AWS config")
		return
	}
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", cfg.Region)
}
