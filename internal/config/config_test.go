package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CD_POLL_INTERVAL", "")
	t.Setenv("CD_DOWNLOAD_ATTEMPTS", "")

	cfg := Load()
	assert.Equal(t, 5*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 3, cfg.Fetch.Attempts)
	assert.Equal(t, 2*time.Second, cfg.Fetch.Backoff)
	assert.Equal(t, 3, cfg.Deploy.SubmitAttempts)
	assert.Equal(t, 5*time.Second, cfg.Deploy.SubmitBackoff)
	require.NoError(t, cfg.Validate())
}

func TestLoad_DurationForms(t *testing.T) {
	t.Setenv("CD_POLL_INTERVAL", "250ms")
	t.Setenv("CD_WAIT_MAX", "30")

	cfg := Load()
	assert.Equal(t, 250*time.Millisecond, cfg.Poll.Interval)
	assert.Equal(t, 30*time.Second, cfg.Poll.WaitMax)
}

func TestDeployConfig_APIKey(t *testing.T) {
	t.Setenv("TEST_CD_KEY", "")
	d := DeployConfig{APIKeyEnv: "TEST_CD_KEY"}

	_, err := d.APIKey()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAPIKeyRequired))

	t.Setenv("TEST_CD_KEY", "  secret ")
	key, err := d.APIKey()
	require.NoError(t, err)
	assert.Equal(t, "secret", key)
}

func TestValidate_Errors(t *testing.T) {
	cfg := Load()
	cfg.Poll.Interval = 0
	assert.ErrorIs(t, cfg.Validate(), ErrPollIntervalInvalid)

	cfg = Load()
	cfg.Fetch.Attempts = 0
	assert.ErrorIs(t, cfg.Validate(), ErrAttemptsInvalid)
}

func TestLoad_StoreConfig(t *testing.T) {
	t.Setenv("CD_STORE_BUCKET", "")
	assert.False(t, Load().Store.Enabled())

	t.Setenv("CD_STORE_BUCKET", "inputs")
	t.Setenv("CD_STORE_FORCE_PATH_STYLE", "true")
	t.Setenv("CD_STORE_PRESIGN_TTL", "2h")
	store := Load().Store
	assert.True(t, store.Enabled())
	assert.True(t, store.ForcePathStyle)
	assert.Equal(t, "comfydeploy/inputs", store.Prefix)
	assert.Equal(t, 2*time.Hour, store.PresignTTL)
}
