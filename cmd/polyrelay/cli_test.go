package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyrelay/polyrelay/internal/auth"
	"github.com/polyrelay/polyrelay/internal/config"
)

func TestEnsureAPIKeyFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	store, err := config.NewStore(path)
	require.NoError(t, err)

	settings := store.GetSettings()
	settings.EnableAPIKey = true
	store.UpdateSettings(settings)

	key, err := ensureAPIKey(store)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(key, auth.APIKeyPrefix))

	// The key validates against the persisted secret.
	settings = store.GetSettings()
	_, err = auth.NewJWTManager(settings.JWTSecret).ValidateAPIKey(key)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, settings.APIKeys)

	// A second run leaves the configured key alone.
	key2, err := ensureAPIKey(store)
	require.NoError(t, err)
	assert.Empty(t, key2)

	// The key survives a reload from disk.
	reloaded, err := config.NewStore(path)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, reloaded.GetSettings().APIKeys)
}

func TestEnsureAPIKeyOffWhenDisabled(t *testing.T) {
	store, err := config.NewStore(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)

	key, err := ensureAPIKey(store)
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Empty(t, store.GetSettings().APIKeys)
}
