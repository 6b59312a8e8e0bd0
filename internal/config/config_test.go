package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCacheFolders(t *testing.T) {
	folders, err := parseCacheFolders("a:Primary:/mnt/a,b:Secondary:/mnt/b:false")
	require.NoError(t, err)
	require.Len(t, folders, 2)
	assert.True(t, folders[0].Active)
	assert.False(t, folders[1].Active)
}

func TestValidateRejectsDuplicateFolderIDs(t *testing.T) {
	cfg := Default()
	cfg.DatabaseURL = "postgres://x"
	cfg.CacheFolders = []CacheFolderConfig{
		{ID: "a", Name: "one", Path: "/mnt/1"},
		{ID: "a", Name: "two", Path: "/mnt/2"},
	}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNoCacheFolders(t *testing.T) {
	cfg := Default()
	cfg.DatabaseURL = "postgres://x"
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresDatabaseURL(t *testing.T) {
	cfg := Default()
	cfg.CacheFolders = []CacheFolderConfig{{ID: "a", Name: "one", Path: "/mnt/1"}}
	assert.Error(t, cfg.Validate())
}
