package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFallsBackToDefaults(t *testing.T) {
	opts, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Defaults(), opts)
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tkmcollector.yaml")
	require.NoError(t, os.WriteFile(path, []byte("DatabaseType: postgresql\nDBName: custom\n"), 0o644))

	opts, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, DatabasePostgreSQL, opts.DatabaseType)
	require.Equal(t, "custom", opts.DBName)
	require.Equal(t, Defaults().DBServerAddress, opts.DBServerAddress)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tkmcollector.yaml")
	require.NoError(t, os.WriteFile(path, []byte("DatabaseType: mongodb\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
