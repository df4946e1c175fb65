package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	require.ElementsMatch(t, []string{"serve", "worker", "migrate"}, names)
}

func TestMigrateCreatesSQLiteDatabase(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "tasks.db")
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("database:\n  driver: sqlite\n  dsn: "+dbPath+"\n"), 0o600))

	root := newRootCmd()
	root.SetArgs([]string{"--config", cfgPath, "migrate"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	require.FileExists(t, dbPath)
}

func TestMissingConfigFileFails(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml"), "migrate"})
	require.Error(t, root.ExecuteContext(context.Background()))
}

func TestConfigFromEmptyContext(t *testing.T) {
	_, err := configFrom(context.Background())
	require.Error(t, err)
}
