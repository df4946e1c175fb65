package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-task-engine/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "artifacts")
		store, err := local.New(dir)
		require.NoError(t, err)
		assert.NotNil(t, store)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New("  ")
		assert.Error(t, err)
	})

	t.Run("BaseDirIsAFile", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(file)
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	dir := t.TempDir()
	store, err := local.New(dir)
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "scrape_md/abc.html", "text/html", bytes.NewBufferString("<html/>"))
	require.NoError(t, err)
	full := filepath.Join(dir, "scrape_md", "abc.html")
	assert.Equal(t, "file://"+full, uri)
	content, err := os.ReadFile(full)
	require.NoError(t, err)
	assert.Equal(t, "<html/>", string(content))

	_, err = store.PutObject(context.Background(), "../escape.html", "text/html", bytes.NewBufferString("x"))
	assert.Error(t, err)
	_, err = store.PutObject(context.Background(), "", "text/html", bytes.NewBufferString("x"))
	assert.Error(t, err)
}
