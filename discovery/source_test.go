package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLocalSourceListDir(t *testing.T) {
	base := t.TempDir()
	writeFile(t, base, "a.pdf", "hello")
	writeFile(t, base, "b.txt", "world!")
	require.NoError(t, os.Mkdir(filepath.Join(base, "sub"), 0o755))
	writeFile(t, filepath.Join(base, "sub"), "c.pdf", "x")

	src := NewLocalSource(base)
	entries, err := src.ListDir(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	byName := map[string]Entry{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	assert.Equal(t, int64(5), byName["a.pdf"].Size)
	assert.NotEmpty(t, byName["a.pdf"].ProviderID)
	assert.True(t, byName["sub"].IsDir)
	assert.Empty(t, byName["sub"].ProviderID)

	sub, err := src.ListDir(context.Background(), "sub")
	require.NoError(t, err)
	require.Len(t, sub, 1)
	assert.Equal(t, "sub/c.pdf", sub[0].Path)
}

func TestLocalSourceProviderIDStable(t *testing.T) {
	base := t.TempDir()
	writeFile(t, base, "a.pdf", "hello")

	src := NewLocalSource(base)
	first, err := src.ListDir(context.Background(), "")
	require.NoError(t, err)
	second, err := src.ListDir(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, first[0].ProviderID, second[0].ProviderID,
		"an unchanged file must keep its identity across passes")
}

func TestLocalSourceMissingDir(t *testing.T) {
	src := NewLocalSource(t.TempDir())
	_, err := src.ListDir(context.Background(), "nope")
	assert.Error(t, err)
}

func TestWatcherCoalescesBurst(t *testing.T) {
	base := t.TempDir()
	w, err := NewWatcher([]string{base}, 100*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 5; i++ {
		writeFile(t, base, "f"+string(rune('a'+i))+".pdf", "x")
	}

	select {
	case <-w.Rescan():
	case <-time.After(3 * time.Second):
		t.Fatal("expected a rescan signal after the burst settled")
	}

	// The whole burst collapses into that one signal.
	select {
	case <-w.Rescan():
		t.Fatal("burst produced more than one rescan signal")
	case <-time.After(300 * time.Millisecond):
	}
}
